package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed presets/conservative.yaml
var conservativeYAML []byte

//go:embed presets/moderate.yaml
var moderateYAML []byte

//go:embed presets/aggressive.yaml
var aggressiveYAML []byte

// builtinPresets maps preset names to their embedded YAML content.
var builtinPresets = map[string][]byte{
	"conservative": conservativeYAML,
	"moderate":     moderateYAML,
	"aggressive":   aggressiveYAML,
}

// ErrUnknownPreset is returned for a preset name that is not built in.
var ErrUnknownPreset = errors.New("unknown preset")

// Preset is a named bundle of rule defaults.
type Preset struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Rules       map[string]any `yaml:"rules"`
}

// LoadPreset parses a built-in preset.
func LoadPreset(name string) (*Preset, error) {
	data, ok := builtinPresets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	var p Preset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse built-in preset %q: %w", name, err)
	}
	return &p, nil
}

// Layer returns the preset as the lowest-precedence rule layer.
func (p *Preset) Layer() Layer {
	return Layer{Name: "preset:" + p.Name, Values: p.Rules}
}

// PresetNames returns the built-in preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(builtinPresets))
	for name := range builtinPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
