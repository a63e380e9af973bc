package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/hivegate/internal/policy"
)

var (
	initPolicyPreset string
	initPolicyOutput string
	initPolicyForce  bool
)

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().StringVar(&initPolicyPreset, "preset", "moderate", "Base preset (conservative|moderate|aggressive)")
	initPolicyCmd.Flags().StringVarP(&initPolicyOutput, "output", "o", "", "Where to write the document (default ~/.hivegate/policy.yaml)")
	initPolicyCmd.Flags().BoolVar(&initPolicyForce, "force", false, "Overwrite an existing document")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate a commented policy.yaml",
	Long:  "Writes a policy document with the chosen preset, rate limits, spending\nwindows and quiet hours. Edit it and the running gateway reloads it.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := initPolicyOutput
	if path == "" {
		path = policy.DefaultPath()
	}
	content, err := policyYAML(initPolicyPreset)
	if err != nil {
		return err
	}
	if !initPolicyForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("policy.yaml already exists at %s (use --force)", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write policy.yaml: %w", err)
	}

	fmt.Printf("Created %s (preset %s)\n", path, initPolicyPreset)
	return nil
}

// policyYAML returns the default document based on preset. The explicit
// rate and spending sections carry moderate values, so for other presets
// they are commented out and the preset's own values apply.
func policyYAML(preset string) (string, error) {
	if _, err := policy.LoadPreset(preset); err != nil {
		return "", fmt.Errorf("%w (known: %s)", err, strings.Join(policy.PresetNames(), ", "))
	}
	doc := policy.DefaultDocumentYAML()
	if preset == "moderate" {
		return doc, nil
	}
	doc = strings.Replace(doc, "\npreset: moderate\n", "\npreset: "+preset+"\n", 1)

	lines := strings.Split(doc, "\n")
	inSection := false
	for i, line := range lines {
		switch {
		case line == "rate_limits:" || line == "spending:":
			inSection = true
		case line == "":
			inSection = false
		}
		if inSection {
			lines[i] = "# " + line
		}
	}
	return strings.Join(lines, "\n"), nil
}
