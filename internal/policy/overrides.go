package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxOverrideDuration bounds every temporary override.
	MaxOverrideDuration = 7 * 24 * time.Hour
)

var (
	ErrOverrideDuration = errors.New("override duration must be positive and at most 7 days")
	ErrOverrideNotFound = errors.New("override not found")
)

// TemporaryOverride replaces one rule until ExpiresAt.
type TemporaryOverride struct {
	ID        string    `json:"id"`
	Rule      string    `json:"rule"`
	Value     any       `json:"value"`
	Reason    string    `json:"reason,omitempty"`
	SetBy     string    `json:"set_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IsActive returns true if the override has not expired at now.
func (o TemporaryOverride) IsActive(now time.Time) bool {
	return now.Before(o.ExpiresAt)
}

// OverrideStore holds temporary overrides, at most one per rule.
// With a path it persists to a single JSON file written atomically.
type OverrideStore struct {
	path      string
	mu        sync.Mutex
	overrides []TemporaryOverride
	now       func() time.Time
}

// NewOverrideStore loads overrides from path. Empty path keeps them in
// memory only. A nil now uses time.Now.
func NewOverrideStore(path string, now func() time.Time) (*OverrideStore, error) {
	if now == nil {
		now = time.Now
	}
	s := &OverrideStore{path: path, now: now}
	if path == "" {
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("cannot create override directory: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read overrides: %w", err)
	}
	if err := json.Unmarshal(data, &s.overrides); err != nil {
		return nil, fmt.Errorf("failed to parse overrides: %w", err)
	}
	for _, o := range s.overrides {
		if err := ValidateRule(o.Rule, o.Value); err != nil {
			return nil, fmt.Errorf("stored override %s: %w", o.ID, err)
		}
	}
	return s, nil
}

// DefaultOverridePath returns ~/.hivegate/overrides.json.
func DefaultOverridePath() string {
	return filepath.Join(filepath.Dir(DefaultPath()), "overrides.json")
}

// Set installs a temporary override. It replaces any existing override for
// the same rule, active or not.
func (s *OverrideStore) Set(rule string, value any, duration time.Duration, reason, setBy string) (*TemporaryOverride, error) {
	if duration <= 0 || duration > MaxOverrideDuration {
		return nil, fmt.Errorf("%w: got %s", ErrOverrideDuration, duration)
	}
	if err := ValidateRule(rule, value); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	o := TemporaryOverride{
		ID:        "ovr-" + uuid.NewString(),
		Rule:      rule,
		Value:     value,
		Reason:    strings.TrimSpace(reason),
		SetBy:     setBy,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}

	next := make([]TemporaryOverride, 0, len(s.overrides)+1)
	for _, existing := range s.overrides {
		if existing.Rule != rule {
			next = append(next, existing)
		}
	}
	next = append(next, o)
	if err := s.persist(next); err != nil {
		return nil, fmt.Errorf("failed to write overrides: %w", err)
	}
	s.overrides = next
	return &o, nil
}

// Clear removes the override for rule.
func (s *OverrideStore) Clear(rule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]TemporaryOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		if o.Rule != rule {
			next = append(next, o)
		}
	}
	if len(next) == len(s.overrides) {
		return fmt.Errorf("%w: %s", ErrOverrideNotFound, rule)
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.overrides = next
	return nil
}

// List returns every stored override, oldest first.
func (s *OverrideStore) List() []TemporaryOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]TemporaryOverride(nil), s.overrides...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Layers returns one layer per override, ordered by creation. Expired
// overrides are still returned; Resolve skips them by ExpiresAt.
func (s *OverrideStore) Layers() []Layer {
	list := s.List()
	layers := make([]Layer, 0, len(list))
	for _, o := range list {
		layers = append(layers, Layer{
			Name:      "temporary:" + o.Rule,
			Values:    map[string]any{o.Rule: o.Value},
			ExpiresAt: o.ExpiresAt,
		})
	}
	return layers
}

// Prune drops overrides expired at now and returns how many were removed.
func (s *OverrideStore) Prune(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]TemporaryOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		if o.IsActive(now) {
			next = append(next, o)
		}
	}
	removed := len(s.overrides) - len(next)
	if removed == 0 {
		return 0, nil
	}
	if err := s.persist(next); err != nil {
		return 0, err
	}
	s.overrides = next
	return removed, nil
}

func (s *OverrideStore) persist(list []TemporaryOverride) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
