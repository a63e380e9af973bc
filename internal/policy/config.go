package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hivegate/internal/canon"
	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/ratelimit"
	"github.com/ppiankov/hivegate/internal/spending"
)

// CurrentVersion is the policy document version this build understands.
const CurrentVersion = 1

// TimeRestrictions configures quiet hours.
type TimeRestrictions struct {
	QuietHours          *QuietHours `yaml:"quiet_hours,omitempty"`
	QuietHoursMaxDanger int         `yaml:"quiet_hours_max_danger,omitempty"`
}

// Forbidden lists targets no command may touch.
type Forbidden struct {
	Actions  []string `yaml:"actions,omitempty"`
	Peers    []string `yaml:"peers,omitempty"`
	Channels []string `yaml:"channels,omitempty"`
}

// Payments configures the escrow requirement.
type Payments struct {
	MinPaymentMsat int64 `yaml:"min_payment_msat,omitempty"`
}

// Document is the operator's policy file.
type Document struct {
	PolicyVersion        int                `yaml:"policy_version"`
	Preset               string             `yaml:"preset"`
	Overrides            map[string]any     `yaml:"overrides,omitempty"`
	RequiredConfirmation int                `yaml:"required_confirmation,omitempty"`
	RateLimits           ratelimit.Limits   `yaml:"rate_limits,omitempty"`
	Spending             spending.Limits    `yaml:"spending,omitempty"`
	TimeRestrictions     TimeRestrictions   `yaml:"time_restrictions,omitempty"`
	Forbidden            Forbidden          `yaml:"forbidden,omitempty"`
	Payments             Payments           `yaml:"payments,omitempty"`
	DangerScores         map[string]int     `yaml:"danger_scores,omitempty"`
	Grants               []credential.Grant `yaml:"grants,omitempty"`
}

// DefaultDocument is a moderate policy with no grants.
func DefaultDocument() *Document {
	return &Document{PolicyVersion: CurrentVersion, Preset: "moderate"}
}

// DefaultPath returns ~/.hivegate/policy.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "hivegate", "policy.yaml")
	}
	return filepath.Join(home, ".hivegate", "policy.yaml")
}

// LoadDocument loads a policy document and returns the sha256 of its raw
// bytes. Empty path falls back to DefaultPath. A missing file yields the
// default document and the hash of empty input. Invalid documents are
// errors, never silently defaulted.
func LoadDocument(path string) (*Document, string, error) {
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultDocument(), canon.Digest(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read policy document: %w", err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, "", err
	}
	return doc, canon.Digest(data), nil
}

// ParseDocument decodes and validates a policy document.
func ParseDocument(data []byte) (*Document, error) {
	doc := DefaultDocument()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Validate checks everything that can be checked without a clock:
// version, preset, rule names and values, quiet hours and grants.
func (d *Document) Validate() error {
	var errs []error
	if d.PolicyVersion != CurrentVersion {
		errs = append(errs, fmt.Errorf("unsupported policy_version %d (want %d)", d.PolicyVersion, CurrentVersion))
	}
	preset, err := LoadPreset(d.Preset)
	if err != nil {
		errs = append(errs, err)
	}
	if preset != nil {
		if _, err := Resolve([]Layer{preset.Layer(), d.Layer(), d.OverrideLayer()}, time.Time{}); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := d.TimeRestrictions.QuietHours.compile(); err != nil {
		errs = append(errs, err)
	}
	for pattern, score := range d.DangerScores {
		if score < 0 || score > MaxDangerScore {
			errs = append(errs, fmt.Errorf("danger_scores[%q]: %d outside 0..%d", pattern, score, MaxDangerScore))
		}
	}
	seen := make(map[string]bool, len(d.Grants))
	for i, g := range d.Grants {
		if g.Issuer == "" {
			errs = append(errs, fmt.Errorf("grants[%d]: issuer is required", i))
			continue
		}
		if seen[g.Issuer] {
			errs = append(errs, fmt.Errorf("grants[%d]: duplicate issuer %q", i, g.Issuer))
		}
		seen[g.Issuer] = true
		if _, err := canon.ParsePublicKey(g.PublicKey); err != nil {
			errs = append(errs, fmt.Errorf("grants[%d]: public_key: %w", i, err))
		}
		if len(g.Scopes) == 0 {
			errs = append(errs, fmt.Errorf("grants[%d]: at least one scope is required", i))
		}
		if _, err := (RuleSet{}).Tighten(g.Constraints); err != nil {
			errs = append(errs, fmt.Errorf("grants[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Layer returns the document's structured sections as a rule layer.
// Unset (zero) fields are left to the preset.
func (d *Document) Layer() Layer {
	v := make(map[string]any)
	setInt := func(name string, n int64) {
		if n > 0 {
			v[name] = n
		}
	}
	setInt(RuleRequiredConfirmation, int64(d.RequiredConfirmation))
	setInt(RuleMaxActionsPerHour, int64(d.RateLimits.PerHour))
	setInt(RuleMaxActionsPerDay, int64(d.RateLimits.PerDay))
	setInt(RuleDailyBudgetSats, d.Spending.DailySats)
	setInt(RuleWeeklyBudgetSats, d.Spending.WeeklySats)
	setInt(RulePerIssuerDailySats, d.Spending.PerIssuerDailySats)
	setInt(RuleQuietHoursMaxDanger, int64(d.TimeRestrictions.QuietHoursMaxDanger))
	setInt(RuleMinPaymentMsat, d.Payments.MinPaymentMsat)
	if len(d.Forbidden.Actions) > 0 {
		v[RuleForbiddenActions] = d.Forbidden.Actions
	}
	if len(d.Forbidden.Peers) > 0 {
		v[RuleForbiddenPeers] = d.Forbidden.Peers
	}
	if len(d.Forbidden.Channels) > 0 {
		v[RuleProtectedChannels] = d.Forbidden.Channels
	}
	return Layer{Name: "document", Values: v}
}

// OverrideLayer returns the document's named overrides.
func (d *Document) OverrideLayer() Layer {
	return Layer{Name: "overrides", Values: d.Overrides}
}

// Rules resolves the document's static rule set: preset, sections and
// named overrides, without temporary overrides.
func (d *Document) Rules() (RuleSet, error) {
	preset, err := LoadPreset(d.Preset)
	if err != nil {
		return RuleSet{}, err
	}
	return Resolve([]Layer{preset.Layer(), d.Layer(), d.OverrideLayer()}, time.Time{})
}

// DangerTable merges the document's scores over the defaults.
func (d *Document) DangerTable() DangerTable {
	t := make(DangerTable, len(DefaultDangerScores)+len(d.DangerScores))
	for k, v := range DefaultDangerScores {
		t[k] = v
	}
	for k, v := range d.DangerScores {
		t[k] = v
	}
	return t
}

// DefaultDocumentYAML returns a commented policy document for init-policy.
func DefaultDocumentYAML() string {
	return `# hivegate policy document
# Generated by: hivegate init-policy
#
# Decision order (cannot be changed):
#   1. Resolve rules: preset -> this document -> overrides -> temporary overrides
#   2. Forbidden actions, peers and protected channels -> ForbiddenAction
#   3. Magnitude caps (fee change %, rebalance size) -> MagnitudeExceeded
#   4. Rate limits per issuer -> RateLimited
#   5. Danger cap, replaced by the quiet-hours cap inside quiet hours
#   6. Spending windows -> SpendingCapExceeded, then escrow payment
#   7. danger >= required_confirmation -> Pending (operator confirms)

policy_version: 1

# conservative | moderate | aggressive
preset: moderate

# Permanent named overrides, applied on top of the preset.
# overrides:
#   max_fee_change_pct: 20

# required_confirmation: 7

rate_limits:
  max_actions_per_hour: 20
  max_actions_per_day: 100

spending:
  daily_budget_sats: 200000
  weekly_budget_sats: 1000000
  per_issuer_daily_sats: 100000

# time_restrictions:
#   quiet_hours:
#     start: "23:00"
#     end: "06:00"
#     location: UTC
#   quiet_hours_max_danger: 5

forbidden:
  actions: []
  peers: []
  channels: []

# payments:
#   min_payment_msat: 1000

# danger_scores:
#   "hive:fee-policy/*": 3

# Advisors allowed to send commands.
grants: []
#  - issuer: advisor-1
#    public_key: <hex ed25519 public key>
#    scopes: ["hive:fee-policy/*"]
#    constraints:
#      max_fee_change_pct: 15
#    expires_at: 2027-01-01T00:00:00Z
`
}
