package policy

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/hivegate/internal/canon"
)

func TestLoadDocumentMissingFileReturnsDefaults(t *testing.T) {
	doc, hash, err := LoadDocument(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Preset != "moderate" {
		t.Errorf("expected moderate default, got %s", doc.Preset)
	}
	if hash != canon.Digest(nil) {
		t.Errorf("expected empty-input hash, got %s", hash)
	}
}

func TestLoadDocumentWithGrants(t *testing.T) {
	signer, _ := canon.SignerFromSeedHex(strings.Repeat("03", 32))
	data := []byte(`policy_version: 1
preset: conservative
overrides:
  max_fee_change_pct: 8
rate_limits:
  max_actions_per_hour: 3
time_restrictions:
  quiet_hours:
    start: "23:00"
    end: "06:00"
  quiet_hours_max_danger: 2
danger_scores:
  "hive:fee-policy/bulk": 8
grants:
  - issuer: advisor-1
    public_key: ` + hex.EncodeToString(signer.PublicKey()) + `
    scopes: ["hive:fee-policy/*"]
    constraints:
      max_fee_change_pct: 5
    expires_at: 2027-01-01T00:00:00Z
`)
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	doc, hash, err := LoadDocument(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if hash != canon.Digest(data) {
		t.Errorf("expected hash of raw bytes, got %s", hash)
	}
	if len(doc.Grants) != 1 || doc.Grants[0].ExpiresAt.Year() != 2027 {
		t.Errorf("unexpected grants %+v", doc.Grants)
	}
	preset, _ := LoadPreset(doc.Preset)
	rs, err := Resolve([]Layer{preset.Layer(), doc.Layer(), doc.OverrideLayer()}, doc.Grants[0].ExpiresAt)
	if err != nil {
		t.Fatal(err)
	}
	if rs.MaxFeeChangePct != 8 || rs.MaxActionsPerHour != 3 || rs.QuietHoursMaxDanger != 2 {
		t.Errorf("unexpected resolved rules %+v", rs)
	}
	if doc.DangerTable().Base("hive:fee-policy/bulk") != 8 {
		t.Error("expected document danger score merged")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]string{
		"version":   "policy_version: 2\npreset: moderate\n",
		"preset":    "policy_version: 1\npreset: reckless\n",
		"rule":      "policy_version: 1\npreset: moderate\noverrides:\n  max_fee: 1\n",
		"quiet":     "policy_version: 1\npreset: moderate\ntime_restrictions:\n  quiet_hours:\n    start: noon\n    end: \"06:00\"\n",
		"danger":    "policy_version: 1\npreset: moderate\ndanger_scores:\n  \"*\": 11\n",
		"grant key": "policy_version: 1\npreset: moderate\ngrants:\n  - issuer: a\n    public_key: zz\n    scopes: [\"*\"]\n",
	}
	for name, yml := range tests {
		if _, err := ParseDocument([]byte(yml)); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestDefaultDocumentYAMLIsValid(t *testing.T) {
	doc, err := ParseDocument([]byte(DefaultDocumentYAML()))
	if err != nil {
		t.Fatalf("init-policy template must parse: %v", err)
	}
	if doc.Preset != "moderate" || doc.RateLimits.PerHour != 20 {
		t.Errorf("unexpected template document %+v", doc)
	}
}

func TestDocumentRulesLayersSectionsOverPreset(t *testing.T) {
	doc := DefaultDocument()
	doc.Preset = "conservative"
	doc.RateLimits.PerHour = 8
	doc.Overrides = map[string]any{RuleMaxFeeChangePct: 12.5}

	rules, err := doc.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if rules.MaxActionsPerHour != 8 {
		t.Errorf("per hour = %d, want document value 8", rules.MaxActionsPerHour)
	}
	if rules.MaxFeeChangePct != 12.5 {
		t.Errorf("fee pct = %g, want override 12.5", rules.MaxFeeChangePct)
	}
	if rules.MaxActionsPerDay != 20 {
		t.Errorf("per day = %d, want conservative preset 20", rules.MaxActionsPerDay)
	}
}
