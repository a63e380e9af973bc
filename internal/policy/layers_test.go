package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/ppiankov/hivegate/internal/model"
)

func TestResolvePrecedence(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	layers := []Layer{
		{Name: "preset", Values: map[string]any{RuleMaxFeeChangePct: 25, RuleMaxDanger: 9}},
		{Name: "overrides", Values: map[string]any{RuleMaxFeeChangePct: 20}},
		{Name: "temporary", Values: map[string]any{RuleMaxFeeChangePct: 40}, ExpiresAt: now.Add(time.Hour)},
		{Name: "stale", Values: map[string]any{RuleMaxDanger: 1}, ExpiresAt: now},
	}

	rs, err := Resolve(layers, now)
	if err != nil {
		t.Fatal(err)
	}
	if rs.MaxFeeChangePct != 40 {
		t.Errorf("expected temporary override to win, got %v", rs.MaxFeeChangePct)
	}
	if rs.MaxDanger != 9 {
		t.Errorf("expected expired layer ignored, got %d", rs.MaxDanger)
	}

	later, _ := Resolve(layers, now.Add(time.Hour))
	if later.MaxFeeChangePct != 20 {
		t.Errorf("expected revert to named override after expiry, got %v", later.MaxFeeChangePct)
	}

	again, _ := Resolve(layers, now)
	if again.MaxFeeChangePct != rs.MaxFeeChangePct || again.MaxDanger != rs.MaxDanger {
		t.Error("resolve must be deterministic for a fixed now")
	}
}

func TestResolveRejectsUnknownRule(t *testing.T) {
	_, err := Resolve([]Layer{{Name: "x", Values: map[string]any{"max_fees": 1}}}, time.Now())
	if !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected ErrUnknownRule, got %v", err)
	}
}

func TestRuleSetSetValues(t *testing.T) {
	tests := []struct {
		rule  string
		value any
		ok    bool
	}{
		{RuleMaxFeeChangePct, 12.5, true},
		{RuleMaxFeeChangePct, -1, false},
		{RuleMaxRebalanceSats, 1.5, false},
		{RuleMaxRebalanceSats, int64(100), true},
		{RuleRequiredConfirmation, "seven", false},
		{RuleForbiddenPeers, []any{"02ab", "03cd"}, true},
		{RuleForbiddenPeers, []any{1}, false},
		{RuleProtectedChannels, "800x1x0", true},
	}
	for _, tt := range tests {
		err := ValidateRule(tt.rule, tt.value)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateRule(%s, %v) err=%v, want ok=%v", tt.rule, tt.value, err, tt.ok)
		}
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("[02ab, 03cd]")
	if err != nil {
		t.Fatal(err)
	}
	var rs RuleSet
	if err := rs.Set(RuleForbiddenPeers, v); err != nil || len(rs.ForbiddenPeers) != 2 {
		t.Errorf("expected list parsed, got %v %v", rs.ForbiddenPeers, err)
	}
	v, _ = ParseValue("40")
	if err := rs.Set(RuleMaxFeeChangePct, v); err != nil || rs.MaxFeeChangePct != 40 {
		t.Errorf("expected 40, got %v %v", rs.MaxFeeChangePct, err)
	}
}

func TestTighten(t *testing.T) {
	rs := RuleSet{MaxFeeChangePct: 25, DailyBudgetSats: 0, MaxDanger: 9}
	out, err := rs.Tighten(map[string]int64{
		RuleMaxFeeChangePct: 30,
		RuleDailyBudgetSats: 1000,
		RuleMaxDanger:       5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxFeeChangePct != 25 || out.DailyBudgetSats != 1000 || out.MaxDanger != 5 {
		t.Errorf("unexpected tightened rules %+v", out)
	}
	if _, err := rs.Tighten(map[string]int64{RuleDailyBudgetSats: 0}); !errors.Is(err, ErrInvalidRuleValue) {
		t.Errorf("expected zero constraint rejected, got %v", err)
	}
	if _, err := rs.Tighten(map[string]int64{"bogus": 1}); !errors.Is(err, ErrUnknownRule) {
		t.Errorf("expected unknown constraint rejected, got %v", err)
	}
}

func TestPresetsResolve(t *testing.T) {
	want := map[string]int{"conservative": 5, "moderate": 7, "aggressive": 9}
	for name, threshold := range want {
		p, err := LoadPreset(name)
		if err != nil {
			t.Fatal(err)
		}
		rs, err := Resolve([]Layer{p.Layer()}, time.Now())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if rs.RequiredConfirmation != threshold {
			t.Errorf("%s: expected threshold %d, got %d", name, threshold, rs.RequiredConfirmation)
		}
	}
	if _, err := LoadPreset("yolo"); !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestQuietWindow(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }
	tests := []struct {
		q    QuietHours
		at   time.Time
		want bool
	}{
		{QuietHours{Start: "22:00", End: "06:00"}, day(23, 0), true},
		{QuietHours{Start: "22:00", End: "06:00"}, day(5, 59), true},
		{QuietHours{Start: "22:00", End: "06:00"}, day(6, 0), false},
		{QuietHours{Start: "22:00", End: "06:00"}, day(12, 0), false},
		{QuietHours{Start: "01:00", End: "03:00"}, day(1, 0), true},
		{QuietHours{Start: "01:00", End: "03:00"}, day(3, 0), false},
		{QuietHours{Start: "01:00", End: "01:00"}, day(1, 0), false},
	}
	for _, tt := range tests {
		w, err := tt.q.compile()
		if err != nil {
			t.Fatal(err)
		}
		if got := w.contains(tt.at); got != tt.want {
			t.Errorf("%s-%s at %s: got %v, want %v", tt.q.Start, tt.q.End, tt.at.Format("15:04"), got, tt.want)
		}
	}
	if _, err := (&QuietHours{Start: "25:00", End: "06:00"}).compile(); err == nil {
		t.Error("expected invalid clock rejected")
	}
	var none *QuietHours
	if w, err := none.compile(); err != nil || w.contains(day(23, 0)) {
		t.Error("no quiet hours configured must never match")
	}
}

func TestDangerTable(t *testing.T) {
	table := DangerTable{
		"hive:fee-policy/*":    3,
		"hive:fee-policy/bulk": 8,
		"*":                    6,
	}
	rules := RuleSet{MaxFeeChangePct: 20, MaxRebalanceSats: 1000}

	tests := []struct {
		cmd  *model.Command
		want int
	}{
		{&model.Command{SchemaType: "hive:fee-policy/v1"}, 3},
		{&model.Command{SchemaType: "hive:fee-policy/bulk"}, 8},
		{&model.Command{SchemaType: "hive:other/v1"}, 6},
		{&model.Command{SchemaType: "hive:fee-policy/v1", Payload: map[string]any{"fee_change_pct": 15.0}}, 4},
		{&model.Command{SchemaType: "hive:fee-policy/bulk", Payload: map[string]any{"amount_sats": 900.0}}, 9},
	}
	for _, tt := range tests {
		if got := table.Score(tt.cmd, rules); got != tt.want {
			t.Errorf("%s %v: got %d, want %d", tt.cmd.SchemaType, tt.cmd.Payload, got, tt.want)
		}
	}
	if got := (DangerTable{}).Base("hive:unknown/v1"); got != MaxDangerScore {
		t.Errorf("unknown schema must score max, got %d", got)
	}
}
