package policy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownRule is returned for a rule name the engine does not know.
// Unknown rules are never ignored: a typo must not silently loosen policy.
var ErrUnknownRule = errors.New("unknown policy rule")

// ErrInvalidRuleValue is returned when a rule value has the wrong shape.
var ErrInvalidRuleValue = errors.New("invalid rule value")

// Rule names.
const (
	RuleMaxFeeChangePct      = "max_fee_change_pct"
	RuleMaxRebalanceSats     = "max_rebalance_sats"
	RuleMaxActionsPerHour    = "max_actions_per_hour"
	RuleMaxActionsPerDay     = "max_actions_per_day"
	RuleDailyBudgetSats      = "daily_budget_sats"
	RuleWeeklyBudgetSats     = "weekly_budget_sats"
	RulePerIssuerDailySats   = "per_issuer_daily_sats"
	RuleRequiredConfirmation = "required_confirmation"
	RuleMaxDanger            = "max_danger"
	RuleQuietHoursMaxDanger  = "quiet_hours_max_danger"
	RuleMinPaymentMsat       = "min_payment_msat"
	RuleForbiddenActions     = "forbidden_actions"
	RuleForbiddenPeers       = "forbidden_peers"
	RuleProtectedChannels    = "protected_channels"
)

// RuleNames lists every rule the engine understands, sorted.
func RuleNames() []string {
	names := []string{
		RuleMaxFeeChangePct, RuleMaxRebalanceSats, RuleMaxActionsPerHour,
		RuleMaxActionsPerDay, RuleDailyBudgetSats, RuleWeeklyBudgetSats,
		RulePerIssuerDailySats, RuleRequiredConfirmation, RuleMaxDanger,
		RuleQuietHoursMaxDanger, RuleMinPaymentMsat, RuleForbiddenActions,
		RuleForbiddenPeers, RuleProtectedChannels,
	}
	sort.Strings(names)
	return names
}

// RuleSet is the effective rule set for one decision.
// Zero numeric caps mean "not enforced", except the danger thresholds.
type RuleSet struct {
	MaxFeeChangePct      float64  `json:"max_fee_change_pct"`
	MaxRebalanceSats     int64    `json:"max_rebalance_sats"`
	MaxActionsPerHour    int      `json:"max_actions_per_hour"`
	MaxActionsPerDay     int      `json:"max_actions_per_day"`
	DailyBudgetSats      int64    `json:"daily_budget_sats"`
	WeeklyBudgetSats     int64    `json:"weekly_budget_sats"`
	PerIssuerDailySats   int64    `json:"per_issuer_daily_sats"`
	RequiredConfirmation int      `json:"required_confirmation"`
	MaxDanger            int      `json:"max_danger"`
	QuietHoursMaxDanger  int      `json:"quiet_hours_max_danger"`
	MinPaymentMsat       int64    `json:"min_payment_msat"`
	ForbiddenActions     []string `json:"forbidden_actions,omitempty"`
	ForbiddenPeers       []string `json:"forbidden_peers,omitempty"`
	ProtectedChannels    []string `json:"protected_channels,omitempty"`
}

// Set assigns one rule by name.
func (r *RuleSet) Set(name string, value any) error {
	var err error
	switch name {
	case RuleMaxFeeChangePct:
		r.MaxFeeChangePct, err = asFloat(value)
	case RuleMaxRebalanceSats:
		r.MaxRebalanceSats, err = asInt(value)
	case RuleMaxActionsPerHour:
		r.MaxActionsPerHour, err = asSmallInt(value)
	case RuleMaxActionsPerDay:
		r.MaxActionsPerDay, err = asSmallInt(value)
	case RuleDailyBudgetSats:
		r.DailyBudgetSats, err = asInt(value)
	case RuleWeeklyBudgetSats:
		r.WeeklyBudgetSats, err = asInt(value)
	case RulePerIssuerDailySats:
		r.PerIssuerDailySats, err = asInt(value)
	case RuleRequiredConfirmation:
		r.RequiredConfirmation, err = asSmallInt(value)
	case RuleMaxDanger:
		r.MaxDanger, err = asSmallInt(value)
	case RuleQuietHoursMaxDanger:
		r.QuietHoursMaxDanger, err = asSmallInt(value)
	case RuleMinPaymentMsat:
		r.MinPaymentMsat, err = asInt(value)
	case RuleForbiddenActions:
		r.ForbiddenActions, err = asStrings(value)
	case RuleForbiddenPeers:
		r.ForbiddenPeers, err = asStrings(value)
	case RuleProtectedChannels:
		r.ProtectedChannels, err = asStrings(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRule, name)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ValidateRule checks that value is acceptable for rule name.
func ValidateRule(name string, value any) error {
	var scratch RuleSet
	return scratch.Set(name, value)
}

// ParseValue decodes a CLI or RPC string into a rule value:
// "25" -> 25, "12.5" -> 12.5, "[a, b]" -> []any{"a", "b"}.
func ParseValue(s string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleValue, err)
	}
	return v, nil
}

func asFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, fmt.Errorf("%w: expected number, got %T", ErrInvalidRuleValue, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRuleValue, v)
	}
	return f, nil
}

func asInt(v any) (int64, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f > math.MaxInt64/2 {
		return 0, fmt.Errorf("%w: expected whole number, got %v", ErrInvalidRuleValue, v)
	}
	return int64(f), nil
}

func asSmallInt(v any) (int, error) {
	n, err := asInt(v)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d out of range", ErrInvalidRuleValue, n)
	}
	return int(n), nil
}

func asStrings(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return []string{s}, nil
	case []string:
		return append([]string(nil), s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: list item %v is not a string", ErrInvalidRuleValue, item)
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: expected list of strings, got %T", ErrInvalidRuleValue, v)
}
