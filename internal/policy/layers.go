package policy

import (
	"fmt"
	"sort"
	"time"
)

// Layer is one level of rule configuration. Later layers win.
// A non-zero ExpiresAt makes the layer ignored from that instant on.
type Layer struct {
	Name      string
	Values    map[string]any
	ExpiresAt time.Time
}

// Active reports whether the layer applies at now.
func (l Layer) Active(now time.Time) bool {
	return l.ExpiresAt.IsZero() || now.Before(l.ExpiresAt)
}

// Resolve folds layers in order into an effective rule set. It is a pure
// function of its inputs: the same layers and now always give the same
// result. Any unknown rule or bad value fails the whole resolution.
func Resolve(layers []Layer, now time.Time) (RuleSet, error) {
	var rs RuleSet
	for _, l := range layers {
		if !l.Active(now) {
			continue
		}
		names := make([]string, 0, len(l.Values))
		for name := range l.Values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := rs.Set(name, l.Values[name]); err != nil {
				return RuleSet{}, fmt.Errorf("layer %s: %w", l.Name, err)
			}
		}
	}
	return rs, nil
}

// Tighten applies issuer constraints from the credential: a constraint can
// only lower a numeric cap, never raise it.
func (r RuleSet) Tighten(constraints map[string]int64) (RuleSet, error) {
	names := make([]string, 0, len(constraints))
	for name := range constraints {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		bound := constraints[name]
		if bound <= 0 {
			return r, fmt.Errorf("constraint %s: %w: must be positive", name, ErrInvalidRuleValue)
		}
		switch name {
		case RuleMaxFeeChangePct:
			r.MaxFeeChangePct = minFloat(r.MaxFeeChangePct, float64(bound))
		case RuleMaxRebalanceSats:
			r.MaxRebalanceSats = minCap(r.MaxRebalanceSats, bound)
		case RuleMaxActionsPerHour:
			r.MaxActionsPerHour = int(minCap(int64(r.MaxActionsPerHour), bound))
		case RuleMaxActionsPerDay:
			r.MaxActionsPerDay = int(minCap(int64(r.MaxActionsPerDay), bound))
		case RuleDailyBudgetSats:
			r.DailyBudgetSats = minCap(r.DailyBudgetSats, bound)
		case RuleWeeklyBudgetSats:
			r.WeeklyBudgetSats = minCap(r.WeeklyBudgetSats, bound)
		case RulePerIssuerDailySats:
			r.PerIssuerDailySats = minCap(r.PerIssuerDailySats, bound)
		case RuleMaxDanger:
			if int64(r.MaxDanger) > bound {
				r.MaxDanger = int(bound)
			}
		case RuleRequiredConfirmation:
			if int64(r.RequiredConfirmation) > bound {
				r.RequiredConfirmation = int(bound)
			}
		default:
			return r, fmt.Errorf("constraint %w: %q", ErrUnknownRule, name)
		}
	}
	return r, nil
}

// minCap treats zero as "no cap" on the rule side.
func minCap(rule, bound int64) int64 {
	if rule <= 0 || bound < rule {
		return bound
	}
	return rule
}

func minFloat(rule, bound float64) float64 {
	if rule <= 0 || bound < rule {
		return bound
	}
	return rule
}
