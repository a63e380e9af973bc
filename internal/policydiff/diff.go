// Package policydiff compares two policy documents in terms of the rules
// they put in force.
package policydiff

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/ppiankov/hivegate/internal/credential"
	"github.com/ppiankov/hivegate/internal/policy"
)

// Change represents a scalar field change.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// GrantChange represents a grant addition, removal, or modification.
type GrantChange struct {
	Type   string `json:"type"` // "added", "removed", "changed"
	Issuer string `json:"issuer"`
	Detail string `json:"detail,omitempty"`
}

// DiffResult holds the comparison of two documents.
type DiffResult struct {
	OldPath      string        `json:"old_path"`
	NewPath      string        `json:"new_path"`
	Changes      []Change      `json:"changes"`
	GrantChanges []GrantChange `json:"grant_changes"`
	HasChanges   bool          `json:"has_changes"`
}

// Diff compares the effective rules, danger scores and grants of two
// documents. Both documents must name a known preset.
func Diff(old, new *policy.Document) (*DiffResult, error) {
	oldRules, err := old.Rules()
	if err != nil {
		return nil, fmt.Errorf("old document: %w", err)
	}
	newRules, err := new.Rules()
	if err != nil {
		return nil, fmt.Errorf("new document: %w", err)
	}

	r := &DiffResult{}
	if old.Preset != new.Preset {
		r.Changes = append(r.Changes, Change{Field: "preset", Old: old.Preset, New: new.Preset})
	}
	if q := quietLabel(old.TimeRestrictions.QuietHours); q != quietLabel(new.TimeRestrictions.QuietHours) {
		r.Changes = append(r.Changes, Change{Field: "quiet_hours", Old: q, New: quietLabel(new.TimeRestrictions.QuietHours)})
	}

	diffCap(r, "rules."+policy.RuleMaxFeeChangePct, oldRules.MaxFeeChangePct, newRules.MaxFeeChangePct)
	diffCap(r, "rules."+policy.RuleMaxRebalanceSats, float64(oldRules.MaxRebalanceSats), float64(newRules.MaxRebalanceSats))
	diffCap(r, "rules."+policy.RuleMaxActionsPerHour, float64(oldRules.MaxActionsPerHour), float64(newRules.MaxActionsPerHour))
	diffCap(r, "rules."+policy.RuleMaxActionsPerDay, float64(oldRules.MaxActionsPerDay), float64(newRules.MaxActionsPerDay))
	diffCap(r, "rules."+policy.RuleDailyBudgetSats, float64(oldRules.DailyBudgetSats), float64(newRules.DailyBudgetSats))
	diffCap(r, "rules."+policy.RuleWeeklyBudgetSats, float64(oldRules.WeeklyBudgetSats), float64(newRules.WeeklyBudgetSats))
	diffCap(r, "rules."+policy.RulePerIssuerDailySats, float64(oldRules.PerIssuerDailySats), float64(newRules.PerIssuerDailySats))
	diffInt(r, "rules."+policy.RuleRequiredConfirmation, oldRules.RequiredConfirmation, newRules.RequiredConfirmation, false)
	diffInt(r, "rules."+policy.RuleMaxDanger, oldRules.MaxDanger, newRules.MaxDanger, false)
	diffInt(r, "rules."+policy.RuleQuietHoursMaxDanger, oldRules.QuietHoursMaxDanger, newRules.QuietHoursMaxDanger, false)
	diffInt(r, "rules."+policy.RuleMinPaymentMsat, int(oldRules.MinPaymentMsat), int(newRules.MinPaymentMsat), true)

	diffSet(r, "forbidden."+policy.RuleForbiddenActions, oldRules.ForbiddenActions, newRules.ForbiddenActions)
	diffSet(r, "forbidden."+policy.RuleForbiddenPeers, oldRules.ForbiddenPeers, newRules.ForbiddenPeers)
	diffSet(r, "forbidden."+policy.RuleProtectedChannels, oldRules.ProtectedChannels, newRules.ProtectedChannels)

	diffDanger(r, old.DangerTable(), new.DangerTable())
	diffGrants(r, old.Grants, new.Grants)

	r.HasChanges = len(r.Changes) > 0 || len(r.GrantChanges) > 0
	return r, nil
}

func quietLabel(q *policy.QuietHours) string {
	if q == nil {
		return "none"
	}
	label := q.Start + "-" + q.End
	if q.Location != "" {
		label += " " + q.Location
	}
	return label
}

func diffInt(r *DiffResult, field string, old, new int, higherIsStricter bool) {
	if old != new {
		r.Changes = append(r.Changes, Change{
			Field:   field,
			Old:     fmt.Sprintf("%d", old),
			New:     fmt.Sprintf("%d", new),
			Comment: intComment(old, new, higherIsStricter),
		})
	}
}

func intComment(old, new int, higherIsStricter bool) string {
	if higherIsStricter == (new > old) {
		return "stricter"
	}
	return "looser"
}

// diffCap compares caps where zero means unlimited.
func diffCap(r *DiffResult, field string, old, new float64) {
	if old == new {
		return
	}
	comment := "looser"
	switch {
	case new == 0:
		comment = "cap removed"
	case old == 0 || new < old:
		comment = "stricter"
	}
	r.Changes = append(r.Changes, Change{
		Field:   field,
		Old:     capLabel(old),
		New:     capLabel(new),
		Comment: comment,
	})
}

func capLabel(v float64) string {
	if v == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%g", v)
}

func diffSet(r *DiffResult, field string, old, new []string) {
	for _, v := range new {
		if !slices.Contains(old, v) {
			r.Changes = append(r.Changes, Change{Field: field, New: v, Comment: "added"})
		}
	}
	for _, v := range old {
		if !slices.Contains(new, v) {
			r.Changes = append(r.Changes, Change{Field: field, Old: v, Comment: "removed"})
		}
	}
}

func diffDanger(r *DiffResult, old, new policy.DangerTable) {
	keys := make([]string, 0, len(old)+len(new))
	for k := range old {
		keys = append(keys, k)
	}
	for k := range new {
		if _, ok := old[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		o, n := old[k], new[k]
		if o != n {
			// A higher score reaches confirmation sooner.
			diffInt(r, "danger_scores."+k, o, n, true)
		}
	}
}

func grantsByIssuer(grants []credential.Grant) map[string]credential.Grant {
	m := make(map[string]credential.Grant, len(grants))
	for _, g := range grants {
		m[g.Issuer] = g
	}
	return m
}

func diffGrants(r *DiffResult, old, new []credential.Grant) {
	oldMap := grantsByIssuer(old)
	newMap := grantsByIssuer(new)

	for _, g := range new {
		o, exists := oldMap[g.Issuer]
		if !exists {
			r.GrantChanges = append(r.GrantChanges, GrantChange{
				Type:   "added",
				Issuer: g.Issuer,
				Detail: "scopes " + strings.Join(g.Scopes, ","),
			})
			continue
		}
		var details []string
		if o.PublicKey != g.PublicKey {
			details = append(details, "public key rotated")
		}
		if !slices.Equal(o.Scopes, g.Scopes) {
			details = append(details, fmt.Sprintf("scopes %s → %s", strings.Join(o.Scopes, ","), strings.Join(g.Scopes, ",")))
		}
		if o.Revoked != g.Revoked {
			if g.Revoked {
				details = append(details, "revoked")
			} else {
				details = append(details, "reinstated")
			}
		}
		if !o.ExpiresAt.Equal(g.ExpiresAt) {
			details = append(details, "expiry changed")
		}
		if constraintLabel(o.Constraints) != constraintLabel(g.Constraints) {
			details = append(details, fmt.Sprintf("constraints %s → %s", constraintLabel(o.Constraints), constraintLabel(g.Constraints)))
		}
		if len(details) > 0 {
			r.GrantChanges = append(r.GrantChanges, GrantChange{
				Type:   "changed",
				Issuer: g.Issuer,
				Detail: strings.Join(details, "; "),
			})
		}
	}

	for _, g := range old {
		if _, exists := newMap[g.Issuer]; !exists {
			r.GrantChanges = append(r.GrantChanges, GrantChange{Type: "removed", Issuer: g.Issuer})
		}
	}
}

func constraintLabel(c map[string]int64) string {
	if len(c) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, c[k])
	}
	return strings.Join(parts, ",")
}
