package spending

// Limits are the caps for the three spending windows, in sats.
// Zero means the window is not enforced.
type Limits struct {
	DailySats          int64 `yaml:"daily_budget_sats"`
	WeeklySats         int64 `yaml:"weekly_budget_sats"`
	PerIssuerDailySats int64 `yaml:"per_issuer_daily_sats"`
}

// HasLimits returns true if any cap is configured.
func (l Limits) HasLimits() bool {
	return l.DailySats > 0 || l.WeeklySats > 0 || l.PerIssuerDailySats > 0
}
