package ratelimit

import "time"

// Limits caps how many actions one issuer may take per window.
// Zero values mean no limit for that window.
type Limits struct {
	PerHour int `yaml:"max_actions_per_hour"`
	PerDay  int `yaml:"max_actions_per_day"`
}

// HasLimits returns true if any window has a configured limit.
func (l Limits) HasLimits() bool {
	return l.PerHour > 0 || l.PerDay > 0
}

// windowSpec pairs a window name with its fixed length.
type windowSpec struct {
	name   string
	length time.Duration
	limit  int
}

func (l Limits) specs() []windowSpec {
	return []windowSpec{
		{"hour", time.Hour, l.PerHour},
		{"day", 24 * time.Hour, l.PerDay},
	}
}
