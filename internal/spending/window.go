package spending

import (
	"sync"
	"time"
)

// Period is a window length.
type Period string

const (
	Day  Period = "day"
	Week Period = "week"
)

// periodStart returns the UTC start of the period containing t.
// Weeks are ISO weeks starting Monday.
func periodStart(p Period, t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if p == Day {
		return day
	}
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// window accumulates committed and reserved amounts for one
// (scope, period) pair. It resets lazily when its period ends.
type window struct {
	mu        sync.Mutex
	key       string
	period    Period
	start     time.Time
	committed int64
	reserved  int64
}

// roll resets committed spend when now is past the window's period.
// In-flight reservations carry over and count against the new period.
// Caller holds w.mu.
func (w *window) roll(now time.Time) {
	start := periodStart(w.period, now)
	if !start.Equal(w.start) {
		w.start = start
		w.committed = 0
	}
}

func (w *window) used() int64 {
	return w.committed + w.reserved
}

// Usage is a point-in-time view of one window.
type Usage struct {
	Window    string    `json:"window"`
	Start     time.Time `json:"start"`
	Committed int64     `json:"committed"`
	Reserved  int64     `json:"reserved"`
}
