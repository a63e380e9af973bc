package policy

import (
	"fmt"
	"time"
)

// QuietHours is a daily window, possibly wrapping midnight, during which
// the quiet-hours danger cap replaces the normal one.
type QuietHours struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Location string `yaml:"location,omitempty"`
}

// quietWindow is the parsed form of QuietHours.
type quietWindow struct {
	start, end int
	loc        *time.Location
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// compile validates and parses the window. A nil receiver or empty start
// and end mean no quiet hours.
func (q *QuietHours) compile() (*quietWindow, error) {
	if q == nil || (q.Start == "" && q.End == "") {
		return nil, nil
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseClock(q.End)
	if err != nil {
		return nil, err
	}
	loc := time.UTC
	if q.Location != "" {
		loc, err = time.LoadLocation(q.Location)
		if err != nil {
			return nil, fmt.Errorf("quiet_hours location: %w", err)
		}
	}
	return &quietWindow{start: start, end: end, loc: loc}, nil
}

// contains reports whether t falls inside the window. Start is inclusive,
// end exclusive; start == end is an empty window.
func (w *quietWindow) contains(t time.Time) bool {
	if w == nil || w.start == w.end {
		return false
	}
	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}
