package ratelimit

import (
	"sync"
	"time"
)

// counter is one issuer's fixed-window action count.
type counter struct {
	start    time.Time
	count    int
	reserved int
}

func (c *counter) roll(length time.Duration, now time.Time) {
	if now.Sub(c.start) >= length {
		c.start = now.Truncate(length)
		c.count = 0
	}
}

// issuerState holds one issuer's counters behind its own mutex.
type issuerState struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// Tracker counts actions per issuer in fixed hour and day windows.
type Tracker struct {
	mu      sync.Mutex
	issuers map[string]*issuerState
	now     func() time.Time
}

// NewTracker creates a tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{issuers: make(map[string]*issuerState), now: now}
}

func (t *Tracker) issuer(id string) *issuerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.issuers[id]
	if !ok {
		s = &issuerState{counters: make(map[string]*counter)}
		t.issuers[id] = s
	}
	return s
}

// Reserve takes one slot in every window if all of them have room.
// Denied calls change nothing.
func (t *Tracker) Reserve(issuer string, limits Limits) (*Reservation, error) {
	s := t.issuer(issuer)
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var held []*counter
	for _, spec := range limits.specs() {
		if spec.limit <= 0 {
			continue
		}
		c, ok := s.counters[spec.name]
		if !ok {
			c = &counter{start: now.Truncate(spec.length)}
			s.counters[spec.name] = c
		}
		c.roll(spec.length, now)
		if r := Check(spec.name, c.count+c.reserved, spec.limit); r.Exceeded {
			return nil, &LimitError{Issuer: issuer, Result: r}
		}
		held = append(held, c)
	}

	for _, c := range held {
		c.reserved++
	}
	return &Reservation{state: s, counters: held}, nil
}

// Peek reports whether Reserve would succeed, without taking a slot.
func (t *Tracker) Peek(issuer string, limits Limits) error {
	t.mu.Lock()
	s := t.issuers[issuer]
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	now := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, spec := range limits.specs() {
		c, ok := s.counters[spec.name]
		if spec.limit <= 0 || !ok {
			continue
		}
		c.roll(spec.length, now)
		if r := Check(spec.name, c.count+c.reserved, spec.limit); r.Exceeded {
			return &LimitError{Issuer: issuer, Result: r}
		}
	}
	return nil
}

// Count returns the committed and reserved actions in window for issuer.
func (t *Tracker) Count(issuer, window string) int {
	s := t.issuer(issuer)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[window]
	if !ok {
		return 0
	}
	for _, spec := range (Limits{}).specs() {
		if spec.name == window {
			c.roll(spec.length, t.now())
		}
	}
	return c.count + c.reserved
}

// Reservation is one held action slot.
type Reservation struct {
	once     sync.Once
	state    *issuerState
	counters []*counter
}

// Commit records the action.
func (r *Reservation) Commit() { r.settle(true) }

// Rollback frees the slot.
func (r *Reservation) Rollback() { r.settle(false) }

func (r *Reservation) settle(commit bool) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.state.mu.Lock()
		defer r.state.mu.Unlock()
		for _, c := range r.counters {
			c.reserved--
			if commit {
				c.count++
			}
		}
	})
}
