package spending

import (
	"sort"
	"sync"
	"time"
)

// Tracker holds the global-daily, global-weekly and per-issuer-daily
// windows. Each window has its own mutex; a reservation takes the mutexes
// it needs in a fixed order so concurrent reservations cannot deadlock.
type Tracker struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewTracker creates an empty tracker. A nil now uses time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{windows: make(map[string]*window), now: now}
}

// Window keys.
const (
	GlobalDay  = "global:day"
	GlobalWeek = "global:week"
)

// IssuerDay is the per-issuer daily window key.
func IssuerDay(issuer string) string {
	return "issuer:" + issuer + ":day"
}

func (t *Tracker) window(key string, p Period) *window {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[key]
	if !ok {
		w = &window{key: key, period: p, start: periodStart(p, t.now())}
		t.windows[key] = w
	}
	return w
}

type slot struct {
	w     *window
	limit int64
}

// Reserve holds amount in all three windows if every configured cap allows
// it. On failure nothing is held and the error is a *CapError naming the
// binding window.
func (t *Tracker) Reserve(issuer string, amount int64, limits Limits) (*Reservation, error) {
	slots := []slot{
		{t.window(GlobalDay, Day), limits.DailySats},
		{t.window(GlobalWeek, Week), limits.WeeklySats},
		{t.window(IssuerDay(issuer), Day), limits.PerIssuerDailySats},
	}

	now := t.now()
	for _, s := range slots {
		s.w.mu.Lock()
	}
	defer func() {
		for i := len(slots) - 1; i >= 0; i-- {
			slots[i].w.mu.Unlock()
		}
	}()

	results := make([]CheckResult, 0, len(slots))
	for _, s := range slots {
		s.w.roll(now)
		results = append(results, Check(s.w.key, s.w.used(), amount, s.limit))
	}
	if r, failed := binding(results); failed {
		return nil, &CapError{Result: r}
	}

	res := &Reservation{amount: amount, now: t.now}
	for _, s := range slots {
		s.w.reserved += amount
		res.windows = append(res.windows, s.w)
	}
	return res, nil
}

// Peek reports whether Reserve would accept amount, without holding
// anything or creating windows. The answer can be stale by the time it
// returns.
func (t *Tracker) Peek(issuer string, amount int64, limits Limits) error {
	keys := []struct {
		key   string
		limit int64
	}{
		{GlobalDay, limits.DailySats},
		{GlobalWeek, limits.WeeklySats},
		{IssuerDay(issuer), limits.PerIssuerDailySats},
	}
	now := t.now()
	results := make([]CheckResult, 0, len(keys))
	for _, k := range keys {
		var used int64
		t.mu.Lock()
		w := t.windows[k.key]
		t.mu.Unlock()
		if w != nil {
			w.mu.Lock()
			w.roll(now)
			used = w.used()
			w.mu.Unlock()
		}
		results = append(results, Check(k.key, used, amount, k.limit))
	}
	if r, failed := binding(results); failed {
		return &CapError{Result: r}
	}
	return nil
}

// Snapshot returns every window's usage, sorted by key.
func (t *Tracker) Snapshot() []Usage {
	t.mu.Lock()
	ws := make([]*window, 0, len(t.windows))
	for _, w := range t.windows {
		ws = append(ws, w)
	}
	t.mu.Unlock()

	now := t.now()
	out := make([]Usage, 0, len(ws))
	for _, w := range ws {
		w.mu.Lock()
		w.roll(now)
		out = append(out, Usage{Window: w.key, Start: w.start, Committed: w.committed, Reserved: w.reserved})
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window < out[j].Window })
	return out
}

// Usage returns the usage of one window, if it exists.
func (t *Tracker) Usage(key string) (Usage, bool) {
	for _, u := range t.Snapshot() {
		if u.Window == key {
			return u, true
		}
	}
	return Usage{}, false
}

// Reservation is an amount held in each window until Commit or Rollback.
// Only the first of the two calls has any effect.
type Reservation struct {
	once    sync.Once
	amount  int64
	windows []*window
	now     func() time.Time
}

// Amount returns the held amount.
func (r *Reservation) Amount() int64 {
	if r == nil {
		return 0
	}
	return r.amount
}

// Commit turns the hold into spend in the current period of each window.
func (r *Reservation) Commit() {
	r.settle(true)
}

// Rollback releases the hold without spending.
func (r *Reservation) Rollback() {
	r.settle(false)
}

func (r *Reservation) settle(commit bool) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		now := r.now()
		for _, w := range r.windows {
			w.mu.Lock()
			w.roll(now)
			w.reserved -= r.amount
			if commit {
				w.committed += r.amount
			}
			w.mu.Unlock()
		}
	})
}
