package spending

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func fixedClock(t time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := t
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
}

// Tuesday.
var start = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func TestReserveCommitWithinCap(t *testing.T) {
	now, _ := fixedClock(start)
	tr := NewTracker(now)
	limits := Limits{DailySats: 1000}

	for i := 0; i < 4; i++ {
		res, err := tr.Reserve("a", 250, limits)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		res.Commit()
	}

	_, err := tr.Reserve("a", 1, limits)
	var capErr *CapError
	if !errors.As(err, &capErr) || !errors.Is(err, ErrCapExceeded) {
		t.Fatalf("expected CapError, got %v", err)
	}
	if capErr.Result.Window != GlobalDay {
		t.Errorf("expected global:day binding, got %s", capErr.Result.Window)
	}
	u, _ := tr.Usage(GlobalDay)
	if u.Committed != 1000 || u.Reserved != 0 {
		t.Errorf("denied reservation must leave the window unchanged, got %+v", u)
	}
}

func TestRollbackLeavesNoDebit(t *testing.T) {
	now, _ := fixedClock(start)
	tr := NewTracker(now)

	res, err := tr.Reserve("a", 400, Limits{DailySats: 500})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Reserve("b", 200, Limits{DailySats: 500}); err == nil {
		t.Fatal("expected reserved amount to count against the cap")
	}
	res.Rollback()
	res.Commit()

	for _, u := range tr.Snapshot() {
		if u.Committed != 0 || u.Reserved != 0 {
			t.Errorf("window %s not clean after rollback: %+v", u.Window, u)
		}
	}
}

func TestBindingWindowIsTightest(t *testing.T) {
	now, _ := fixedClock(start)
	tr := NewTracker(now)
	limits := Limits{DailySats: 1000, WeeklySats: 5000, PerIssuerDailySats: 300}

	res, _ := tr.Reserve("a", 250, limits)
	res.Commit()

	_, err := tr.Reserve("a", 900, limits)
	var capErr *CapError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapError, got %v", err)
	}
	if capErr.Result.Window != IssuerDay("a") {
		t.Errorf("expected issuer window to bind, got %s", capErr.Result.Window)
	}

	// a fresh issuer still has less headroom in its own window than globally
	_, err = tr.Reserve("b", 900, limits)
	if err == nil {
		t.Fatal("expected global daily cap to deny")
	}
	if !errors.As(err, &capErr) || capErr.Result.Window != IssuerDay("b") {
		t.Errorf("expected issuer-b window with least headroom, got %v", err)
	}
}

func TestWindowsResetAtBoundaries(t *testing.T) {
	now, advance := fixedClock(start)
	tr := NewTracker(now)
	limits := Limits{DailySats: 100, WeeklySats: 150}

	res, _ := tr.Reserve("a", 100, limits)
	res.Commit()

	advance(13 * time.Hour) // Wednesday
	res, err := tr.Reserve("a", 50, limits)
	if err != nil {
		t.Fatalf("expected daily reset, got %v", err)
	}
	res.Commit()

	if _, err := tr.Reserve("a", 10, limits); err == nil {
		t.Fatal("expected weekly cap to hold across days")
	}

	advance(6 * 24 * time.Hour) // following Tuesday
	if _, err := tr.Reserve("a", 100, limits); err != nil {
		t.Errorf("expected weekly reset, got %v", err)
	}
}

func TestConcurrentReservationsNeverExceedCap(t *testing.T) {
	now, _ := fixedClock(start)
	tr := NewTracker(now)
	limits := Limits{DailySats: 1000, PerIssuerDailySats: 1000}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			issuer := []string{"a", "b", "c"}[i%3]
			if res, err := tr.Reserve(issuer, 70, limits); err == nil {
				res.Commit()
			}
		}(i)
	}
	wg.Wait()

	u, _ := tr.Usage(GlobalDay)
	if u.Committed > 1000 {
		t.Errorf("daily cap exceeded: %d", u.Committed)
	}
	if u.Committed != 980 {
		t.Errorf("expected 14 reservations of 70 to fit, got %d", u.Committed)
	}
}

func TestPeriodStart(t *testing.T) {
	sunday := time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)
	if got := periodStart(Week, sunday); !got.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected Monday 2026-03-09, got %s", got)
	}
	if got := periodStart(Day, sunday); !got.Equal(time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected day start %s", got)
	}
}

func TestCheckZeroLimit(t *testing.T) {
	if r := Check(GlobalDay, 1<<40, 1, 0); r.Exceeded {
		t.Error("zero limit must not enforce")
	}
}

func TestCheckDoesNotOverflow(t *testing.T) {
	tests := []struct {
		name         string
		used, amount int64
		limit        int64
		exceeded     bool
	}{
		{"at cap", 600, 400, 1000, false},
		{"one over", 600, 401, 1000, true},
		{"max amount", 0, math.MaxInt64, 1000, true},
		{"max amount with usage", 999, math.MaxInt64, 1000, true},
		{"max limit", math.MaxInt64 - 1, 1, math.MaxInt64, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Check(GlobalDay, tt.used, tt.amount, tt.limit)
			if r.Exceeded != tt.exceeded {
				t.Fatalf("Check(%d, %d, %d) exceeded=%v", tt.used, tt.amount, tt.limit, r.Exceeded)
			}
		})
	}
}

func TestReserveRejectsHugeAmount(t *testing.T) {
	now, _ := fixedClock(start)
	tr := NewTracker(now)
	limits := Limits{DailySats: 1000, WeeklySats: 5000}
	r, err := tr.Reserve("advisor-1", 100, limits)
	if err != nil {
		t.Fatal(err)
	}
	r.Commit()

	if _, err := tr.Reserve("advisor-1", math.MaxInt64, limits); err == nil {
		t.Fatal("expected cap error for an amount near MaxInt64")
	}
	u, _ := tr.Usage(GlobalDay)
	if u.Committed != 100 || u.Reserved != 0 {
		t.Errorf("rejected reservation must leave the window untouched, got %+v", u)
	}
}

func TestPeekHoldsNothing(t *testing.T) {
	now, _ := fixedClock(start)
	tr := NewTracker(now)
	limits := Limits{DailySats: 1000, PerIssuerDailySats: 500}

	if err := tr.Peek("advisor-1", 400, limits); err != nil {
		t.Fatalf("peek on empty tracker: %v", err)
	}
	if len(tr.Snapshot()) != 0 {
		t.Fatal("peek must not create windows")
	}

	r, err := tr.Reserve("advisor-1", 300, limits)
	if err != nil {
		t.Fatal(err)
	}
	err = tr.Peek("advisor-1", 300, limits)
	var ce *CapError
	if !errors.As(err, &ce) || ce.Result.Window != IssuerDay("advisor-1") {
		t.Fatalf("expected issuer window to bind, got %v", err)
	}
	if err := tr.Peek("advisor-2", 300, limits); err != nil {
		t.Errorf("other issuer has headroom, got %v", err)
	}
	u, _ := tr.Usage(GlobalDay)
	if u.Reserved != 300 || u.Committed != 0 {
		t.Errorf("peek changed the window: %+v", u)
	}
	r.Rollback()
}
