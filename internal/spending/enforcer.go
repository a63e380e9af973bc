package spending

import (
	"errors"
	"fmt"
)

// ErrCapExceeded is wrapped by every CapError.
var ErrCapExceeded = errors.New("spending cap exceeded")

// CheckResult is the outcome of checking one window.
type CheckResult struct {
	Exceeded bool
	Window   string
	Used     int64
	Cap      int64
	Amount   int64
	Reason   string
}

// Headroom is how much more the window could take.
func (r CheckResult) Headroom() int64 {
	return r.Cap - r.Used
}

// Check reports whether adding amount to used would exceed limit.
// A zero limit never triggers. The comparison never computes used+amount,
// so it cannot overflow.
func Check(windowKey string, used, amount, limit int64) CheckResult {
	if limit <= 0 || amount <= limit-used {
		return CheckResult{}
	}
	return CheckResult{
		Exceeded: true,
		Window:   windowKey,
		Used:     used,
		Cap:      limit,
		Amount:   amount,
		Reason: fmt.Sprintf("spending cap exceeded: %s has %d of %d sats used, %d more requested",
			windowKey, used, limit, amount),
	}
}

// CapError carries the binding window of a denied reservation.
type CapError struct {
	Result CheckResult
}

func (e *CapError) Error() string { return e.Result.Reason }

func (e *CapError) Unwrap() error { return ErrCapExceeded }

// binding picks the failing window with the least headroom. Ties keep the
// earlier window in check order.
func binding(results []CheckResult) (CheckResult, bool) {
	var best CheckResult
	found := false
	for _, r := range results {
		if !r.Exceeded {
			continue
		}
		if !found || r.Headroom() < best.Headroom() {
			best = r
			found = true
		}
	}
	return best, found
}
