package ratelimit

import (
	"errors"
	"fmt"
)

// ErrRateLimited is wrapped by every LimitError.
var ErrRateLimited = errors.New("rate limited")

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Window   string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the limit.
func Check(window string, count, limit int) CheckResult {
	if limit <= 0 || count < limit {
		return CheckResult{}
	}
	return CheckResult{
		Exceeded: true,
		Window:   window,
		Current:  count,
		Limit:    limit,
		Reason:   fmt.Sprintf("rate limit exceeded: %d/%d actions in %s window", count, limit, window),
	}
}

// LimitError reports which window denied the action.
type LimitError struct {
	Issuer string
	Result CheckResult
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Issuer, e.Result.Reason)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// Resource names the window for audit, e.g. "ratelimit.advisor-1.hour".
func (e *LimitError) Resource() string {
	return fmt.Sprintf("ratelimit.%s.%s", e.Issuer, e.Result.Window)
}
