package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RateLimitError reports that a platform (or the local limiter) refused a
// call because the request budget is exhausted. It is never retried
// inline; the scheduler uses RetryAfter to delay the next attempt.
type RateLimitError struct {
	Platform   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Platform, e.RetryAfter)
}

// APIError reports a platform API failure. Adapters produce it once at the
// boundary so downstream code never re-inspects transport-level fields.
type APIError struct {
	Platform   string
	StatusCode int // 0 for network-level failures
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Platform, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Platform, e.StatusCode, e.Message)
}

// Retryable reports whether the failure is transient: network-level
// failures, upstream 5xx, and 408/429.
func (e *APIError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	if e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == 408 || e.StatusCode == 429
}

// IsRateLimit reports whether err is a rate-limit condition and returns
// the delay the caller should wait before trying again.
func IsRateLimit(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRetryable reports whether err is a transient failure worth retrying.
// Rate-limit conditions are not retryable inline.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := IsRateLimit(err); ok {
		return false
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
