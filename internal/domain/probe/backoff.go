package probe

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BackoffPolicy computes the delay before a retry attempt against the
// external model API.
type BackoffPolicy struct {
	// Base is the delay before the first retry (attempt 2).
	Base time.Duration
	// Ceiling caps the exponential delay.
	Ceiling time.Duration
}

// Delay returns the sleep duration before attempt k (k >= 2). When the prior
// response carried a usable Retry-After value it wins; otherwise the delay is
// Base * 2^(k-2) capped at Ceiling.
func (p BackoffPolicy) Delay(attempt int, retryAfter string, now time.Time) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, now); ok {
		return d
	}

	if attempt < 2 {
		attempt = 2
	}
	delay := p.Base
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= p.Ceiling {
			return p.Ceiling
		}
	}
	if delay > p.Ceiling {
		return p.Ceiling
	}
	return delay
}

// parseRetryAfter handles both forms of the Retry-After header: delay
// seconds, or an HTTP date converted to a non-negative remaining duration.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(value); err == nil {
		remaining := t.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		return remaining, true
	}

	return 0, false
}
