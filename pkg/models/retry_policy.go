package models

import "time"

const (
	// DefaultMaxRetries is the number of retries after the initial attempt
	DefaultMaxRetries = 5

	// DefaultBaseRetryDelayMs is the delay before the first retry
	DefaultBaseRetryDelayMs = 3000

	// MaxRetriesLimit is the largest accepted maxRetries setting
	MaxRetriesLimit = 20

	// MaxRetryDelay caps a single backoff wait
	MaxRetryDelay = time.Hour
)

// RetryPolicy governs how one fallible operation is retried.
// Total attempts are MaxRetries+1.
type RetryPolicy struct {
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseRetryDelayMs * time.Millisecond,
	}
}

// Delay returns the wait before retry n (0-indexed): BaseDelay * 2^n,
// saturating at MaxRetryDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	if n >= 63 || p.BaseDelay > MaxRetryDelay>>uint(n) {
		return MaxRetryDelay
	}
	return p.BaseDelay << uint(n)
}

// Attempts returns the total number of tries the policy allows
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}
