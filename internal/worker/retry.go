package worker

import "time"

// RetryPolicy decides whether a transiently failed job is requeued and with
// what backoff.
type RetryPolicy struct {
	// MaxRetries bounds attempt_count. A job whose attempt_count has reached
	// this value is never requeued again.
	MaxRetries int

	// BaseDelay is the backoff for the first retry; each subsequent retry
	// doubles it.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the suggested defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		MaxDelay:   2 * time.Minute,
	}
}

// Exhausted reports whether a job on the given attempt may not be retried.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetries
}

// Backoff returns baseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	// Shifting by 62+ overflows a Duration; anything that far in is capped
	// anyway.
	if attempt > 32 {
		return p.MaxDelay
	}

	d := p.BaseDelay << uint(attempt-1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}
