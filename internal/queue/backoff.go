package queue

import "time"

// RetryPolicy configures how a queue treats failing jobs.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Backoff returns the delay before re-running a job whose attempt number
// attempt (1-based) just failed: base * 2^(attempt-1). A queue without a
// base delay retries immediately.
func Backoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	return policy.BaseDelay * time.Duration(1<<uint(attempt-1))
}
