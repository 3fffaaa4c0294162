package syncq

import "time"

// RetryPolicy bounds how transient push failures are retried.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
	// Timeout bounds a single push.
	Timeout time.Duration `json:"timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
		Timeout:     10 * time.Second,
	}
}

// Backoff returns the wait before the next try after the given number of
// failed attempts: BaseBackoff doubled per attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether no retries remain.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
