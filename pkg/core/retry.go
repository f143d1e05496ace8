package core

import "time"

// RetryPolicy computes when a failed attempt may be claimed again.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy returns the default policy: 15s doubling up to 10m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 15 * time.Second,
		MaxDelay:  10 * time.Minute,
	}
}

// Delay returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
// attempt is the attempt that just failed (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
