package executor

import (
	"context"
	"time"
)

// RetryPolicy bounds the polling loop used to acquire an execution host.
type RetryPolicy struct {
	// PollInterval is the first delay between attempts.
	PollInterval time.Duration `yaml:"pollInterval"`
	// MaxInterval caps the exponential backoff.
	MaxInterval time.Duration `yaml:"maxInterval"`
	// MaxAttempts is the number of attempts before giving up; 0 means 1.
	MaxAttempts int `yaml:"maxAttempts"`
}

// DefaultRetryPolicy polls every second, backing off to 30s, for about ten minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{PollInterval: time.Second, MaxInterval: 30 * time.Second, MaxAttempts: 25}
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base, max := p.PollInterval, p.MaxInterval
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// Attempts returns the effective attempt budget.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Sleeper waits between attempts. Tests substitute one that records delays.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
