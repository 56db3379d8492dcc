package runbook

import (
	"errors"
	"math"
	"time"
)

type RetryPolicy struct {
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay      Duration `json:"initial_delay" yaml:"initial_delay"`
	BackoffMultiplier float64  `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxDelay          Duration `json:"max_delay" yaml:"max_delay"`
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be at least 1")
	}
	if p.BackoffMultiplier < 1.0 {
		return errors.New("retry backoff_multiplier must be at least 1.0")
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("retry delays must not be negative")
	}
	// every delay is clamped to max_delay, so zero would retry without waiting
	if p.MaxDelay == 0 {
		return errors.New("retry max_delay must be set")
	}
	return nil
}

// Delay is the wait before the given attempt. Attempt 0 is the first run and
// never waits; attempt n waits InitialDelay*BackoffMultiplier^(n-1), capped
// at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay.Std()
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Attempts returns how many times a step may run; a step without a policy runs once.
func (s Step) Attempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}
