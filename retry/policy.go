// Package retry provides configurable retry policies with exponential
// backoff for activity and sub-orchestration calls.
//
// Policies are evaluated inside the deterministic replay model: backoff
// delays become durable timer actions, so every computed delay must be a
// pure function of the policy and the attempt number. There is deliberately
// no jitter.
package retry

import (
	"errors"
	"math"
	"time"
)

// Policy defines retry behavior for an action.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Must be at least 1.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval is the maximum delay between retries.
	// Zero means no cap.
	MaxInterval time.Duration

	// BackoffCoefficient is the multiplier applied after each retry.
	// For example, 2.0 doubles the delay each time. Values below 1.0 are
	// treated as 1.0.
	BackoffCoefficient float64

	// Timeout is the maximum total time across all attempts, measured in
	// orchestration time from the first attempt. Zero means no deadline.
	Timeout time.Duration

	// Handle reports whether an error is retryable. If nil, all errors
	// are retried (up to MaxAttempts).
	Handle func(error) bool
}

// Default returns a sensible default retry policy.
// 3 attempts, 1 second initial interval, 30 second max, 2x backoff.
func Default() *Policy {
	return &Policy{
		MaxAttempts:        3,
		InitialInterval:    1 * time.Second,
		MaxInterval:        30 * time.Second,
		BackoffCoefficient: 2.0,
	}
}

// NoRetry returns a policy that doesn't retry.
func NoRetry() *Policy {
	return &Policy{
		MaxAttempts:        1,
		BackoffCoefficient: 1.0,
	}
}

// Validate checks that the policy is well formed.
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: MaxAttempts must be at least 1")
	}
	if p.InitialInterval < 0 {
		return errors.New("retry: InitialInterval must not be negative")
	}
	return nil
}

// NextDelay calculates the delay before the retry following the given
// attempt. Attempt is 1-indexed (attempt 1 is the first try).
// Returns 0 for attempt 0 or negative attempts.
//
// The result depends only on the policy and the attempt number, never on
// wall-clock time or randomness, so replays reproduce identical delays.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	coefficient := p.BackoffCoefficient
	if coefficient < 1.0 {
		coefficient = 1.0
	}

	// attempt 1 -> InitialInterval
	// attempt 2 -> InitialInterval * BackoffCoefficient
	// attempt 3 -> InitialInterval * BackoffCoefficient^2
	multiplier := math.Pow(coefficient, float64(attempt-1))
	delay := time.Duration(float64(p.InitialInterval) * multiplier)

	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}

	return delay
}

// ShouldRetry returns true if another attempt should be made after the
// given attempt failed with err. Attempt is 1-indexed.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if p.Handle != nil && !p.Handle(err) {
		return false
	}
	return true
}

// Expired returns true if the policy's overall timeout has elapsed between
// the first attempt and now. Both times come from the orchestration's
// deterministic clock, never from the wall clock.
func (p *Policy) Expired(firstAttempt, now time.Time) bool {
	if p.Timeout <= 0 {
		return false
	}
	return now.After(firstAttempt.Add(p.Timeout))
}
