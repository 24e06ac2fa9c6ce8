// Package retry provides exponential backoff retry strategies for message
// delivery. The dispatcher applies a strategy to transient delivery failures
// before handing the entries to the dead-letter path.
package retry

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Strategy defines the retry behavior for failed message deliveries.
// It implements exponential backoff with configurable parameters.
//
// The retry schedule follows: delay = min(BaseDelay * ExponentialBase^attempt, MaxDelay)
//
// Example with defaults (1s base, 2.0 exponential, 1m max):
//
//	Attempt 1: 1s
//	Attempt 2: 2s
//	Attempt 3: 4s
//	Attempt 4: 8s
//	Attempt 5: 16s (→ dead letter)
type Strategy struct {
	MaxAttempts     int           // Maximum delivery attempts before dead-lettering
	BaseDelay       time.Duration // Initial retry delay (first retry)
	MaxDelay        time.Duration // Maximum retry delay cap
	ExponentialBase float64       // Backoff multiplier (e.g., 2.0 for doubling)
}

// DefaultStrategy returns the default retry strategy: 5 attempts with a
// 1s → 1m exponential backoff. Fatal delivery errors skip the strategy
// entirely; only transient failures are retried.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts:     5,
		BaseDelay:       time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
	}
}

// CalculateRetryDelay calculates the retry delay for a given attempt using
// exponential backoff. Formula: delay = min(BaseDelay * ExponentialBase^(attempt-1), MaxDelay).
func (s Strategy) CalculateRetryDelay(attemptNumber int) time.Duration {
	if attemptNumber <= 1 {
		return s.BaseDelay
	}

	delay := float64(s.BaseDelay) * math.Pow(s.ExponentialBase, float64(attemptNumber-1))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// IsRetryable checks if another delivery attempt is allowed.
func (s Strategy) IsRetryable(attemptCount int) bool {
	return attemptCount < s.MaxAttempts
}

// GetRetrySchedule returns a human-readable description of the retry
// schedule, useful for logs and operator tooling.
//
// Example output: "1s → 2s → 4s → 8s → 16s".
func (s Strategy) GetRetrySchedule() string {
	if s.MaxAttempts <= 0 {
		return "no retries"
	}
	parts := make([]string, 0, s.MaxAttempts)
	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		parts = append(parts, fmt.Sprintf("%v", s.CalculateRetryDelay(attempt)))
	}
	return strings.Join(parts, " → ")
}
