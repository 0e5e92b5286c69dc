package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// Backoff strategies for RetryPolicy.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy re-runs a failing node. MaxAttempts counts the first attempt.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Delay       time.Duration `json:"delay" yaml:"delay"`
	Backoff     string        `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// IsRetryableError classifies whether a node error should be retried.
// Cancellation is never retried; FlowErrors decide by code; anything else is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return true
}

// ComputeBackoff returns the delay before retry number attempt (zero based).
func ComputeBackoff(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = policy.Delay
		for i := 0; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt+1)
	default:
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with ctx.Err() when ctx is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
