package graph

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls automatic retry of failed node executions.
//
// Delay for attempt n is min(MaxDelay, InitialDelay * Multiplier^(n-1))
// with uniform jitter of ±JitterFactor applied. An error carrying a
// Retry-After hint (see RateLimitError) overrides the computed delay,
// capped at MaxDelay.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay and any Retry-After hint.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	Multiplier float64

	// JitterFactor spreads delays by ±JitterFactor (0..1).
	JitterFactor float64
}

// DefaultRetryPolicy returns the standard policy: 3 attempts, 200ms
// initial delay, 10s cap, doubling backoff, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// SingleAttempt returns a policy that disables retries.
func SingleAttempt() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = 1
	return p
}

// Validate checks the policy's parameters.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return &ConfigurationError{Message: "retry policy: maxAttempts must be at least 1"}
	}
	if p.InitialDelay < 0 {
		return &ConfigurationError{Message: "retry policy: initialDelay must not be negative"}
	}
	if p.MaxDelay < p.InitialDelay {
		return &ConfigurationError{Message: "retry policy: maxDelay must not be below initialDelay"}
	}
	if p.Multiplier < 1 {
		return &ConfigurationError{Message: "retry policy: multiplier must be at least 1"}
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return &ConfigurationError{Message: "retry policy: jitterFactor must be within [0, 1]"}
	}
	return nil
}

// baseDelay computes the un-jittered delay before retry attempt n
// (1-based retry index).
func (p RetryPolicy) baseDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(n-1))
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryAttempt records one attempt within a retried execution.
type RetryAttempt struct {
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Delay is the wait that preceded this attempt (zero for the
	// first).
	Delay time.Duration `json:"delayMs"`

	// Err is the failure, nil for the final successful attempt.
	Err error `json:"-"`

	// StatusCode is the HTTP-ish status attached to Err, 0 if none.
	StatusCode int `json:"statusCode,omitempty"`
}

// RetryContext accumulates the history of a retried execution.
type RetryContext struct {
	// NodeID is the node being retried.
	NodeID string `json:"nodeId"`

	// Attempts lists every attempt in order.
	Attempts []RetryAttempt `json:"attempts"`

	// TotalDelay is the accumulated retry wait.
	TotalDelay time.Duration `json:"totalDelayMs"`
}

func (rc *RetryContext) record(attempt int, delay time.Duration, err error) {
	rc.Attempts = append(rc.Attempts, RetryAttempt{
		Attempt:    attempt,
		Delay:      delay,
		Err:        err,
		StatusCode: errorStatusCode(err),
	})
	rc.TotalDelay += delay
}

// retrySupervisor executes an operation under a RetryPolicy. The
// runner owns one per node execution.
type retrySupervisor struct {
	policy RetryPolicy
	rand   *rand.Rand
}

func newRetrySupervisor(policy RetryPolicy) *retrySupervisor {
	return &retrySupervisor{
		policy: policy,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// computeDelay returns the wait before retry n, honoring any
// Retry-After hint carried by err.
func (s *retrySupervisor) computeDelay(n int, err error) time.Duration {
	if hint, ok := errorRetryAfter(err); ok {
		if hint > s.policy.MaxDelay {
			return s.policy.MaxDelay
		}
		if hint < 0 {
			return 0
		}
		return hint
	}

	base := s.policy.baseDelay(n)
	if s.policy.JitterFactor == 0 || base == 0 {
		return base
	}
	// Uniform jitter in [-JitterFactor, +JitterFactor].
	spread := (s.rand.Float64()*2 - 1) * s.policy.JitterFactor
	return time.Duration(float64(base) * (1 + spread))
}

// execute runs op until it succeeds, fails non-retryably, or the
// attempt budget is spent. Waits are cancellable; exhaustion wraps the
// last error in an ExecutionError with retry diagnostics.
func (s *retrySupervisor) execute(ctx context.Context, nodeID string, op func(attempt int) error) (*RetryContext, error) {
	rc := &RetryContext{NodeID: nodeID}
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		var delay time.Duration
		if attempt > 1 {
			delay = s.computeDelay(attempt-1, lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return rc, err
			}
		}

		lastErr = op(attempt)
		rc.record(attempt, delay, lastErr)
		if lastErr == nil {
			return rc, nil
		}
		if !IsRetryable(lastErr) {
			return rc, lastErr
		}
	}

	return rc, &ExecutionError{
		NodeID:            nodeID,
		RetriesExhausted:  true,
		TotalAttempts:     len(rc.Attempts),
		LastStatusCode:    errorStatusCode(lastErr),
		TotalRetryDelayMs: rc.TotalDelay.Milliseconds(),
		ElapsedMs:         time.Since(start).Milliseconds(),
		Cause:             lastErr,
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
