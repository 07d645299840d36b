package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ExecutionRetryPolicy configures the RetrySupervisor, matching spec
// §4.5 exactly. MaxAttempts counts total attempts, so 1 means no retry.
type ExecutionRetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
}

// DefaultRetryPolicy is spec's DEFAULT = {3, 200ms, 10s, 2.0, 0.1}.
var DefaultRetryPolicy = ExecutionRetryPolicy{
	MaxAttempts:       3,
	InitialDelay:      200 * time.Millisecond,
	MaxDelay:          10 * time.Second,
	BackoffMultiplier: 2.0,
	JitterFactor:      0.1,
}

// DisabledRetryPolicy forces exactly one attempt ("disableRetry()").
var DisabledRetryPolicy = ExecutionRetryPolicy{MaxAttempts: 1}

// computeBackoff returns the delay before attempt n (1-indexed: n=1 is
// the delay before the second attempt), applying uniform jitter and the
// maxDelay cap, before any Retry-After override is considered.
func computeBackoff(policy ExecutionRetryPolicy, n int, rng *rand.Rand) time.Duration {
	delay := float64(policy.InitialDelay)
	for i := 1; i < n; i++ {
		delay *= policy.BackoffMultiplier
	}
	if cap := float64(policy.MaxDelay); policy.MaxDelay > 0 && delay > cap {
		delay = cap
	}
	if policy.JitterFactor > 0 && rng != nil {
		jitter := delay * policy.JitterFactor
		delay += (rng.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryAttempt records one attempt made during a RetryContext's lifetime.
type RetryAttempt struct {
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
}

// RetryContext accumulates every attempt made for one node invocation.
type RetryContext struct {
	Attempts        []RetryAttempt
	TotalDelay      time.Duration
	StartedAt       time.Time
}

func (rc *RetryContext) record(attempt int, delay time.Duration, err error) {
	rc.Attempts = append(rc.Attempts, RetryAttempt{Attempt: attempt, Delay: delay, Err: err, StartedAt: time.Now()})
	rc.TotalDelay += delay
}

// RetrySupervisor classifies failures, computes backoff, enforces the
// attempt ceiling, and surfaces exhaustion as an ExecutionError.
type RetrySupervisor struct {
	Policy ExecutionRetryPolicy
}

func NewRetrySupervisor(policy ExecutionRetryPolicy) *RetrySupervisor {
	return &RetrySupervisor{Policy: policy}
}

// Do runs fn, retrying per rs.Policy and the classifier rules of spec
// §4.5. It respects ctx cancellation during retry waits.
func (rs *RetrySupervisor) Do(ctx context.Context, rng *rand.Rand, fn func(attempt int) error) (*RetryContext, error) {
	rc := &RetryContext{StartedAt: time.Now()}
	policy := rs.Policy
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy
	}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return rc, nil
		}
		lastErr = err
		lastStatus = statusCodeOf(err)

		if attempt == policy.MaxAttempts {
			break
		}
		retryable, retryAfterMs := classify(err)
		if !retryable {
			break
		}

		delay := computeBackoff(policy, attempt, rng)
		if retryAfterMs > 0 {
			delay = time.Duration(retryAfterMs) * time.Millisecond
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		rc.record(attempt, delay, err)

		select {
		case <-ctx.Done():
			return rc, ctx.Err()
		case <-time.After(delay):
		}
	}

	rc.record(policy.MaxAttempts, 0, lastErr)
	return rc, &ExecutionError{
		Cause:            lastErr,
		RetriesExhausted: true,
		TotalAttempts:    len(rc.Attempts),
		LastStatusCode:   lastStatus,
		TotalRetryDelay:  rc.TotalDelay.Milliseconds(),
		ElapsedMs:        time.Since(rc.StartedAt).Milliseconds(),
	}
}

func statusCodeOf(err error) int {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.StatusCode
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Status
	}
	return 0
}
