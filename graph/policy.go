package graph

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient node failures.
//
// When a node fails, Retryable decides whether the failure is worth another
// attempt and computeBackoff decides how long to wait. Exponential backoff
// with jitter avoids synchronized retry storms.
//
// Interrupts are never retried: a pause is not a failure.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including initial attempt).
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable reports whether err deserves another attempt.
	// If nil, all errors are considered non-retryable.
	Retryable func(error) bool

	// Metrics, when set, counts each retry attempt.
	Metrics *PrometheusMetrics
}

// Validate checks if the RetryPolicy configuration is valid:
//   - MaxAttempts must be >= 1
//   - If both MaxDelay and BaseDelay are > 0, MaxDelay must be >= BaseDelay
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before retry attempt (0-based):
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return exponentialDelay + jitter
}

// RetryNode wraps node so that retryable failures are attempted again
// according to policy. Each attempt sees the same input state and the same
// resume value, so a node that failed after its Interrupt call returned
// gets the answer again on the next attempt. Only the final attempt's
// result reaches the engine, so a thread still gets one checkpoint per node.
//
// Example:
//
//	flaky := graph.RetryNode(callAPI, graph.RetryPolicy{
//	    MaxAttempts: 3,
//	    BaseDelay:   100 * time.Millisecond,
//	    Retryable:   isTransient,
//	})
//	engine.Add("call_api", flaky)
func RetryNode[S any](node Node[S], policy RetryPolicy) Node[S] {
	return NodeFunc[S](func(ctx context.Context, state S) NodeResult[S] {
		if err := policy.Validate(); err != nil {
			return NodeResult[S]{Err: err}
		}

		slot, _ := ctx.Value(slotKey).(*resumeSlot)
		var saved slotState
		if slot != nil {
			saved = slot.save()
		}

		var result NodeResult[S]
		for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
			if attempt > 0 {
				policy.Metrics.IncrementRetries(NodeIDFrom(ctx))
				delay := computeBackoff(attempt-1, policy.BaseDelay, policy.MaxDelay, nil)
				select {
				case <-ctx.Done():
					return NodeResult[S]{Err: ctx.Err()}
				case <-time.After(delay):
				}
				if slot != nil {
					slot.restore(saved)
				}
			}

			result = node.Run(ctx, state)
			if result.Err == nil || IsInterrupt(result.Err) {
				return result
			}
			if slot != nil && slot.interrupted() != nil {
				return result
			}
			if policy.Retryable == nil || !policy.Retryable(result.Err) {
				return result
			}
		}
		return result
	})
}
