package graph

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/threadgraph/graph/store"
)

var errTransient = errors.New("transient")

func flakyNode(failures int, calls *int) Node[jokeState] {
	return NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		*calls++
		if *calls <= failures {
			return NodeResult[jokeState]{Err: errTransient}
		}
		return NodeResult[jokeState]{Delta: jokeState{Counter: *calls}}
	})
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		valid  bool
	}{
		{"single attempt", RetryPolicy{MaxAttempts: 1}, true},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, false},
		{"max below base", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Millisecond}, false},
		{"no cap", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRetryPolicy)
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := 10 * time.Millisecond

	d0 := computeBackoff(0, base, time.Second, rng)
	assert.GreaterOrEqual(t, d0, base)
	assert.Less(t, d0, 2*base)

	d3 := computeBackoff(3, base, time.Second, rng)
	assert.GreaterOrEqual(t, d3, 8*base)

	capped := computeBackoff(20, base, 50*time.Millisecond, rng)
	assert.Less(t, capped, 50*time.Millisecond+base)

	assert.Zero(t, computeBackoff(2, 0, time.Second, rng))
}

func TestRetryNode_RecoversFromTransientFailures(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	var calls int
	node := RetryNode(flakyNode(2, &calls), RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Metrics:     metrics,
	})

	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("flaky", node))
	require.NoError(t, e.StartAt("flaky"))

	res, err := e.Run(context.Background(), "t1", jokeState{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, res.State.Counter)
	assert.Equal(t, int64(1), res.Seq, "retries produce a single checkpoint")
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.retries.WithLabelValues("flaky")))
}

func TestRetryNode_GivesUp(t *testing.T) {
	var calls int
	node := RetryNode(flakyNode(10, &calls), RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		Retryable:   func(error) bool { return true },
	})

	result := node.Run(context.Background(), jokeState{})
	assert.ErrorIs(t, result.Err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestRetryNode_NonRetryable(t *testing.T) {
	var calls int
	node := RetryNode(flakyNode(10, &calls), RetryPolicy{MaxAttempts: 5})

	result := node.Run(context.Background(), jokeState{})
	assert.ErrorIs(t, result.Err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestRetryNode_NeverRetriesInterrupts(t *testing.T) {
	var calls int
	inner := NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		calls++
		_, err := Interrupt(ctx, "wait")
		return NodeResult[jokeState]{Err: err}
	})
	node := RetryNode[jokeState](inner, RetryPolicy{MaxAttempts: 5, Retryable: func(error) bool { return true }})

	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("ask", node))
	require.NoError(t, e.StartAt("ask"))

	res, err := e.Run(context.Background(), "t1", jokeState{})
	require.NoError(t, err)
	assert.True(t, res.Interrupted())
	assert.Equal(t, 1, calls)
}

func TestRetryNode_RetryAfterResumeKeepsAnswer(t *testing.T) {
	var calls int
	var answers []any
	inner := NodeFunc[jokeState](func(ctx context.Context, s jokeState) NodeResult[jokeState] {
		calls++
		answer, err := Interrupt(ctx, "approve?")
		if err != nil {
			return NodeResult[jokeState]{Err: err}
		}
		answers = append(answers, answer)
		if len(answers) == 1 {
			return NodeResult[jokeState]{Err: errTransient}
		}
		return NodeResult[jokeState]{Delta: jokeState{Approved: answer == "yes"}}
	})
	node := RetryNode[jokeState](inner, RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	})

	ctx := context.Background()
	e := New(jokeSchema.Reducer(), store.NewMemStore[jokeState](), nil)
	require.NoError(t, e.Add("ask", node))
	require.NoError(t, e.StartAt("ask"))

	res, err := e.Run(ctx, "t1", jokeState{})
	require.NoError(t, err)
	require.True(t, res.Interrupted())

	res, err = e.Resume(ctx, "t1", "yes")
	require.NoError(t, err)
	assert.True(t, res.Done())
	assert.True(t, res.State.Approved)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []any{"yes", "yes"}, answers)
}

func TestRetryNode_InvalidPolicy(t *testing.T) {
	var calls int
	result := RetryNode(flakyNode(0, &calls), RetryPolicy{}).Run(context.Background(), jokeState{})
	assert.ErrorIs(t, result.Err, ErrInvalidRetryPolicy)
	assert.Zero(t, calls)
}
