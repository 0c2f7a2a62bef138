package graph

import (
	"log/slog"
	"slices"
)

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := graph.New(
//	    reducer,
//	    store,
//	    emitter,
//	    graph.WithMaxSteps(50),
//	    graph.WithInterruptBefore("publish"),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	maxSteps        int
	interruptBefore []string
	interruptAfter  []string
	metrics         *PrometheusMetrics
	logger          *slog.Logger
}

// Options is the plain-struct form of the engine configuration, convenient
// when settings come from a config file. Zero values mean defaults.
type Options struct {
	// MaxSteps limits how many nodes a single invocation may run.
	// If 0, no limit is enforced.
	MaxSteps int

	// InterruptBefore lists nodes the engine pauses in front of.
	InterruptBefore []string

	// InterruptAfter lists nodes the engine pauses behind.
	InterruptAfter []string
}

// WithOptions applies every non-zero field of opts.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		if opts.MaxSteps != 0 {
			if err := WithMaxSteps(opts.MaxSteps)(cfg); err != nil {
				return err
			}
		}
		cfg.interruptBefore = append(cfg.interruptBefore, opts.InterruptBefore...)
		cfg.interruptAfter = append(cfg.interruptAfter, opts.InterruptAfter...)
		return nil
	}
}

// WithMaxSteps limits how many nodes one invocation may run.
//
// Default: 0 (no limit, use with caution).
//
// Loops (A → B → A) are fully supported; MaxSteps guards against a loop
// whose exit condition never fires. When the limit is reached the
// invocation fails with ErrMaxStepsExceeded and the thread stays at its
// last checkpoint, from which Continue picks up again.
//
// Example:
//
//	engine := graph.New(reducer, st, emitter, graph.WithMaxSteps(100))
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return &EngineError{
				Message: "MaxSteps must be >= 0",
				Code:    "INVALID_MAX_STEPS",
			}
		}
		cfg.maxSteps = n
		return nil
	}
}

// WithInterruptBefore pauses the thread before any of the listed nodes runs.
//
// The pause is recorded on the checkpoint whose pending node is the listed
// node. Continue or Resume releases it and the node runs; it is not paused
// again on that same release.
func WithInterruptBefore(nodeIDs ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.interruptBefore = append(cfg.interruptBefore, nodeIDs...)
		return nil
	}
}

// WithInterruptAfter pauses the thread after any of the listed nodes
// completes, once its update has been checkpointed.
func WithInterruptAfter(nodeIDs ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.interruptAfter = append(cfg.interruptAfter, nodeIDs...)
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine := graph.New(reducer, st, emitter, graph.WithMetrics(metrics))
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithLogger sets the logger used for engine diagnostics that are not part
// of the event stream, such as emitter failures and cancelled invocations.
// The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		if logger == nil {
			return &EngineError{Message: "logger cannot be nil", Code: "INVALID_LOGGER"}
		}
		cfg.logger = logger
		return nil
	}
}

func (cfg *engineConfig) normalize() {
	slices.Sort(cfg.interruptBefore)
	cfg.interruptBefore = slices.Compact(cfg.interruptBefore)
	slices.Sort(cfg.interruptAfter)
	cfg.interruptAfter = slices.Compact(cfg.interruptAfter)
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
}
