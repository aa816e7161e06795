package resilience

import (
	"context"
	"log/slog"
)

// Outcome carries the result of an operation that must never fail outward.
// When the underlying call errors, Value holds the caller-supplied fallback
// and Degraded is true; Err retains the original cause for logging.
type Outcome[T any] struct {
	// Value is the operation result, or the fallback when Degraded.
	Value T

	// Degraded reports whether Value is the fallback rather than a real result.
	Degraded bool

	// Err is the underlying error when Degraded, nil otherwise. It never
	// needs handling — it exists for logs and metrics only.
	Err error
}

// Recover runs fn and converts any error into a degraded [Outcome] carrying
// fallback. The conversational surface uses this so a backend outage turns
// into an apologetic canned reply instead of a broken turn.
func Recover[T any](ctx context.Context, name string, fallback T, fn func(ctx context.Context) (T, error)) Outcome[T] {
	value, err := fn(ctx)
	if err != nil {
		slog.WarnContext(ctx, "operation degraded to fallback",
			"operation", name,
			"error", err)
		return Outcome[T]{Value: fallback, Degraded: true, Err: err}
	}
	return Outcome[T]{Value: value}
}

// RecoverWithBreaker is [Recover] routed through a circuit breaker: while the
// breaker is open the fallback is returned immediately without invoking fn.
func RecoverWithBreaker[T any](ctx context.Context, cb *CircuitBreaker, name string, fallback T, fn func(ctx context.Context) (T, error)) Outcome[T] {
	value, err := ExecuteWithResult(cb, func() (T, error) {
		return fn(ctx)
	})
	if err != nil {
		slog.WarnContext(ctx, "operation degraded to fallback",
			"operation", name,
			"breaker_state", cb.State().String(),
			"error", err)
		return Outcome[T]{Value: fallback, Degraded: true, Err: err}
	}
	return Outcome[T]{Value: value}
}
