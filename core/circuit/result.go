package circuit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result describes the outcome of a protected call.
type Result[T any] struct {
	Success       bool          `json:"success"`
	Value         T             `json:"value,omitempty"`
	Err           error         `json:"-"`
	Kind          Kind          `json:"kind"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// ExecutionTimeMS returns the execution time in milliseconds.
func (r Result[T]) ExecutionTimeMS() float64 {
	return float64(r.ExecutionTime) / float64(time.Millisecond)
}

// Error returns the error text, or "" on success.
func (r Result[T]) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Execute runs op under b and returns a typed result.
func Execute[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) Result[T] {
	start := time.Now()

	trial, err := b.acquire()
	if err != nil {
		return Result[T]{Err: err, Kind: KindCircuitOpen, ExecutionTime: time.Since(start)}
	}

	if ok, reason := b.checkResources(ctx); !ok {
		b.onFailure(trial, sourceResource, reason)
		b.logger.Warn("resource precondition failed", "circuit", b.name, "reason", reason)
		return Result[T]{
			Err:           fmt.Errorf("%s: %w: %s", b.name, ErrResourceExhausted, reason),
			Kind:          KindResourceExhausted,
			ExecutionTime: time.Since(start),
		}
	}

	value, err := runProtected(ctx, op)
	elapsed := time.Since(start)

	if err == nil {
		b.onSuccess(trial)
		return Result[T]{Success: true, Value: value, Kind: KindSuccess, ExecutionTime: elapsed}
	}

	if errors.Is(err, ErrAlreadyCounted) {
		b.releaseTrial(trial)
		return Result[T]{Value: value, Err: err, Kind: KindOperationFailed, ExecutionTime: elapsed}
	}

	if b.classify(err) {
		b.onFailure(trial, sourceOperation, err.Error())
		return Result[T]{Value: value, Err: err, Kind: KindOperationFailed, ExecutionTime: elapsed}
	}

	b.releaseTrial(trial)
	b.logger.Warn("unexpected operation failure", "circuit", b.name, "error", err)
	return Result[T]{Value: value, Err: err, Kind: KindUnexpected, ExecutionTime: elapsed}
}

// Wrap adapts op into a function with the same shape that always runs
// under b.
func Wrap[T any](b *Breaker, op func(ctx context.Context) (T, error)) func(ctx context.Context) Result[T] {
	return func(ctx context.Context) Result[T] {
		return Execute(ctx, b, op)
	}
}
