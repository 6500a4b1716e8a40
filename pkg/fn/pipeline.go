package fn

import (
	"context"
)

// Stage is a function that transforms In to Out within a context.
type Stage[In, Out any] func(context.Context, In) Result[Out]

// Then composes two stages, short-circuiting on error.
func Then[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return func(ctx context.Context, a A) Result[C] {
		r := first(ctx, a)
		if r.IsErr() {
			_, err := r.Unwrap()
			return Err[C](err)
		}
		v, _ := r.Unwrap()
		return second(ctx, v)
	}
}

// TapStage runs a side-effect and passes the value through.
func TapStage[T any](f func(context.Context, T)) Stage[T, T] {
	return func(ctx context.Context, t T) Result[T] {
		f(ctx, t)
		return Ok(t)
	}
}

// NamedStage wraps a stage with a label, for use by callers that log
// per-stage failures (e.g. the Enrich/Organize worker loops) without each
// call site repeating the stage name.
func NamedStage[In, Out any](name string, stage Stage[In, Out], onErr func(name string, in In, err error)) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		result := stage(ctx, in)
		if result.IsErr() && onErr != nil {
			_, err := result.Unwrap()
			onErr(name, in, err)
		}
		return result
	}
}
