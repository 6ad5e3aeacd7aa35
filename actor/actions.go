package actor

import (
	"context"
	"fmt"

	"github.com/italypaleale/actorfx/internal/codec"
)

// ActionFunc is the signature of actions.
// The value returned is given back to the caller; it must be serializable with msgpack.
type ActionFunc func(ctx context.Context, actx *ActionContext, args ...any) (any, error)

// Actions maps action names to their handlers.
type Actions map[string]ActionFunc

// Action0 adapts a function without arguments into an ActionFunc.
func Action0[R any](fn func(ctx context.Context, actx *ActionContext) (R, error)) ActionFunc {
	return func(ctx context.Context, actx *ActionContext, args ...any) (any, error) {
		err := checkArity(args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, actx)
	}
}

// Action1 adapts a function with one typed argument into an ActionFunc.
// The argument is converted from what the caller passed, so callers can send maps for structs.
func Action1[A, R any](fn func(ctx context.Context, actx *ActionContext, a A) (R, error)) ActionFunc {
	return func(ctx context.Context, actx *ActionContext, args ...any) (any, error) {
		err := checkArity(args, 1)
		if err != nil {
			return nil, err
		}
		a, err := argAt[A](args, 0)
		if err != nil {
			return nil, err
		}
		return fn(ctx, actx, a)
	}
}

// Action2 adapts a function with two typed arguments into an ActionFunc.
func Action2[A, B, R any](fn func(ctx context.Context, actx *ActionContext, a A, b B) (R, error)) ActionFunc {
	return func(ctx context.Context, actx *ActionContext, args ...any) (any, error) {
		err := checkArity(args, 2)
		if err != nil {
			return nil, err
		}
		a, err := argAt[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argAt[B](args, 1)
		if err != nil {
			return nil, err
		}
		return fn(ctx, actx, a, b)
	}
}

// Action3 adapts a function with three typed arguments into an ActionFunc.
func Action3[A, B, C, R any](fn func(ctx context.Context, actx *ActionContext, a A, b B, c C) (R, error)) ActionFunc {
	return func(ctx context.Context, actx *ActionContext, args ...any) (any, error) {
		err := checkArity(args, 3)
		if err != nil {
			return nil, err
		}
		a, err := argAt[A](args, 0)
		if err != nil {
			return nil, err
		}
		b, err := argAt[B](args, 1)
		if err != nil {
			return nil, err
		}
		c, err := argAt[C](args, 2)
		if err != nil {
			return nil, err
		}
		return fn(ctx, actx, a, b, c)
	}
}

// Missing trailing arguments are allowed and get the zero value; extra ones are not.
func checkArity(args []any, n int) error {
	if len(args) > n {
		return fmt.Errorf("%w: expected at most %d, got %d", ErrInvalidArguments, n, len(args))
	}
	return nil
}

func argAt[T any](args []any, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, nil
	}

	err := codec.Convert(args[i], &v)
	if err != nil {
		return v, fmt.Errorf("%w: argument %d: %w", ErrInvalidArguments, i, err)
	}
	return v, nil
}
