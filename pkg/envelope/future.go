package envelope

import (
	"context"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Future is a pending value. Handlers may return a Future, or a Future that
// resolves to another Future; Resolve awaits until a concrete value appears.
type Future interface {
	Await(ctx context.Context) (any, error)
}

// FutureFunc adapts a blocking function to a Future.
type FutureFunc func(ctx context.Context) (any, error)

// Await calls f.
func (f FutureFunc) Await(ctx context.Context) (any, error) {
	return f(ctx)
}

type promise struct {
	done  chan struct{}
	value any
	err   error
}

// Go starts fn on its own goroutine and returns a Future for its result.
// A panic in fn rejects the future.
func Go(fn func() (any, error)) Future {
	p := &promise{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if r := recover(); r != nil {
				p.err = newPanicError(r)
			}
		}()
		p.value, p.err = fn()
	}()
	return p
}

func (p *promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, types.WrapError(types.ErrCodeCanceled, "await canceled", ctx.Err())
	}
}

type settled struct {
	value any
	err   error
}

func (s settled) Await(context.Context) (any, error) {
	return s.value, s.err
}

// Resolved returns a Future already fulfilled with v.
func Resolved(v any) Future {
	return settled{value: v}
}

// Rejected returns a Future already rejected with err.
func Rejected(err error) Future {
	return settled{err: err}
}

// Resolve awaits v while it is a Future and returns the first concrete
// value, or the first rejection.
func Resolve(ctx context.Context, v any) (any, error) {
	for {
		f, ok := v.(Future)
		if !ok || f == nil {
			return v, nil
		}
		next, err := f.Await(ctx)
		if err != nil {
			return nil, err
		}
		v = next
	}
}
