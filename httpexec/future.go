package httpexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/gamesync/telemetry"
)

// Future is a single-assignment result produced by a pool task. It resolves
// exactly once; a task that panics or is dropped at shutdown resolves with the
// zero value of T. Callbacks registered with OnComplete run before Done is
// closed.
type Future[T any] struct {
	mu        sync.Mutex
	resolved  bool
	val       T
	callbacks []func(T)
	done      chan struct{}
}

// NewPromise returns an unresolved future and the function that resolves it.
// Calls to resolve after the first are ignored.
func NewPromise[T any]() (*Future[T], func(T)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.resolve
}

// Resolved returns a future that already holds v.
func Resolved[T any](v T) *Future[T] {
	f, resolve := NewPromise[T]()
	resolve(v)
	return f
}

func (f *Future[T]) resolve(v T) {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return
	}
	f.resolved = true
	f.val = v
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	defer close(f.done)
	for _, cb := range cbs {
		runCallback(cb, v)
	}
}

// runCallback runs a continuation. A panic is logged and does not stop the
// remaining callbacks.
func runCallback[T any](cb func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.RecordTaskPanic("continuation")
			slog.Default().Error("future callback panicked",
				slog.String("component", "httpexec"),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	cb(v)
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Value returns the result and whether the future has resolved.
func (f *Future[T]) Value() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.resolved
}

// Await blocks until the future resolves or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, _ := f.Value()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete runs fn with the result. If the future already resolved fn runs
// immediately on the caller's goroutine, otherwise on the resolving goroutine.
func (f *Future[T]) OnComplete(fn func(T)) {
	f.mu.Lock()
	if f.resolved {
		v := f.val
		f.mu.Unlock()
		runCallback(fn, v)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// Then chains a dependent asynchronous step onto f. If fn panics or returns
// nil the result resolves with the zero value of U.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out, resolve := NewPromise[U]()
	f.OnComplete(func(v T) {
		var next *Future[U]
		defer func() {
			if next == nil {
				var zero U
				resolve(zero)
			}
		}()
		next = fn(v)
		if next != nil {
			next.OnComplete(resolve)
		}
	})
	return out
}

// Map transforms the result of f synchronously. If fn panics the result
// resolves with the zero value of U.
func Map[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	out, resolve := NewPromise[U]()
	f.OnComplete(func(v T) {
		var u U
		defer func() { resolve(u) }()
		u = fn(v)
	})
	return out
}

// All resolves once every input resolved, preserving input order.
func All[T any](fs ...*Future[T]) *Future[[]T] {
	out, resolve := NewPromise[[]T]()
	if len(fs) == 0 {
		resolve([]T{})
		return out
	}
	results := make([]T, len(fs))
	var mu sync.Mutex
	remaining := len(fs)
	for i, f := range fs {
		f.OnComplete(func(v T) {
			mu.Lock()
			results[i] = v
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				resolve(results)
			}
		})
	}
	return out
}
