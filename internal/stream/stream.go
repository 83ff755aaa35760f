// Package stream defines the Observable type host methods return to
// represent a server-side reactive stream, and the Streamer erasure
// interface the codec recognizes during reply encoding regardless of the
// Observable's element type.
package stream

import "sync"

// Streamer is the type-erased interface the codec's reflection pass checks
// for on every field of an outgoing reply. Any *Observable[T] satisfies it.
type Streamer interface {
	// Subscribe registers callbacks for the next value, a terminal error, and
	// terminal completion. At most one of onError/onComplete fires, at most
	// once, after which no further onNext fires. Subscribe returns a cancel
	// function; calling it more than once is safe and has no effect beyond
	// the first call.
	Subscribe(onNext func(any), onError func(error), onComplete func()) (cancel func())
}

// Observable is a lazy, possibly-infinite sequence of values of type T,
// delivered asynchronously to at most one subscriber. It terminates with
// either Error or Complete, never both, never more than once.
type Observable[T any] struct {
	mu         sync.Mutex
	onNext     func(T)
	onError    func(error)
	onComplete func()
	done       bool
	cancelled  bool
	produce    func(emit func(T), fail func(error), complete func())
	onCancel   func()
}

// New creates an Observable backed by produce, which is invoked once a
// subscriber arrives. produce is expected to start its own production (a
// goroutine, typically) and return promptly; it receives emit/fail/complete
// callbacks to deliver values and terminal notifications.
func New[T any](produce func(emit func(T), fail func(error), complete func())) *Observable[T] {
	return &Observable[T]{produce: produce}
}

// OnCancel installs a callback invoked if the subscriber cancels before a
// terminal notification has been delivered. Typically used to stop the
// goroutine started by produce.
func (o *Observable[T]) OnCancel(f func()) *Observable[T] {
	o.mu.Lock()
	o.onCancel = f
	o.mu.Unlock()
	return o
}

// Subscribe implements Streamer. The concrete T is erased to any at the
// onNext boundary so the codec's reflection pass can treat every
// Observable[T] uniformly.
func (o *Observable[T]) Subscribe(onNext func(any), onError func(error), onComplete func()) (cancel func()) {
	o.mu.Lock()
	o.onNext = func(v T) { onNext(v) }
	o.onError = onError
	o.onComplete = onComplete
	produce := o.produce
	o.mu.Unlock()

	if produce != nil {
		produce(o.emit, o.fail, o.complete)
	}

	return o.cancel
}

func (o *Observable[T]) emit(v T) {
	o.mu.Lock()
	if o.done || o.cancelled {
		o.mu.Unlock()
		return
	}
	cb := o.onNext
	o.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

func (o *Observable[T]) fail(err error) {
	o.mu.Lock()
	if o.done || o.cancelled {
		o.mu.Unlock()
		return
	}
	o.done = true
	cb := o.onError
	o.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (o *Observable[T]) complete() {
	o.mu.Lock()
	if o.done || o.cancelled {
		o.mu.Unlock()
		return
	}
	o.done = true
	cb := o.onComplete
	o.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (o *Observable[T]) cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancelled || o.done {
		return
	}
	o.cancelled = true
	cb := o.onCancel
	if cb != nil {
		cb()
	}
}

// FromSlice returns an Observable that emits each element of values in
// order on a background goroutine, then completes. Useful for tests and for
// host methods whose result is a bounded, already-known sequence.
func FromSlice[T any](values []T) *Observable[T] {
	return New(func(emit func(T), fail func(error), complete func()) {
		go func() {
			for _, v := range values {
				emit(v)
			}
			complete()
		}()
	})
}
