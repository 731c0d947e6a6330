package proxy

import (
	"context"
	"sync"
)

// Promise is a result which is settled exactly once, either with a value
// or with an error.
//
// Settling a Promise twice through [Promise.Resolve] or [Promise.Reject]
// is a programming error and panics. The Try variants are available to
// racing producers, e.g. a timeout competing with a success path.
type Promise[T any] struct {
	lk      sync.Mutex
	settled bool
	val     T
	err     error
	doneCh  chan struct{}
	conts   []func(T, error)
}

// Future is a Promise which carries no value.
type Future = Promise[struct{}]

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{
		doneCh: make(chan struct{}),
	}
}

// Resolved returns an already resolved Promise.
func Resolved[T any](val T) *Promise[T] {
	p := NewPromise[T]()
	p.Resolve(val)
	return p
}

// Rejected returns an already failed Promise.
func Rejected[T any](err error) *Promise[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p
}

// Settled returns a Future resolved if err is nil, rejected otherwise.
func Settled(err error) *Future {
	if err != nil {
		return Rejected[struct{}](err)
	}
	return Resolved(struct{}{})
}

func (p *Promise[T]) Resolve(val T) {
	if !p.settle(val, nil) {
		panic("proxy: promise settled twice")
	}
}

func (p *Promise[T]) Reject(err error) {
	if err == nil {
		panic("proxy: promise rejected with a nil error")
	}
	var zero T
	if !p.settle(zero, err) {
		panic("proxy: promise settled twice")
	}
}

// TryResolve resolves the Promise unless it is already settled.
func (p *Promise[T]) TryResolve(val T) bool {
	return p.settle(val, nil)
}

// TryReject fails the Promise unless it is already settled.
func (p *Promise[T]) TryReject(err error) bool {
	if err == nil {
		panic("proxy: promise rejected with a nil error")
	}
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(val T, err error) bool {
	p.lk.Lock()
	if p.settled {
		p.lk.Unlock()
		return false
	}
	p.settled = true
	p.val = val
	p.err = err
	conts := p.conts
	p.conts = nil
	close(p.doneCh)
	p.lk.Unlock()

	for _, cont := range conts {
		cont(val, err)
	}
	return true
}

// Done is closed once the Promise is settled.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.doneCh
}

// Result returns the outcome of a settled Promise and false if it is still
// pending.
func (p *Promise[T]) Result() (T, error, bool) {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.val, p.err, p.settled
}

// Wait blocks until the Promise is settled or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-p.doneCh:
	}
	val, err, _ := p.Result()
	return val, err
}

// OnSettle chains a continuation. It runs in the settling goroutine, or
// immediately in the caller's goroutine if the Promise is already settled.
func (p *Promise[T]) OnSettle(cont func(T, error)) {
	p.lk.Lock()
	if !p.settled {
		p.conts = append(p.conts, cont)
		p.lk.Unlock()
		return
	}
	val, err := p.val, p.err
	p.lk.Unlock()
	cont(val, err)
}

// Then returns a Future settled with the error of p once cont ran.
func Then[T any](p *Promise[T], cont func(T) error) *Future {
	out := NewPromise[struct{}]()
	p.OnSettle(func(val T, err error) {
		if err == nil {
			err = cont(val)
		}
		if err != nil {
			out.Reject(err)
			return
		}
		out.Resolve(struct{}{})
	})
	return out
}
