// Package proxy provides a deferred handle on an object which is not
// available yet, typically because it is being created in another process.
//
// A [Proxy] holds either one reference or one failure. Operations issued
// before the reference arrives are queued and replayed in order once it
// does. A Proxy whose reference disappears is dead: queued and future
// operations fail, and death listeners are notified exactly once.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raskyld/rce/pkg/errdefs"
)

type state uint8

const (
	statePending state = iota
	stateFlushing
	stateLive
	stateDead
)

// Registration identifies a death listener, see [Proxy.NotifyOnDeath].
type Registration uint64

type call[T any] struct {
	fn  func(T) error
	fut *Future
}

type Proxy[T any] struct {
	name      string
	logger    *slog.Logger
	destroyFn func(T) error

	lk        sync.Mutex
	state     state
	set       bool
	ref       T
	hasRef    bool
	failure   error
	queue     []call[T]
	listeners map[Registration]func()
	nextReg   Registration
	readyCh   chan struct{}
}

// Option to pass to [New].
type Option[T any] func(*Proxy[T])

// WithName is used in logs.
func WithName[T any](name string) Option[T] {
	return func(p *Proxy[T]) {
		p.name = name
	}
}

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Proxy[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithDestroy sets the function issued against the reference when the
// Proxy is destroyed.
func WithDestroy[T any](destroy func(T) error) Option[T] {
	return func(p *Proxy[T]) {
		p.destroyFn = destroy
	}
}

func New[T any](opts ...Option[T]) *Proxy[T] {
	p := &Proxy[T]{
		logger:    slog.Default(),
		listeners: make(map[Registration]func()),
		readyCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("proxy", p.name)
	return p
}

// Of returns a live Proxy wrapping ref.
func Of[T any](ref T, opts ...Option[T]) *Proxy[T] {
	p := New(opts...)
	p.Resolve(ref)
	return p
}

// Resolve provides the reference and replays the queued calls against it.
// It MUST be called at most once, and never after [Proxy.Fail].
func (p *Proxy[T]) Resolve(ref T) {
	p.lk.Lock()
	if p.set {
		p.lk.Unlock()
		panic(fmt.Sprintf("proxy %s: reference set twice", p.name))
	}
	p.set = true
	if p.state == stateDead {
		// Destroyed before the reference arrived.
		p.lk.Unlock()
		p.destroyRef(ref)
		return
	}
	p.ref = ref
	p.hasRef = true
	p.state = stateFlushing
	close(p.readyCh)

	for {
		if p.state == stateDead {
			p.lk.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.state = stateLive
			p.lk.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.lk.Unlock()
		p.invoke(ref, next)
		p.lk.Lock()
	}
}

// Fail registers a failure instead of a reference. Queued calls fail and
// death listeners are notified. It MUST be called at most once, and never
// after [Proxy.Resolve].
func (p *Proxy[T]) Fail(err error) {
	if err == nil {
		err = errdefs.ErrDeadReference
	}
	p.lk.Lock()
	if p.set {
		p.lk.Unlock()
		panic(fmt.Sprintf("proxy %s: reference set twice", p.name))
	}
	p.set = true
	p.lk.Unlock()
	p.kill(err)
}

// Disconnected is called when the transport under the reference reports
// a disconnection. It is treated as a failure.
func (p *Proxy[T]) Disconnected(err error) {
	if err == nil {
		err = errdefs.ErrConnectionLost
	}
	p.kill(err)
}

// Call runs fn against the reference, once it is available. Calls are run
// in the order they were issued.
//
// A dead reference reported by fn kills the Proxy, other errors are logged
// and passed through the returned Future.
func (p *Proxy[T]) Call(fn func(T) error) *Future {
	fut := NewPromise[struct{}]()
	p.lk.Lock()
	switch p.state {
	case stateDead:
		err := p.deathErr()
		p.lk.Unlock()
		fut.Reject(err)
	case statePending, stateFlushing:
		p.queue = append(p.queue, call[T]{fn: fn, fut: fut})
		p.lk.Unlock()
	default:
		ref := p.ref
		p.lk.Unlock()
		p.invoke(ref, call[T]{fn: fn, fut: fut})
	}
	return fut
}

func (p *Proxy[T]) invoke(ref T, c call[T]) {
	err := c.fn(ref)
	if err == nil {
		c.fut.Resolve(struct{}{})
		return
	}
	if errdefs.IsDead(err) {
		p.kill(err)
	} else {
		p.logger.Warn("remote call failed", "error", err)
	}
	c.fut.Reject(err)
}

// Call2 runs fn once both references are available. A dead reference is
// attributed to pb when it is a lost connection and to pa otherwise.
func Call2[A, B any](pa *Proxy[A], pb *Proxy[B], fn func(A, B) error) *Future {
	out := NewPromise[struct{}]()
	pa.Call(func(a A) error {
		pb.Call(func(b B) error {
			err := fn(a, b)
			if errors.Is(err, errdefs.ErrDeadReference) && !errors.Is(err, errdefs.ErrConnectionLost) {
				pa.kill(err)
				out.TryReject(err)
				return nil
			}
			return err
		}).OnSettle(func(_ struct{}, err error) {
			if err != nil {
				out.TryReject(err)
				return
			}
			out.TryResolve(struct{}{})
		})
		return nil
	}).OnSettle(func(_ struct{}, err error) {
		if err != nil {
			out.TryReject(err)
		}
	})
	return out
}

// Wait blocks until the reference is available, the Proxy died or ctx
// is done.
func (p *Proxy[T]) Wait(ctx context.Context) (ref T, err error) {
	select {
	case <-ctx.Done():
		return ref, ctx.Err()
	case <-p.readyCh:
	}
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state == stateDead {
		return ref, p.deathErr()
	}
	return p.ref, nil
}

// Peek returns the reference if the Proxy is live.
func (p *Proxy[T]) Peek() (ref T, ok bool) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state == stateDead || !p.hasRef {
		return ref, false
	}
	return p.ref, true
}

func (p *Proxy[T]) Dead() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.state == stateDead
}

// Err returns the reason of the death, nil while alive.
func (p *Proxy[T]) Err() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state != stateDead {
		return nil
	}
	return p.deathErr()
}

// NotifyOnDeath registers cb to be called once when the Proxy dies.
func (p *Proxy[T]) NotifyOnDeath(cb func()) (Registration, error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.state == stateDead {
		return 0, errdefs.ErrAlreadyDead
	}
	p.nextReg++
	p.listeners[p.nextReg] = cb
	return p.nextReg, nil
}

func (p *Proxy[T]) DontNotifyOnDeath(reg Registration) {
	p.lk.Lock()
	defer p.lk.Unlock()
	delete(p.listeners, reg)
}

// Destroy kills the Proxy and asks for the destruction of the referenced
// object, if any. It is a no-op on a dead Proxy.
func (p *Proxy[T]) Destroy() {
	p.lk.Lock()
	if p.state == stateDead {
		p.lk.Unlock()
		return
	}
	ref, hasRef := p.ref, p.hasRef
	p.lk.Unlock()

	p.kill(errdefs.ErrDeadReference)
	if hasRef {
		p.destroyRef(ref)
	}
}

func (p *Proxy[T]) destroyRef(ref T) {
	if p.destroyFn == nil {
		return
	}
	if err := p.destroyFn(ref); err != nil && !errors.Is(err, errdefs.ErrConnectionLost) {
		p.logger.Warn("failed to destroy remote object", "error", err)
	}
}

func (p *Proxy[T]) kill(cause error) {
	p.lk.Lock()
	if p.state == stateDead {
		p.lk.Unlock()
		return
	}
	if p.state == statePending {
		close(p.readyCh)
	}
	p.state = stateDead
	if p.failure == nil {
		p.failure = cause
	}
	queue := p.queue
	p.queue = nil
	listeners := p.listeners
	p.listeners = nil
	err := p.deathErr()
	p.lk.Unlock()

	p.logger.Debug("reference died", "error", cause)
	for _, c := range queue {
		c.fut.Reject(err)
	}
	for _, cb := range listeners {
		cb()
	}
}

// must be called by an holder of the lock
func (p *Proxy[T]) deathErr() error {
	switch {
	case p.failure == nil:
		return errdefs.ErrDeadReference
	case errdefs.IsDead(p.failure):
		return p.failure
	default:
		return fmt.Errorf("%w: %w", errdefs.ErrDeadReference, p.failure)
	}
}
