// Package assembly rebuilds client messages whose binary parts are sent
// separately from their body.
//
// A message announces the references of the parts it is waiting for, it
// is delivered once every part arrived. Parts may arrive before their
// message. Whatever is still incomplete after the timeout is dropped by a
// periodic sweep.
package assembly

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

var (
	MetricPendingMessages = []string{"rce", "assembly", "pending"}
	MetricDroppedCount    = []string{"rce", "assembly", "dropped", "count"}
)

// Complete is an assembled message.
type Complete[T any] struct {
	ID    string
	Value T
	// Parts maps every announced reference to its payload.
	Parts map[string][]byte
}

type pending[T any] struct {
	id      string
	value   T
	parts   map[string][]byte
	missing int
	since   time.Time
}

type orphan struct {
	data  []byte
	since time.Time
}

type Assembler[T any] struct {
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	clock   clock.Clock
	deliver func(Complete[T])

	lk       sync.Mutex
	closed   bool
	messages map[string]*pending[T]
	// waiting maps a part reference to the message expecting it.
	waiting map[string]*pending[T]
	orphans map[string]orphan

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New starts an Assembler handing complete messages to deliver. deliver
// is called without any lock held.
func New[T any](deliver func(Complete[T]), opts ...Option) (*Assembler[T], error) {
	cfg := &config{
		timeout:  DefaultTimeout,
		interval: DefaultCleanupInterval,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	a := &Assembler[T]{
		cfg:      cfg,
		mLabels:  cfg.metricLabels,
		clock:    cfg.clock,
		deliver:  deliver,
		messages: make(map[string]*pending[T]),
		waiting:  make(map[string]*pending[T]),
		orphans:  make(map[string]orphan),
		stopCh:   make(chan struct{}),
	}

	if cfg.logHandler == nil {
		a.logger = slog.Default()
	} else {
		a.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		a.msink = metrics.Default()
	} else {
		a.msink = cfg.metricSink
	}

	// The ticker is created before returning so that a mock clock moved
	// right after New fires it.
	ticker := a.clock.Ticker(cfg.interval)
	a.wg.Add(1)
	go a.sweepLoop(ticker)
	return a, nil
}

func (a *Assembler[T]) sweepLoop(ticker *clock.Ticker) {
	defer a.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Message registers the message id waiting for the parts refs.
func (a *Assembler[T]) Message(id string, value T, refs []string) error {
	a.lk.Lock()
	if a.closed {
		a.lk.Unlock()
		return ErrClosed
	}
	if _, dup := a.messages[id]; dup {
		a.lk.Unlock()
		return errdefs.InvalidRequest("message %q is already being assembled", id)
	}

	p := &pending[T]{
		id:    id,
		value: value,
		parts: make(map[string][]byte, len(refs)),
		since: a.clock.Now(),
	}
	for _, ref := range refs {
		if _, dup := p.parts[ref]; dup {
			a.lk.Unlock()
			return errdefs.InvalidRequest("message %q references part %q twice", id, ref)
		}
		if _, taken := a.waiting[ref]; taken {
			a.lk.Unlock()
			return errdefs.InvalidRequest("part %q is already awaited by another message", ref)
		}
		p.parts[ref] = nil
	}

	for ref := range p.parts {
		if o, ok := a.orphans[ref]; ok {
			delete(a.orphans, ref)
			p.parts[ref] = o.data
			continue
		}
		p.missing++
		a.waiting[ref] = p
	}

	if p.missing > 0 {
		a.messages[id] = p
		a.gaugeLocked()
		a.lk.Unlock()
		return nil
	}
	a.lk.Unlock()

	a.deliver(Complete[T]{ID: id, Value: value, Parts: p.parts})
	return nil
}

// Part provides the payload of the reference ref.
func (a *Assembler[T]) Part(ref string, data []byte) {
	a.lk.Lock()
	if a.closed {
		a.lk.Unlock()
		return
	}

	p, ok := a.waiting[ref]
	if !ok {
		a.orphans[ref] = orphan{data: data, since: a.clock.Now()}
		a.lk.Unlock()
		return
	}
	delete(a.waiting, ref)
	p.parts[ref] = data
	if p.missing--; p.missing > 0 {
		a.lk.Unlock()
		return
	}
	delete(a.messages, p.id)
	a.gaugeLocked()
	a.lk.Unlock()

	a.deliver(Complete[T]{ID: p.id, Value: p.value, Parts: p.parts})
}

// Pending returns the number of incomplete messages.
func (a *Assembler[T]) Pending() int {
	a.lk.Lock()
	defer a.lk.Unlock()
	return len(a.messages)
}

// Sweep drops the incomplete messages and the unclaimed parts older than
// the timeout, it returns the number of dropped messages.
func (a *Assembler[T]) Sweep() int {
	a.lk.Lock()
	deadline := a.clock.Now().Add(-a.cfg.timeout)

	dropped := 0
	for id, p := range a.messages {
		if p.since.After(deadline) {
			continue
		}
		for ref, data := range p.parts {
			if data == nil && a.waiting[ref] == p {
				delete(a.waiting, ref)
			}
		}
		delete(a.messages, id)
		dropped++
	}
	orphans := 0
	for ref, o := range a.orphans {
		if !o.since.After(deadline) {
			delete(a.orphans, ref)
			orphans++
		}
	}
	a.gaugeLocked()
	a.lk.Unlock()

	if dropped > 0 || orphans > 0 {
		a.logger.Info(
			"dropped incomplete messages",
			telemetry.LabelCount.L(dropped),
			"orphan_parts", orphans,
		)
		a.msink.IncrCounterWithLabels(MetricDroppedCount, float32(dropped), a.mLabels)
	}
	return dropped
}

func (a *Assembler[T]) gaugeLocked() {
	a.msink.SetGaugeWithLabels(MetricPendingMessages, float32(len(a.messages)), a.mLabels)
}

// Close stops the sweep and drops everything pending.
func (a *Assembler[T]) Close() {
	a.lk.Lock()
	if a.closed {
		a.lk.Unlock()
		return
	}
	a.closed = true
	a.messages = nil
	a.waiting = nil
	a.orphans = nil
	a.lk.Unlock()

	close(a.stopCh)
	a.wg.Wait()
}
