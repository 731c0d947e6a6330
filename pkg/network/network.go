// Package network implements the broker side of the connections between
// interfaces.
//
// The [Network] keeps track of the endpoints and of the live channels
// between them: one [EndpointConnection] per pair of endpoints which have
// at least one connected interface pair, one [InterfaceConnection] per
// interface and protocol in use, and one [Connection] per pair of linked
// interfaces.
//
// Every object of an endpoint process is reached through a proxy, calls
// issued before the object exists are queued and replayed once it does.
package network

import (
	"context"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

type endpointPair struct {
	lo, hi *Endpoint
}

func pairOf(a, b *Endpoint) endpointPair {
	if a.id < b.id {
		return endpointPair{a, b}
	}
	return endpointPair{b, a}
}

type Network struct {
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards every object of the package.
	mu        sync.Mutex
	closed    bool
	nextID    uint64
	endpoints map[string]*Endpoint
	conns     map[endpointPair]*EndpointConnection
	links     int
	deferred  []func()
}

func New(opts ...Option) (*Network, error) {
	cfg := &config{
		handshakeTimeout: defaultHandshakeTimeout,
		clock:            clock.New(),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	n := &Network{
		cfg:       cfg,
		mLabels:   cfg.metricLabels,
		clock:     cfg.clock,
		endpoints: make(map[string]*Endpoint),
		conns:     make(map[endpointPair]*EndpointConnection),
	}

	if cfg.logHandler == nil {
		n.logger = slog.Default()
	} else {
		n.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		n.msink = metrics.Default()
	} else {
		n.msink = cfg.metricSink
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

func (n *Network) lock() {
	n.mu.Lock()
}

// unlock releases mu then runs the callbacks queued with later.
func (n *Network) unlock() {
	fns := n.deferred
	n.deferred = nil
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// later queues fn to run once mu is released, the caller holds mu.
func (n *Network) later(fn func()) {
	n.deferred = append(n.deferred, fn)
}

// AddEndpoint registers an endpoint which is not running yet, see
// [Endpoint.Bind].
func (n *Network) AddEndpoint(tag string) (*Endpoint, error) {
	n.lock()
	defer n.unlock()
	if n.closed {
		return nil, ErrClosed
	}
	if _, dup := n.endpoints[tag]; dup {
		return nil, errdefs.InvalidRequest("endpoint %q already exists", tag)
	}

	n.nextID++
	ep := newEndpoint(n, n.nextID, tag)
	n.endpoints[tag] = ep
	n.msink.SetGaugeWithLabels(MetricEndpointsActive, float32(len(n.endpoints)), n.mLabels)
	return ep, nil
}

// AttachEndpoint registers a running endpoint.
func (n *Network) AttachEndpoint(tag string, ctl Control) (*Endpoint, error) {
	ep, err := n.AddEndpoint(tag)
	if err != nil {
		return nil, err
	}
	ep.Bind(ctl)
	return ep, nil
}

func (n *Network) Endpoint(tag string) (*Endpoint, bool) {
	n.lock()
	defer n.unlock()
	ep, ok := n.endpoints[tag]
	return ep, ok
}

// CreateConnection links the interfaces a and b. Interfaces of the same
// endpoint are linked through its loopback, otherwise the connection
// between both endpoints is reused or established.
//
// The returned Connection is usable right away, the registrations on
// both interfaces are issued as soon as their protocols are available.
func (n *Network) CreateConnection(a, b *Interface) (*Connection, error) {
	n.lock()
	defer n.unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if a == b {
		return nil, errdefs.InvalidRequest("cannot connect interface %q to itself", a.tag)
	}
	if a.ep.net != n || b.ep.net != n {
		return nil, errdefs.Internal("interface not managed by this network")
	}
	if a.destroyed || b.destroyed {
		return nil, errdefs.InvalidRequest("interface is destroyed")
	}

	var pa, pb *Protocol
	if a.ep == b.ep {
		pa = a.ep.loopbackLocked()
		pb = pa
	} else {
		ec := n.endpointConnectionLocked(a.ep, b.ep)
		pa, pb = ec.Protocol(a.ep), ec.Protocol(b.ep)
	}

	ica := a.ep.interfaceConnectionLocked(a, pa)
	icb := b.ep.interfaceConnectionLocked(b, pb)
	if ica.hasRemote(b.uid) {
		n.releaseIfUnusedLocked(ica)
		n.releaseIfUnusedLocked(icb)
		return nil, errdefs.InvalidRequest("interfaces %q and %q are already connected", a.tag, b.tag)
	}

	conn := newConnection(n, ica, icb)
	n.links++
	n.msink.SetGaugeWithLabels(MetricConnectionsActive, float32(n.links), n.mLabels)
	return conn, nil
}

// releaseIfUnusedLocked destroys an InterfaceConnection created for a
// connection attempt which was refused.
func (n *Network) releaseIfUnusedLocked(ic *InterfaceConnection) {
	if len(ic.users) == 0 {
		ic.destroyLocked()
	}
}

func (n *Network) endpointConnectionLocked(a, b *Endpoint) *EndpointConnection {
	pair := pairOf(a, b)
	if ec, ok := n.conns[pair]; ok {
		return ec
	}

	// The endpoint of the first interface plays the server.
	ec := newEndpointConnection(n, a, b)
	n.conns[pair] = ec
	a.conns[ec] = struct{}{}
	b.conns[ec] = struct{}{}
	n.msink.SetGaugeWithLabels(MetricEndpointConnectionsActive, float32(len(n.conns)), n.mLabels)

	n.wg.Add(1)
	go ec.establish()
	return ec
}

func (n *Network) endpointConnectionRemovedLocked(ec *EndpointConnection) {
	pair := pairOf(ec.server, ec.client)
	if n.conns[pair] == ec {
		delete(n.conns, pair)
	}
	delete(ec.server.conns, ec)
	delete(ec.client.conns, ec)
	n.msink.SetGaugeWithLabels(MetricEndpointConnectionsActive, float32(len(n.conns)), n.mLabels)
}

func (n *Network) connectionRemovedLocked() {
	n.links--
	n.msink.SetGaugeWithLabels(MetricConnectionsActive, float32(n.links), n.mLabels)
}

// EndpointConnections returns the connections ep is part of.
func (n *Network) EndpointConnections(ep *Endpoint) []*EndpointConnection {
	n.lock()
	defer n.unlock()
	out := make([]*EndpointConnection, 0, len(ep.conns))
	for ec := range ep.conns {
		out = append(out, ec)
	}
	return out
}

// DestroyEndpoint tears down every connection of ep, destroys its
// interfaces and releases the endpoint process.
func (n *Network) DestroyEndpoint(ep *Endpoint) {
	n.lock()
	defer n.unlock()
	ep.destroyLocked()
}

func (n *Network) endpointRemovedLocked(ep *Endpoint) {
	if n.endpoints[ep.tag] == ep {
		delete(n.endpoints, ep.tag)
	}
	n.msink.SetGaugeWithLabels(MetricEndpointsActive, float32(len(n.endpoints)), n.mLabels)
}

// Close destroys every endpoint and waits for the running handshakes.
func (n *Network) Close() error {
	n.lock()
	if n.closed {
		n.unlock()
		return nil
	}
	n.closed = true
	for _, ep := range n.endpoints {
		ep.destroyLocked()
	}
	n.unlock()

	n.cancel()
	n.wg.Wait()
	n.logger.Info("network closed")
	return nil
}

// async runs fn on its own goroutine, fn typically needs mu while the
// caller may hold it.
func (n *Network) async(fn func()) {
	go fn()
}

func (n *Network) logFailure(msg string, attrs ...any) func(struct{}, error) {
	return func(_ struct{}, err error) {
		if err != nil {
			n.logger.Debug(msg, append(attrs, telemetry.LabelError.L(err))...)
		}
	}
}
