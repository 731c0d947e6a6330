// Package endpoint implements the process side of the broker: the
// namespaces and interfaces hosted by a process, and the protocols
// carrying messages between them.
//
// An [Endpoint] never decides on its own which interfaces are connected.
// The broker prepares connections with [Endpoint.PrepareConnection] and
// [Endpoint.Connect], then registers remote interfaces on local ones with
// [Interface.Connect].
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/frame"
	"github.com/raskyld/rce/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// Authenticator verifies the key presented by the remote side of a
// connection. It is provided by the broker with the expected key.
type Authenticator interface {
	VerifyKey(key frame.Key, p Protocol) error
}

type pendingConn struct {
	key  frame.Key
	auth Authenticator
}

type Endpoint struct {
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	tr      transport
	ln      listener

	ctx    context.Context
	cancel context.CancelFunc
	pool   errgroup.Group
	wg     sync.WaitGroup

	lk         sync.Mutex
	closed     bool
	namespaces map[string]*Namespace
	interfaces map[uuid.UUID]*Interface
	protocols  map[*NetworkProtocol]struct{}
	loopback   *Loopback
	pending    map[frame.ConnID]pendingConn
}

// New creates an Endpoint listening for connections from other endpoints.
func New(opts ...Option) (ep *Endpoint, err error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	ep = &Endpoint{
		cfg:        cfg,
		mLabels:    cfg.metricLabels,
		namespaces: make(map[string]*Namespace),
		interfaces: make(map[uuid.UUID]*Interface),
		protocols:  make(map[*NetworkProtocol]struct{}),
		pending:    make(map[frame.ConnID]pendingConn),
	}

	if cfg.logHandler == nil {
		ep.logger = slog.Default()
	} else {
		ep.logger = slog.New(cfg.logHandler)
	}
	if cfg.name != "" {
		ep.logger = ep.logger.With(telemetry.LabelEndpoint.L(cfg.name))
		ep.mLabels = telemetry.With(ep.mLabels, telemetry.LabelEndpoint.M(cfg.name))
	}

	if cfg.metricSink == nil {
		ep.msink = metrics.Default()
	} else {
		ep.msink = cfg.metricSink
	}

	ep.tr, err = newTransport(cfg)
	if err != nil {
		return nil, err
	}

	ep.ln, err = ep.tr.listen(cfg.listenAddr())
	if err != nil {
		return nil, err
	}

	ep.ctx, ep.cancel = context.WithCancel(context.Background())
	ep.pool.SetLimit(cfg.workers)

	ep.wg.Add(1)
	go ep.acceptLoop()

	ep.logger.Info("endpoint listening", "addr", ep.ln.Addr(), "transport", cfg.transport)
	return ep, nil
}

// Addr is where other endpoints must connect to.
func (ep *Endpoint) Addr() string {
	return ep.ln.Addr()
}

func (ep *Endpoint) Name() string {
	return ep.cfg.name
}

func (ep *Endpoint) acceptLoop() {
	defer ep.wg.Done()

	for {
		stream, err := ep.ln.Accept(ep.ctx)
		if err != nil {
			if ep.ctx.Err() == nil {
				// NB: the listeners only fail once closed or broken
				// beyond repair.
				ep.logger.Warn("unexpected listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		np := newNetworkProtocol(ep, stream, false)
		if !ep.trackProtocol(np) {
			stream.Close()
			return
		}
		np.logger.Debug("accepted a connection")
		go ep.runProtocol(np)
	}
}

// trackProtocol registers np, the caller must then call runProtocol.
func (ep *Endpoint) trackProtocol(np *NetworkProtocol) bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return false
	}
	ep.wg.Add(1)
	ep.protocols[np] = struct{}{}
	ep.msink.SetGaugeWithLabels(MetricProtocolsActive, float32(len(ep.protocols)), ep.mLabels)
	return true
}

func (ep *Endpoint) runProtocol(np *NetworkProtocol) {
	defer ep.wg.Done()
	np.readLoop()
}

func (ep *Endpoint) protocolClosed(np *NetworkProtocol) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	delete(ep.protocols, np)
	ep.msink.SetGaugeWithLabels(MetricProtocolsActive, float32(len(ep.protocols)), ep.mLabels)
}

// PrepareConnection stores the key this side presents for connID and the
// Authenticator verifying the key of the other side. Both sides must be
// prepared before one of them connects.
func (ep *Endpoint) PrepareConnection(connID frame.ConnID, key frame.Key, auth Authenticator) error {
	if auth == nil {
		return errdefs.Internal("no authenticator for connection %s", connID)
	}

	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return ErrClosed
	}
	if _, dup := ep.pending[connID]; dup {
		return errdefs.Internal("connection %s already prepared", connID)
	}
	ep.pending[connID] = pendingConn{key: key, auth: auth}
	return nil
}

// AbortConnection drops a prepared connection which was not established.
func (ep *Endpoint) AbortConnection(connID frame.ConnID) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	delete(ep.pending, connID)
}

// Connect dials addr and sends the key prepared for connID. Only one side
// of a connection connects, the other one accepts.
func (ep *Endpoint) Connect(ctx context.Context, connID frame.ConnID, addr string) error {
	ep.lk.Lock()
	pc, ok := ep.pending[connID]
	closed := ep.closed
	ep.lk.Unlock()

	if closed {
		return ErrClosed
	}
	if !ok {
		return errdefs.Internal("connection %s was not prepared", connID)
	}

	stream, err := ep.tr.dial(ctx, addr)
	if err != nil {
		ep.handshakeFailed("dial")
		return err
	}

	np := newNetworkProtocol(ep, stream, true)
	if !ep.trackProtocol(np) {
		stream.Close()
		return ErrClosed
	}
	if err := np.sendInit(connID, pc.key); err != nil {
		np.Destroy()
		ep.wg.Done()
		ep.handshakeFailed("init")
		return err
	}
	np.logger.Debug("connected", telemetry.LabelConnID.L(connID))
	go ep.runProtocol(np)
	return nil
}

// processInit handles the Init frame received on np. Our own Init frame
// is sent first if the remote side connected to us.
func (ep *Endpoint) processInit(np *NetworkProtocol, connID frame.ConnID, remoteKey frame.Key) error {
	ep.lk.Lock()
	pc, ok := ep.pending[connID]
	if ok {
		delete(ep.pending, connID)
	}
	ep.lk.Unlock()

	if !ok {
		ep.handshakeFailed("unexpected")
		return fmt.Errorf("%w: %s", errdefs.ErrUnexpectedConnection, connID)
	}

	if err := np.sendInit(connID, pc.key); err != nil {
		ep.handshakeFailed("init")
		return err
	}

	// The Authenticator hands np over on success, it must be usable
	// right away.
	np.verified.Store(true)
	if err := pc.auth.VerifyKey(remoteKey, np); err != nil {
		np.verified.Store(false)
		ep.handshakeFailed("invalid_key")
		return err
	}

	ep.msink.IncrCounterWithLabels(
		MetricHandshakeCount,
		1.0,
		telemetry.With(np.mLabels, telemetry.LabelResult.M("ok")),
	)
	np.logger.Info("connection authenticated", telemetry.LabelConnID.L(connID))
	return nil
}

func (ep *Endpoint) handshakeFailed(reason string) {
	ep.msink.IncrCounterWithLabels(
		MetricHandshakeErrorCount,
		1.0,
		telemetry.With(ep.mLabels, telemetry.LabelError.M(reason)),
	)
}

// Loopback returns the protocol connecting interfaces of this endpoint,
// creating it on first use.
func (ep *Endpoint) Loopback() (*Loopback, error) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return nil, ErrClosed
	}
	if ep.loopback == nil {
		ep.loopback = newLoopback(ep)
	}
	return ep.loopback, nil
}

func (ep *Endpoint) loopbackClosed(l *Loopback) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.loopback == l {
		ep.loopback = nil
	}
}

func (ep *Endpoint) CreateNamespace(tag string) (*Namespace, error) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.closed {
		return nil, ErrClosed
	}
	if _, dup := ep.namespaces[tag]; dup {
		return nil, errdefs.InvalidRequest("namespace %q already exists", tag)
	}
	ns := newNamespace(ep, tag)
	ep.namespaces[tag] = ns
	return ns, nil
}

func (ep *Endpoint) Namespace(tag string) (*Namespace, bool) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	ns, ok := ep.namespaces[tag]
	return ns, ok
}

func (ep *Endpoint) DestroyNamespace(tag string) error {
	ns, ok := ep.Namespace(tag)
	if !ok {
		return errdefs.InvalidRequest("namespace %q does not exist", tag)
	}
	return ns.Destroy()
}

func (ep *Endpoint) namespaceDestroyed(ns *Namespace) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.namespaces[ns.tag] == ns {
		delete(ep.namespaces, ns.tag)
	}
}

// CreateInterface creates an interface in the namespace nsTag. The uid is
// assigned by the broker.
func (ep *Endpoint) CreateInterface(nsTag string, uid uuid.UUID, spec InterfaceSpec) (*Interface, error) {
	if spec.Kind == KindUnspecified {
		return nil, errdefs.InvalidRequest("interface %q has no kind", spec.Tag)
	}
	if spec.Tag == "" {
		return nil, errdefs.InvalidRequest("interface tag is empty")
	}

	ns, ok := ep.Namespace(nsTag)
	if !ok {
		return nil, errdefs.InvalidRequest("namespace %q does not exist", nsTag)
	}

	ep.lk.Lock()
	if _, dup := ep.interfaces[uid]; dup {
		ep.lk.Unlock()
		return nil, errdefs.Internal("interface UID %s already used", uid)
	}
	ep.lk.Unlock()

	iface, err := ns.createInterface(uid, spec)
	if err != nil {
		return nil, err
	}

	ep.lk.Lock()
	ep.interfaces[uid] = iface
	ep.msink.SetGaugeWithLabels(MetricInterfacesActive, float32(len(ep.interfaces)), ep.mLabels)
	ep.lk.Unlock()

	iface.logger.Debug("interface created", "kind", spec.Kind, "class", spec.Class)
	return iface, nil
}

// Interface returns the interface with the given UID.
func (ep *Endpoint) Interface(uid uuid.UUID) (*Interface, bool) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	iface, ok := ep.interfaces[uid]
	return iface, ok
}

func (ep *Endpoint) interfaceDestroyed(iface *Interface) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	if ep.interfaces[iface.uid] == iface {
		delete(ep.interfaces, iface.uid)
	}
	ep.msink.SetGaugeWithLabels(MetricInterfacesActive, float32(len(ep.interfaces)), ep.mLabels)
}

// serve runs a service request on the worker pool, it blocks while the
// pool is saturated.
func (ep *Endpoint) serve(iface *Interface, req Message) {
	ep.pool.Go(func() error {
		if ep.ctx.Err() != nil {
			return nil
		}
		iface.handleRequest(ep.ctx, req)
		return nil
	})
}

// Close destroys every protocol and namespace then stops listening.
// It waits for the running service requests.
func (ep *Endpoint) Close() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	namespaces := make([]*Namespace, 0, len(ep.namespaces))
	for _, ns := range ep.namespaces {
		namespaces = append(namespaces, ns)
	}
	protocols := make([]*NetworkProtocol, 0, len(ep.protocols))
	for np := range ep.protocols {
		protocols = append(protocols, np)
	}
	loopback := ep.loopback
	ep.pending = make(map[frame.ConnID]pendingConn)
	ep.lk.Unlock()

	ep.cancel()
	lnErr := ep.ln.Close()

	for _, np := range protocols {
		np.Destroy()
	}
	if loopback != nil {
		loopback.Destroy()
	}
	for _, ns := range namespaces {
		ns.Destroy()
	}

	ep.wg.Wait()
	ep.pool.Wait()

	if lnErr != nil {
		ep.logger.Debug("error closing listener", telemetry.LabelError.L(lnErr))
	}
	ep.logger.Info("endpoint closed")
	return nil
}
