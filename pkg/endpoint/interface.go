package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

// Kind is the direction of an interface.
type Kind uint8

const (
	KindUnspecified Kind = iota
	KindPublisher
	KindSubscriber
	KindServiceClient
	KindServiceProvider
)

func (k Kind) String() string {
	switch k {
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	case KindServiceClient:
		return "service_client"
	case KindServiceProvider:
		return "service_provider"
	default:
		return "unspecified"
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "publisher":
		return KindPublisher, nil
	case "subscriber":
		return KindSubscriber, nil
	case "service_client", "serviceclient":
		return KindServiceClient, nil
	case "service_provider", "serviceprovider":
		return KindServiceProvider, nil
	default:
		return KindUnspecified, errdefs.InvalidRequest("unknown interface kind %q", s)
	}
}

// Complements tells whether k can be connected to other.
func (k Kind) Complements(other Kind) bool {
	switch k {
	case KindPublisher:
		return other == KindSubscriber
	case KindSubscriber:
		return other == KindPublisher
	case KindServiceClient:
		return other == KindServiceProvider
	case KindServiceProvider:
		return other == KindServiceClient
	default:
		return false
	}
}

// Message is an inbound message, Protocol and RemoteID identify where to
// send a reply.
type Message struct {
	Body     []byte
	ID       string
	Protocol Protocol
	RemoteID uuid.UUID
}

// InterfaceSpec describes an interface to create.
type InterfaceSpec struct {
	// Tag is unique within the namespace.
	Tag  string
	Kind Kind

	// Class is the message or service type, opaque to the broker.
	Class string

	// Addr is the user-facing address, e.g. a topic name.
	Addr string

	// OnMessage is called for every inbound message, in order, for
	// every kind but service providers.
	OnMessage func(Message)

	// OnRequest serves a request on a service provider. It runs on the
	// worker pool of the endpoint, its result is sent back to the caller.
	OnRequest func(ctx context.Context, req Message) ([]byte, error)

	// OnStart and OnStop are called when the interface gets its first
	// connection and loses its last one.
	OnStart func()
	OnStop  func()
}

// Interface is a typed communication port of a [Namespace].
//
// An Interface is active while it has at least one connection, i.e. a
// (Protocol, remote interface UID) pair it exchanges messages with.
type Interface struct {
	uid    uuid.UUID
	spec   InterfaceSpec
	ns     *Namespace
	ep     *Endpoint
	logger *slog.Logger

	// opLk serializes the connection state transitions with their hooks.
	opLk sync.Mutex

	lk        sync.Mutex
	protocols map[Protocol]map[uuid.UUID]struct{}
	count     int
	destroyed bool
	calls     map[string]chan Message
	onMessage func(Message)
}

func newInterface(ns *Namespace, uid uuid.UUID, spec InterfaceSpec) *Interface {
	return &Interface{
		uid:  uid,
		spec: spec,
		ns:   ns,
		ep:   ns.ep,
		logger: ns.logger.With(
			telemetry.LabelInterface.L(spec.Tag),
			"uid", uid,
		),
		protocols: make(map[Protocol]map[uuid.UUID]struct{}),
		calls:     make(map[string]chan Message),
		onMessage: spec.OnMessage,
	}
}

func (i *Interface) UID() uuid.UUID {
	return i.uid
}

func (i *Interface) Tag() string {
	return i.spec.Tag
}

func (i *Interface) Kind() Kind {
	return i.spec.Kind
}

func (i *Interface) Class() string {
	return i.spec.Class
}

func (i *Interface) Addr() string {
	return i.spec.Addr
}

func (i *Interface) Namespace() *Namespace {
	return i.ns
}

// SetMessageHandler replaces the OnMessage callback of the interface.
func (i *Interface) SetMessageHandler(fn func(Message)) {
	i.lk.Lock()
	defer i.lk.Unlock()
	i.onMessage = fn
}

// Active tells whether the interface has at least one connection.
func (i *Interface) Active() bool {
	i.lk.Lock()
	defer i.lk.Unlock()
	return i.count > 0
}

// Connections returns the number of registered (Protocol, remote) pairs.
func (i *Interface) Connections() int {
	i.lk.Lock()
	defer i.lk.Unlock()
	return i.count
}

func (i *Interface) Destroyed() bool {
	i.lk.Lock()
	defer i.lk.Unlock()
	return i.destroyed
}

func (i *Interface) deadErr() error {
	return fmt.Errorf("%w: interface %s", errdefs.ErrDeadReference, i.uid)
}

// Connect registers the pair (p, remoteID). The start hook runs before
// the registration of the first pair.
func (i *Interface) Connect(p Protocol, remoteID uuid.UUID) error {
	i.opLk.Lock()
	defer i.opLk.Unlock()

	i.lk.Lock()
	if i.destroyed {
		i.lk.Unlock()
		return i.deadErr()
	}
	if _, dup := i.protocols[p][remoteID]; dup {
		i.lk.Unlock()
		return errdefs.Internal("interface %s already connected to %s on %s", i.uid, remoteID, p)
	}
	first := i.count == 0
	i.lk.Unlock()

	if first {
		i.start()
	}

	if err := p.registerConnection(i, remoteID); err != nil {
		if first {
			i.stop()
		}
		return err
	}

	i.lk.Lock()
	remotes, ok := i.protocols[p]
	if !ok {
		remotes = make(map[uuid.UUID]struct{})
		i.protocols[p] = remotes
	}
	remotes[remoteID] = struct{}{}
	i.count++
	i.lk.Unlock()

	i.logger.Debug(
		"interface connected",
		telemetry.LabelProtocol.L(p.String()),
		telemetry.LabelRemoteID.L(remoteID),
	)
	return nil
}

// Disconnect unregisters the pair (p, remoteID). The stop hook runs once
// the last pair is gone.
func (i *Interface) Disconnect(p Protocol, remoteID uuid.UUID) error {
	i.opLk.Lock()
	defer i.opLk.Unlock()

	i.lk.Lock()
	if i.destroyed {
		i.lk.Unlock()
		return i.deadErr()
	}
	remotes, ok := i.protocols[p]
	if _, registered := remotes[remoteID]; !ok || !registered {
		i.lk.Unlock()
		return errdefs.Internal("interface %s is not connected to %s on %s", i.uid, remoteID, p)
	}
	delete(remotes, remoteID)
	if len(remotes) == 0 {
		delete(i.protocols, p)
	}
	i.count--
	last := i.count == 0
	i.lk.Unlock()

	p.unregisterConnection(i, remoteID)
	if last {
		i.stop()
	}

	i.logger.Debug(
		"interface disconnected",
		telemetry.LabelProtocol.L(p.String()),
		telemetry.LabelRemoteID.L(remoteID),
	)
	return nil
}

// protocolClosed drops every pair registered through p, p is already
// gone so it is not called back.
func (i *Interface) protocolClosed(p Protocol) {
	i.opLk.Lock()
	defer i.opLk.Unlock()

	i.lk.Lock()
	remotes, ok := i.protocols[p]
	if !ok || i.destroyed {
		i.lk.Unlock()
		return
	}
	delete(i.protocols, p)
	i.count -= len(remotes)
	last := i.count == 0
	i.lk.Unlock()

	i.logger.Debug("protocol closed under interface", telemetry.LabelProtocol.L(p.String()))
	if last {
		i.stop()
	}
}

// Destroy stops the interface if it is active and removes it from its
// namespace and endpoint. It is a no-op on a destroyed interface.
func (i *Interface) Destroy() error {
	i.opLk.Lock()

	i.lk.Lock()
	if i.destroyed {
		i.lk.Unlock()
		i.opLk.Unlock()
		return nil
	}
	i.destroyed = true
	protocols := i.protocols
	i.protocols = nil
	wasActive := i.count > 0
	i.count = 0
	calls := i.calls
	i.calls = nil
	i.lk.Unlock()

	if wasActive {
		i.logger.Debug("destroying an active interface")
	}
	for p, remotes := range protocols {
		for remoteID := range remotes {
			p.unregisterConnection(i, remoteID)
		}
	}
	for _, ch := range calls {
		close(ch)
	}
	if wasActive {
		i.stop()
	}
	i.opLk.Unlock()

	i.ns.interfaceDestroyed(i)
	i.ep.interfaceDestroyed(i)
	return nil
}

func (i *Interface) start() {
	i.logger.Debug("interface starting")
	if i.spec.OnStart != nil {
		i.spec.OnStart()
	}
}

func (i *Interface) stop() {
	i.logger.Debug("interface stopping")
	if i.spec.OnStop != nil {
		i.spec.OnStop()
	}
}

// Send sends msg to the peers reachable through (p, remoteID). The
// message is dropped if the pair is not registered anymore.
func (i *Interface) Send(msg []byte, msgID string, p Protocol, remoteID uuid.UUID) error {
	if err := i.checkRegistered(p, remoteID); err != nil {
		if errors.Is(err, errDropped) {
			return nil
		}
		return err
	}
	return p.SendMessage(i, msg, msgID, nil)
}

// Respond sends msg to the interface remoteID only.
func (i *Interface) Respond(msg []byte, msgID string, p Protocol, remoteID uuid.UUID) error {
	if err := i.checkRegistered(p, remoteID); err != nil {
		if errors.Is(err, errDropped) {
			return nil
		}
		return err
	}
	return p.SendMessage(i, msg, msgID, &remoteID)
}

func (i *Interface) checkRegistered(p Protocol, remoteID uuid.UUID) error {
	i.lk.Lock()
	defer i.lk.Unlock()
	if i.destroyed {
		return i.deadErr()
	}
	if i.count == 0 {
		return ErrNotActive
	}
	if _, ok := i.protocols[p][remoteID]; !ok {
		i.logger.Debug(
			"dropping message for an unknown peer",
			telemetry.LabelProtocol.L(p.String()),
			telemetry.LabelRemoteID.L(remoteID),
		)
		i.ep.msink.IncrCounterWithLabels(MetricMessageDroppedCount, 1.0, i.ep.mLabels)
		return errDropped
	}
	return nil
}

// Publish sends msg through every protocol of the interface, each remote
// side fans it out to its own receivers.
func (i *Interface) Publish(msg []byte, msgID string) error {
	i.lk.Lock()
	if i.destroyed {
		i.lk.Unlock()
		return i.deadErr()
	}
	protocols := make([]Protocol, 0, len(i.protocols))
	for p := range i.protocols {
		protocols = append(protocols, p)
	}
	i.lk.Unlock()

	for _, p := range protocols {
		if err := p.SendMessage(i, msg, msgID, nil); err != nil {
			i.logger.Warn(
				"failed to publish",
				telemetry.LabelProtocol.L(p.String()),
				telemetry.LabelError.L(err),
			)
		}
	}
	return nil
}

// Call sends req to the connected service providers and waits for the
// first response.
func (i *Interface) Call(ctx context.Context, req []byte) ([]byte, error) {
	if i.spec.Kind != KindServiceClient {
		return nil, ErrWrongKind
	}

	msgID := uuid.NewString()
	ch := make(chan Message, 1)

	i.lk.Lock()
	if i.destroyed {
		i.lk.Unlock()
		return nil, i.deadErr()
	}
	if i.count == 0 {
		i.lk.Unlock()
		return nil, ErrNotActive
	}
	i.calls[msgID] = ch
	i.lk.Unlock()

	forget := func() {
		i.lk.Lock()
		defer i.lk.Unlock()
		delete(i.calls, msgID)
	}

	start := time.Now()
	if err := i.Publish(req, msgID); err != nil {
		forget()
		return nil, err
	}

	select {
	case <-ctx.Done():
		forget()
		i.ep.msink.IncrCounterWithLabels(
			MetricServiceCallErrorCount,
			1.0,
			telemetry.With(i.ep.mLabels, telemetry.LabelError.M("timeout")),
		)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, i.deadErr()
		}
		i.ep.msink.MeasureSinceWithLabels(MetricServiceCallDuration, start, i.ep.mLabels)
		return resp.Body, nil
	}
}

// deliver hands an inbound message to the interface.
func (i *Interface) deliver(msg []byte, msgID string, p Protocol, remoteID uuid.UUID) {
	m := Message{Body: msg, ID: msgID, Protocol: p, RemoteID: remoteID}

	i.lk.Lock()
	if i.destroyed {
		i.lk.Unlock()
		return
	}
	if _, ok := i.protocols[p][remoteID]; !ok {
		i.lk.Unlock()
		i.logger.Debug("dropping message from an unknown peer", telemetry.LabelRemoteID.L(remoteID))
		return
	}
	onMessage := i.onMessage
	var pending chan Message
	if i.spec.Kind == KindServiceClient {
		if ch, ok := i.calls[msgID]; ok {
			pending = ch
			delete(i.calls, msgID)
		}
	}
	i.lk.Unlock()

	switch {
	case pending != nil:
		pending <- m
	case i.spec.Kind == KindServiceProvider:
		i.ep.serve(i, m)
	case onMessage != nil:
		onMessage(m)
	default:
		i.logger.Debug("no handler for message", telemetry.LabelMsgID.L(msgID))
	}
}

func (i *Interface) handleRequest(ctx context.Context, req Message) {
	if i.spec.OnRequest == nil {
		i.logger.Warn("service provider has no request handler", telemetry.LabelMsgID.L(req.ID))
		return
	}

	resp, err := i.spec.OnRequest(ctx, req)
	if err != nil {
		i.logger.Warn(
			"service request failed",
			telemetry.LabelMsgID.L(req.ID),
			telemetry.LabelError.L(err),
		)
		i.ep.msink.IncrCounterWithLabels(
			MetricServiceCallErrorCount,
			1.0,
			telemetry.With(i.ep.mLabels, telemetry.LabelError.M("handler")),
		)
		return
	}

	if err := i.Respond(resp, req.ID, req.Protocol, req.RemoteID); err != nil {
		i.logger.Warn(
			"failed to send service response",
			telemetry.LabelMsgID.L(req.ID),
			telemetry.LabelError.L(err),
		)
	}
}
