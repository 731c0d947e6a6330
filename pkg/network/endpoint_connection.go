package network

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/frame"
	"github.com/raskyld/rce/pkg/proxy"
	"github.com/raskyld/rce/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// validator verifies the key presented to one side of an
// EndpointConnection. Only one guess is possible.
type validator struct {
	want frame.Key

	lk     sync.Mutex
	used   bool
	result *proxy.Promise[endpoint.Protocol]
}

func newValidator(want frame.Key) *validator {
	return &validator{
		want:   want,
		result: proxy.NewPromise[endpoint.Protocol](),
	}
}

func (v *validator) VerifyKey(key frame.Key, p endpoint.Protocol) error {
	v.lk.Lock()
	defer v.lk.Unlock()
	if v.used {
		return fmt.Errorf("%w: only one guess is possible", errdefs.ErrInvalidKey)
	}
	v.used = true

	if subtle.ConstantTimeCompare(key[:], v.want[:]) != 1 {
		v.result.TryReject(errdefs.ErrInvalidKey)
		return errdefs.ErrInvalidKey
	}
	v.result.TryResolve(p)
	return nil
}

// cancel refuses any later guess.
func (v *validator) cancel(err error) {
	v.lk.Lock()
	defer v.lk.Unlock()
	v.used = true
	v.result.TryReject(err)
}

// EndpointConnection is the channel between two endpoints, shared by
// every connection between their interfaces.
type EndpointConnection struct {
	net    *Network
	connID frame.ConnID
	logger *slog.Logger

	server, client           *Endpoint
	serverKey, clientKey     frame.Key
	serverAuth, clientAuth   *validator
	serverProto, clientProto *Protocol

	ctx    context.Context
	cancel context.CancelFunc

	// guarded by net.mu
	destroyed bool
}

func randomID() (id [frame.IDLength]byte) {
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("network: entropy source failed: %s", err))
	}
	return id
}

func newEndpointConnection(n *Network, server, client *Endpoint) *EndpointConnection {
	ec := &EndpointConnection{
		net:       n,
		connID:    frame.ConnID(randomID()),
		server:    server,
		client:    client,
		serverKey: frame.Key(randomID()),
		clientKey: frame.Key(randomID()),
	}
	ec.logger = n.logger.With(
		telemetry.LabelConnID.L(ec.connID),
		"server", server.tag,
		"client", client.tag,
	)
	// Each side verifies the key of the other one.
	ec.serverAuth = newValidator(ec.clientKey)
	ec.clientAuth = newValidator(ec.serverKey)
	ec.serverProto = newProtocol(server, ec)
	ec.clientProto = newProtocol(client, ec)
	ec.ctx, ec.cancel = context.WithCancel(n.ctx)
	return ec
}

func (ec *EndpointConnection) ConnID() frame.ConnID {
	return ec.connID
}

// Endpoints returns the server then the client.
func (ec *EndpointConnection) Endpoints() (*Endpoint, *Endpoint) {
	return ec.server, ec.client
}

// Protocol returns the protocol of ep, nil if ep is not part of ec.
func (ec *EndpointConnection) Protocol(ep *Endpoint) *Protocol {
	switch ep {
	case ec.server:
		return ec.serverProto
	case ec.client:
		return ec.clientProto
	default:
		return nil
	}
}

// Wait blocks until both protocols are available.
func (ec *EndpointConnection) Wait(ctx context.Context) error {
	if _, err := ec.serverProto.ref.Wait(ctx); err != nil {
		return err
	}
	_, err := ec.clientProto.ref.Wait(ctx)
	return err
}

func (ec *EndpointConnection) establish() {
	defer ec.net.wg.Done()

	start := ec.net.clock.Now()
	ctx, cancel := ec.net.clock.WithTimeout(ec.ctx, ec.net.cfg.handshakeTimeout)
	defer cancel()

	serverRef, clientRef, err := ec.handshake(ctx)
	if err != nil {
		ec.abort(err)
		return
	}

	ec.net.msink.MeasureSinceWithLabels(MetricHandshakeDuration, start, ec.net.mLabels)
	ec.logger.Info("endpoint connection established")
	ec.serverProto.resolve(serverRef)
	ec.clientProto.resolve(clientRef)
}

func (ec *EndpointConnection) handshake(ctx context.Context) (serverRef, clientRef endpoint.Protocol, err error) {
	wait := func(p *proxy.Proxy[Control]) (Control, error) {
		ctl, err := p.Wait(ctx)
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrHandshakeTimeout
		}
		return ctl, err
	}

	serverCtl, err := wait(ec.server.ctl)
	if err != nil {
		return nil, nil, err
	}
	clientCtl, err := wait(ec.client.ctl)
	if err != nil {
		return nil, nil, err
	}

	var prepare errgroup.Group
	prepare.Go(func() error {
		return serverCtl.PrepareConnection(ec.connID, ec.serverKey, ec.serverAuth)
	})
	prepare.Go(func() error {
		return clientCtl.PrepareConnection(ec.connID, ec.clientKey, ec.clientAuth)
	})
	if err := prepare.Wait(); err != nil {
		return nil, nil, fmt.Errorf("%w: prepare: %w", ErrHandshake, err)
	}

	if err := clientCtl.Connect(ctx, ec.connID, serverCtl.Addr()); err != nil {
		return nil, nil, fmt.Errorf("%w: connect: %w", ErrHandshake, err)
	}

	serverRef, err = ec.serverAuth.result.Wait(ctx)
	if err == nil {
		clientRef, err = ec.clientAuth.result.Wait(ctx)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return nil, nil, ErrHandshakeTimeout
	case err != nil:
		return nil, nil, fmt.Errorf("%w: validate: %w", ErrHandshake, err)
	}
	return serverRef, clientRef, nil
}

func (ec *EndpointConnection) abort(err error) {
	ec.serverAuth.cancel(err)
	ec.clientAuth.cancel(err)

	// A side may have been verified before we gave up.
	for _, v := range []*validator{ec.serverAuth, ec.clientAuth} {
		if p, verr, ok := v.result.Result(); ok && verr == nil {
			p.Destroy()
		}
	}
	for _, ep := range []*Endpoint{ec.server, ec.client} {
		if ctl, ok := ep.ctl.Peek(); ok {
			ctl.AbortConnection(ec.connID)
		}
	}

	if ec.ctx.Err() == nil {
		ec.logger.Warn("endpoint connection failed", telemetry.LabelError.L(err))
		ec.net.msink.IncrCounterWithLabels(
			MetricHandshakeErrorCount,
			1.0,
			telemetry.With(ec.net.mLabels, telemetry.LabelError.M(handshakeReason(err))),
		)
	}

	ec.serverProto.ref.Fail(err)
	ec.clientProto.ref.Fail(err)
}

func handshakeReason(err error) string {
	switch {
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, errdefs.ErrInvalidKey):
		return "invalid_key"
	case errdefs.IsDead(err):
		return "endpoint_dead"
	default:
		return "unknown"
	}
}

// destroyLocked tears down both protocols and every interface connection
// using them.
func (ec *EndpointConnection) destroyLocked(cause error) {
	if ec.destroyed {
		return
	}
	ec.destroyed = true
	ec.cancel()

	if cause != nil {
		ec.logger.Info("endpoint connection lost", telemetry.LabelError.L(cause))
	} else {
		ec.logger.Debug("destroying endpoint connection")
	}

	ec.net.endpointConnectionRemovedLocked(ec)
	ec.serverProto.destroyLocked()
	ec.clientProto.destroyLocked()
}
