package network

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/frame"
	"github.com/raskyld/rce/pkg/proxy"
	"github.com/raskyld/rce/pkg/telemetry"
)

// Control is the set of operations the broker issues against an endpoint
// process, *endpoint.Endpoint implements it.
type Control interface {
	Addr() string
	PrepareConnection(connID frame.ConnID, key frame.Key, auth endpoint.Authenticator) error
	Connect(ctx context.Context, connID frame.ConnID, addr string) error
	AbortConnection(connID frame.ConnID)
	Loopback() (*endpoint.Loopback, error)
	CreateNamespace(tag string) (*endpoint.Namespace, error)
	Namespace(tag string) (*endpoint.Namespace, bool)
	CreateInterface(nsTag string, uid uuid.UUID, spec endpoint.InterfaceSpec) (*endpoint.Interface, error)
	Close() error
}

var _ Control = (*endpoint.Endpoint)(nil)

// Endpoint is the broker-side view of an endpoint process.
type Endpoint struct {
	net    *Network
	id     uint64
	tag    string
	logger *slog.Logger
	ctl    *proxy.Proxy[Control]

	// guarded by net.mu
	destroyed  bool
	interfaces map[*Interface]map[*InterfaceConnection]struct{}
	protocols  map[*Protocol]map[*InterfaceConnection]struct{}
	loopback   *Protocol
	conns      map[*EndpointConnection]struct{}
}

func newEndpoint(n *Network, id uint64, tag string) *Endpoint {
	logger := n.logger.With(telemetry.LabelEndpoint.L(tag))
	ep := &Endpoint{
		net:        n,
		id:         id,
		tag:        tag,
		logger:     logger,
		interfaces: make(map[*Interface]map[*InterfaceConnection]struct{}),
		protocols:  make(map[*Protocol]map[*InterfaceConnection]struct{}),
		conns:      make(map[*EndpointConnection]struct{}),
	}
	ep.ctl = proxy.New(
		proxy.WithName[Control]("endpoint/"+tag),
		proxy.WithLogger[Control](logger),
		proxy.WithDestroy(func(ctl Control) error {
			return ctl.Close()
		}),
	)
	ep.ctl.NotifyOnDeath(func() {
		n.async(func() { n.DestroyEndpoint(ep) })
	})
	return ep
}

func (ep *Endpoint) Tag() string {
	return ep.tag
}

// Control returns the proxy of the endpoint process.
func (ep *Endpoint) Control() *proxy.Proxy[Control] {
	return ep.ctl
}

// Bind provides the running endpoint process, queued operations are
// replayed against it.
func (ep *Endpoint) Bind(ctl Control) {
	ep.ctl.Resolve(ctl)
}

// Fail reports that the endpoint process could not be started.
func (ep *Endpoint) Fail(err error) {
	ep.ctl.Fail(err)
}

func (ep *Endpoint) Destroy() {
	ep.net.DestroyEndpoint(ep)
}

// CreateInterface asks the endpoint process for a new interface in the
// namespace nsTag.
//
// An error is returned right away if the endpoint process is running and
// refused the interface, otherwise the failure shows on the proxy of the
// returned Interface.
func (ep *Endpoint) CreateInterface(nsTag string, spec endpoint.InterfaceSpec) (*Interface, error) {
	n := ep.net
	n.lock()
	if ep.destroyed {
		n.unlock()
		return nil, errdefs.InvalidRequest("endpoint %q is destroyed", ep.tag)
	}
	iface := newInterface(ep, uuid.New(), spec)
	ep.interfaces[iface] = make(map[*InterfaceConnection]struct{})
	n.unlock()

	fut := ep.ctl.Call(func(ctl Control) error {
		ref, err := ctl.CreateInterface(nsTag, iface.uid, spec)
		if err != nil {
			return err
		}
		iface.ref.Resolve(ref)
		return nil
	})
	fut.OnSettle(func(_ struct{}, err error) {
		if err != nil {
			iface.ref.Fail(err)
		}
	})

	if _, err, settled := fut.Result(); settled && err != nil {
		return nil, err
	}
	return iface, nil
}

// DestroyInterface disconnects iface and destroys it in the endpoint
// process.
func (ep *Endpoint) DestroyInterface(iface *Interface) {
	ep.net.lock()
	defer ep.net.unlock()
	iface.destroyLocked()
}

func (ep *Endpoint) loopbackLocked() *Protocol {
	if ep.loopback != nil {
		return ep.loopback
	}

	p := newProtocol(ep, nil)
	ep.loopback = p
	ep.protocols[p] = make(map[*InterfaceConnection]struct{})

	ep.ctl.Call(func(ctl Control) error {
		lo, err := ctl.Loopback()
		if err != nil {
			return err
		}
		p.resolve(lo)
		return nil
	}).OnSettle(func(_ struct{}, err error) {
		if err != nil {
			p.ref.Fail(err)
		}
	})
	return p
}

// interfaceConnectionLocked returns the InterfaceConnection of iface
// through p, creating it if needed.
func (ep *Endpoint) interfaceConnectionLocked(iface *Interface, p *Protocol) *InterfaceConnection {
	if _, ok := ep.protocols[p]; !ok {
		ep.protocols[p] = make(map[*InterfaceConnection]struct{})
	}

	for ic := range ep.interfaces[iface] {
		if _, shared := ep.protocols[p][ic]; shared {
			return ic
		}
	}

	ic := newInterfaceConnection(iface, p)
	ep.interfaces[iface][ic] = struct{}{}
	ep.protocols[p][ic] = struct{}{}
	return ic
}

func (ep *Endpoint) interfaceConnectionRemovedLocked(ic *InterfaceConnection) {
	delete(ep.interfaces[ic.iface], ic)
	if ics, ok := ep.protocols[ic.proto]; ok {
		delete(ics, ic)
		if len(ics) == 0 && ic.proto.ec != nil {
			// The endpoint connection has nothing left to carry.
			ic.proto.ec.destroyLocked(nil)
		}
	}
}

func (ep *Endpoint) protocolRemovedLocked(p *Protocol) {
	ics := ep.protocols[p]
	delete(ep.protocols, p)
	if ep.loopback == p {
		ep.loopback = nil
	}
	for ic := range ics {
		ic.destroyLocked()
	}
}

func (ep *Endpoint) destroyLocked() {
	if ep.destroyed {
		return
	}
	ep.destroyed = true
	ep.logger.Info("destroying endpoint")

	for ec := range ep.conns {
		ec.destroyLocked(nil)
	}
	if ep.loopback != nil {
		ep.loopback.destroyLocked()
	}
	for iface := range ep.interfaces {
		iface.destroyLocked()
	}
	ep.net.endpointRemovedLocked(ep)
	ep.net.later(ep.ctl.Destroy)
}
