package network

import (
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/proxy"
)

// Protocol is the broker-side handle of a protocol of an endpoint, either
// its loopback or one side of an [EndpointConnection].
type Protocol struct {
	ep      *Endpoint
	ec      *EndpointConnection
	ref     *proxy.Proxy[endpoint.Protocol]
	closeCh chan struct{}

	// guarded by net.mu
	destroyed bool
}

func newProtocol(ep *Endpoint, ec *EndpointConnection) *Protocol {
	name := "loopback/" + ep.tag
	if ec != nil {
		name = "protocol/" + ep.tag + "/" + ec.connID.String()
	}

	p := &Protocol{
		ep:      ep,
		ec:      ec,
		closeCh: make(chan struct{}),
	}
	p.ref = proxy.New(
		proxy.WithName[endpoint.Protocol](name),
		proxy.WithLogger[endpoint.Protocol](ep.logger),
		proxy.WithDestroy(func(ref endpoint.Protocol) error {
			return ref.Destroy()
		}),
	)
	p.ref.NotifyOnDeath(func() {
		ep.net.async(func() { ep.net.protocolDied(p) })
	})
	return p
}

// Ref returns the proxy of the protocol in the endpoint process.
func (p *Protocol) Ref() *proxy.Proxy[endpoint.Protocol] {
	return p.ref
}

func (p *Protocol) Endpoint() *Endpoint {
	return p.ep
}

func (p *Protocol) IsLoopback() bool {
	return p.ec == nil
}

// resolve provides the protocol and watches its transport.
func (p *Protocol) resolve(ref endpoint.Protocol) {
	p.ref.Resolve(ref)
	go func() {
		select {
		case <-ref.Done():
			p.ref.Disconnected(errdefs.ErrConnectionLost)
		case <-p.closeCh:
		case <-p.ep.net.ctx.Done():
		}
	}()
}

func (p *Protocol) destroyLocked() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	close(p.closeCh)
	p.ep.protocolRemovedLocked(p)
	p.ep.net.later(p.ref.Destroy)
}

func (n *Network) protocolDied(p *Protocol) {
	n.lock()
	defer n.unlock()
	if p.destroyed {
		return
	}
	p.ep.logger.Debug("protocol died", "protocol", p.ref.Err())
	if p.ec != nil {
		p.ec.destroyLocked(p.ref.Err())
		return
	}
	p.destroyLocked()
}
