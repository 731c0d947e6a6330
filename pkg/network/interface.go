package network

import (
	"github.com/google/uuid"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/proxy"
)

// Interface is the broker-side handle of an interface of an endpoint.
type Interface struct {
	ep   *Endpoint
	uid  uuid.UUID
	tag  string
	kind endpoint.Kind
	ref  *proxy.Proxy[*endpoint.Interface]

	// guarded by net.mu
	destroyed bool
}

func newInterface(ep *Endpoint, uid uuid.UUID, spec endpoint.InterfaceSpec) *Interface {
	iface := &Interface{
		ep:   ep,
		uid:  uid,
		tag:  spec.Tag,
		kind: spec.Kind,
	}
	iface.ref = proxy.New(
		proxy.WithName[*endpoint.Interface]("interface/"+ep.tag+"/"+spec.Tag),
		proxy.WithLogger[*endpoint.Interface](ep.logger),
		proxy.WithDestroy(func(ref *endpoint.Interface) error {
			return ref.Destroy()
		}),
	)
	iface.ref.NotifyOnDeath(func() {
		ep.net.async(func() { ep.DestroyInterface(iface) })
	})
	return iface
}

func (i *Interface) UID() uuid.UUID {
	return i.uid
}

func (i *Interface) Tag() string {
	return i.tag
}

func (i *Interface) Kind() endpoint.Kind {
	return i.kind
}

func (i *Interface) Endpoint() *Endpoint {
	return i.ep
}

// Ref returns the proxy of the interface in the endpoint process.
func (i *Interface) Ref() *proxy.Proxy[*endpoint.Interface] {
	return i.ref
}

func (i *Interface) Destroy() {
	i.ep.DestroyInterface(i)
}

func (i *Interface) destroyLocked() {
	if i.destroyed {
		return
	}
	i.destroyed = true

	for ic := range i.ep.interfaces[i] {
		ic.destroyLocked()
	}
	delete(i.ep.interfaces, i)
	i.ep.net.later(i.ref.Destroy)
}
