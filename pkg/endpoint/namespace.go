package endpoint

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

// NodeSpec describes a process to launch inside a namespace.
type NodeSpec struct {
	Tag  string
	Pkg  string
	Exe  string
	Args []string
	Name string

	// Namespace the node registers itself under, not to be confused with
	// the [Namespace] hosting it.
	Namespace string
}

// NodeRunner launches the nodes of a namespace.
type NodeRunner interface {
	Launch(ctx context.Context, ns string, spec NodeSpec) (Process, error)
}

// Process is a launched node.
type Process interface {
	Stop() error
}

type nopRunner struct{}

type nopProcess struct{}

func (nopRunner) Launch(context.Context, string, NodeSpec) (Process, error) {
	return nopProcess{}, nil
}

func (nopProcess) Stop() error {
	return nil
}

// Namespace groups the interfaces, nodes and parameters of one
// environment hosted by an [Endpoint].
type Namespace struct {
	tag    string
	ep     *Endpoint
	logger *slog.Logger

	lk         sync.Mutex
	destroyed  bool
	interfaces map[string]*Interface
	nodes      map[string]Process
	params     map[string]any
}

func newNamespace(ep *Endpoint, tag string) *Namespace {
	return &Namespace{
		tag:        tag,
		ep:         ep,
		logger:     ep.logger.With(telemetry.LabelNamespace.L(tag)),
		interfaces: make(map[string]*Interface),
		nodes:      make(map[string]Process),
		params:     make(map[string]any),
	}
}

func (ns *Namespace) Tag() string {
	return ns.tag
}

func (ns *Namespace) Endpoint() *Endpoint {
	return ns.ep
}

func (ns *Namespace) createInterface(uid uuid.UUID, spec InterfaceSpec) (*Interface, error) {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	if ns.destroyed {
		return nil, errdefs.InvalidRequest("namespace %q is destroyed", ns.tag)
	}
	if _, dup := ns.interfaces[spec.Tag]; dup {
		return nil, errdefs.InvalidRequest("interface %q already exists in %q", spec.Tag, ns.tag)
	}
	iface := newInterface(ns, uid, spec)
	ns.interfaces[spec.Tag] = iface
	return iface, nil
}

// Interface returns the interface tagged tag.
func (ns *Namespace) Interface(tag string) (*Interface, bool) {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	iface, ok := ns.interfaces[tag]
	return iface, ok
}

func (ns *Namespace) Interfaces() []*Interface {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	return slices.Collect(maps.Values(ns.interfaces))
}

func (ns *Namespace) interfaceDestroyed(iface *Interface) {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	if ns.interfaces[iface.Tag()] == iface {
		delete(ns.interfaces, iface.Tag())
	}
}

// AddNode launches a node through the [NodeRunner] of the endpoint.
func (ns *Namespace) AddNode(ctx context.Context, spec NodeSpec) error {
	ns.lk.Lock()
	if ns.destroyed {
		ns.lk.Unlock()
		return errdefs.InvalidRequest("namespace %q is destroyed", ns.tag)
	}
	if _, dup := ns.nodes[spec.Tag]; dup {
		ns.lk.Unlock()
		return errdefs.InvalidRequest("node %q already exists in %q", spec.Tag, ns.tag)
	}
	// Reserve the tag while the node launches.
	ns.nodes[spec.Tag] = nil
	ns.lk.Unlock()

	proc, err := ns.ep.cfg.runner.Launch(ctx, ns.tag, spec)

	ns.lk.Lock()
	defer ns.lk.Unlock()
	if err != nil {
		delete(ns.nodes, spec.Tag)
		return err
	}
	if ns.destroyed {
		delete(ns.nodes, spec.Tag)
		return proc.Stop()
	}
	ns.nodes[spec.Tag] = proc
	ns.logger.Info("node launched", "node", spec.Tag, "pkg", spec.Pkg, "exe", spec.Exe)
	return nil
}

func (ns *Namespace) RemoveNode(tag string) error {
	ns.lk.Lock()
	proc, ok := ns.nodes[tag]
	if !ok || proc == nil {
		ns.lk.Unlock()
		return errdefs.InvalidRequest("node %q does not exist in %q", tag, ns.tag)
	}
	delete(ns.nodes, tag)
	ns.lk.Unlock()
	return proc.Stop()
}

func (ns *Namespace) SetParameter(name string, value any) error {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	if ns.destroyed {
		return errdefs.InvalidRequest("namespace %q is destroyed", ns.tag)
	}
	if _, dup := ns.params[name]; dup {
		return errdefs.InvalidRequest("parameter %q already exists in %q", name, ns.tag)
	}
	ns.params[name] = value
	return nil
}

func (ns *Namespace) Parameter(name string) (any, bool) {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	v, ok := ns.params[name]
	return v, ok
}

func (ns *Namespace) RemoveParameter(name string) error {
	ns.lk.Lock()
	defer ns.lk.Unlock()
	if _, ok := ns.params[name]; !ok {
		return errdefs.InvalidRequest("parameter %q does not exist in %q", name, ns.tag)
	}
	delete(ns.params, name)
	return nil
}

// Destroy stops the nodes and destroys the interfaces of the namespace.
func (ns *Namespace) Destroy() error {
	ns.lk.Lock()
	if ns.destroyed {
		ns.lk.Unlock()
		return nil
	}
	ns.destroyed = true
	ifaces := slices.Collect(maps.Values(ns.interfaces))
	nodes := ns.nodes
	ns.nodes = nil
	ns.params = nil
	ns.lk.Unlock()

	for _, iface := range ifaces {
		iface.Destroy()
	}
	for tag, proc := range nodes {
		if proc == nil {
			continue
		}
		if err := proc.Stop(); err != nil {
			ns.logger.Warn("failed to stop node", "node", tag, telemetry.LabelError.L(err))
		}
	}
	ns.ep.namespaceDestroyed(ns)
	return nil
}
