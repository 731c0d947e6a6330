package rce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/network"
	"github.com/raskyld/rce/pkg/placement"
	"github.com/raskyld/rce/pkg/proxy"
	"github.com/raskyld/rce/pkg/robot"
	"github.com/raskyld/rce/pkg/telemetry"
)

type userEndpoint struct {
	tag string
	ep  *network.Endpoint

	// exactly one of them is set
	container *placement.Container
	session   *robot.Session
}

func (ue *userEndpoint) kind() string {
	if ue.session != nil {
		return "robot"
	}
	return "container"
}

// connKey does not depend on the order of the tags.
type connKey struct {
	a, b string
}

func newConnKey(tagA, tagB string) connKey {
	if tagB < tagA {
		tagA, tagB = tagB, tagA
	}
	return connKey{tagA, tagB}
}

// User issues the requests of one user. Its endpoints, interfaces and
// connections are only visible to itself.
type User struct {
	m       *Master
	id      string
	logger  *slog.Logger
	mLabels []metrics.Label

	lk        sync.Mutex
	closed    bool
	endpoints map[string]*userEndpoint

	// interfaces maps endpointTag/interfaceTag to *network.Interface, a
	// nil entry is an interface being created.
	interfaces *iradix.Tree
	conns      map[connKey]*network.Connection
}

var _ robot.Commands = (*User)(nil)

func newUser(m *Master, userID string) *User {
	return &User{
		m:          m,
		id:         userID,
		logger:     m.logger.With(telemetry.LabelUser.L(userID)),
		mLabels:    telemetry.With(m.mLabels, telemetry.LabelUser.M(userID)),
		endpoints:  make(map[string]*userEndpoint),
		interfaces: iradix.New(),
		conns:      make(map[connKey]*network.Connection),
	}
}

func (u *User) ID() string {
	return u.id
}

// CreateContainer places a new container and starts its provisioning,
// the requests targeting it are queued until it runs.
func (u *User) CreateContainer(ctx context.Context, tag string, req placement.Request) (err error) {
	defer u.observe("create_container", &err)
	if !ValidateTag(tag) {
		return errdefs.InvalidRequest("invalid container tag %q", tag)
	}

	u.lk.Lock()
	if u.closed {
		u.lk.Unlock()
		return ErrClosed
	}
	if _, dup := u.endpoints[tag]; dup {
		u.lk.Unlock()
		return errdefs.InvalidRequest("endpoint %q already exists", tag)
	}

	uid := uuid.NewString()
	c, err := u.m.lb.CreateContainer(uid, u.id, req)
	if err != nil {
		u.lk.Unlock()
		return err
	}
	ep, err := u.m.net.AddEndpoint(uid)
	if err != nil {
		u.m.lb.DestroyContainer(c)
		u.lk.Unlock()
		return err
	}
	ue := &userEndpoint{tag: tag, ep: ep, container: c}
	u.endpoints[tag] = ue
	u.lk.Unlock()

	if machine := c.Machine(); machine != nil {
		u.logger.Info(
			"container placed",
			telemetry.LabelContainer.L(uid),
			telemetry.LabelMachine.L(machine.Name()),
			"tag", tag,
		)
	}

	u.watch(ue)
	if !u.m.spawn(func() { u.provision(context.WithoutCancel(ctx), ue) }) {
		ep.Fail(ErrClosed)
		return ErrClosed
	}
	return nil
}

func (u *User) provision(ctx context.Context, ue *userEndpoint) {
	ctx, cancel := context.WithTimeout(ctx, u.m.cfg.provisionTimeout)
	defer cancel()
	stop := context.AfterFunc(u.m.ctx, cancel)
	defer stop()

	start := time.Now()
	logger := u.logger.With(telemetry.LabelContainer.L(ue.container.UID()))

	ctl, err := u.m.cfg.provisioner.Provision(ctx, ue.container)
	if err == nil {
		if _, err = ctl.CreateNamespace(ue.tag); err != nil {
			ctl.Close()
		}
	}
	if err == nil {
		if err = u.m.lb.StartContainer(ue.container); err != nil {
			ctl.Close()
		}
	}
	if err != nil {
		logger.Warn("failed to provision container", telemetry.LabelError.L(err))
		u.m.msink.IncrCounterWithLabels(MetricProvisionErrorCount, 1.0, u.mLabels)
		if !errors.Is(err, errdefs.ErrContainerProcess) {
			err = fmt.Errorf("%w: %w", errdefs.ErrContainerProcess, err)
		}
		ue.ep.Fail(err)
		return
	}

	ue.ep.Bind(ctl)
	u.m.msink.MeasureSinceWithLabels(MetricProvisionDuration, start, u.mLabels)
	logger.Info("container started", telemetry.LabelDuration.L(time.Since(start)))
}

// watch cleans up after ue once its endpoint process is gone, for any
// reason.
func (u *User) watch(ue *userEndpoint) {
	_, err := ue.ep.Control().NotifyOnDeath(func() { u.endpointDied(ue) })
	if errors.Is(err, errdefs.ErrAlreadyDead) {
		u.endpointDied(ue)
	}
}

func (u *User) endpointDied(ue *userEndpoint) {
	prefix := []byte(ue.tag + "/")

	u.lk.Lock()
	if u.endpoints[ue.tag] == ue {
		delete(u.endpoints, ue.tag)
	}
	u.interfaces, _ = u.interfaces.DeletePrefix(prefix)
	u.gaugeLocked()
	u.lk.Unlock()

	if ue.container != nil {
		u.m.lb.DestroyContainer(ue.container)
	}
	if ue.session != nil {
		ue.session.Close()
		u.m.robotDetached()
	}
	u.logger.Info("endpoint removed", "tag", ue.tag, "kind", ue.kind())
}

func (u *User) DestroyContainer(tag string) (err error) {
	defer u.observe("destroy_container", &err)
	ue, err := u.lookupEndpoint(tag)
	if err != nil {
		return err
	}
	if ue.container == nil {
		return errdefs.InvalidRequest("endpoint %q is not a container", tag)
	}
	ue.ep.Destroy()
	return nil
}

// containerLost tells whether the container uid belonged to the user.
func (u *User) containerLost(uid string) bool {
	u.lk.Lock()
	var lost *userEndpoint
	for _, ue := range u.endpoints {
		if ue.container != nil && ue.container.UID() == uid {
			lost = ue
			break
		}
	}
	u.lk.Unlock()

	if lost == nil {
		return false
	}
	lost.ep.Destroy()
	return true
}

// AttachRobot registers a robot hosted by ctl and driven by client. The
// robot is removed with [User.DetachRobot], or when ctl dies.
func (u *User) AttachRobot(tag string, ctl network.Control, client robot.ClientWriter) (s *robot.Session, err error) {
	defer u.observe("attach_robot", &err)
	if !ValidateTag(tag) {
		return nil, errdefs.InvalidRequest("invalid robot tag %q", tag)
	}

	u.lk.Lock()
	if u.closed {
		u.lk.Unlock()
		return nil, ErrClosed
	}
	if _, dup := u.endpoints[tag]; dup {
		u.lk.Unlock()
		return nil, errdefs.InvalidRequest("endpoint %q already exists", tag)
	}

	ns, ok := ctl.Namespace(tag)
	if !ok {
		ns, err = ctl.CreateNamespace(tag)
		if err != nil {
			u.lk.Unlock()
			return nil, err
		}
	}
	s, err = robot.NewSession(ns, client, u, u.m.cfg.robotOpts...)
	if err != nil {
		u.lk.Unlock()
		return nil, err
	}
	ep, err := u.m.net.AttachEndpoint("robot/"+u.id+"/"+tag, ctl)
	if err != nil {
		u.lk.Unlock()
		s.Close()
		return nil, err
	}
	ue := &userEndpoint{tag: tag, ep: ep, session: s}
	u.endpoints[tag] = ue
	u.lk.Unlock()

	u.m.robotAttached()
	u.watch(ue)
	u.logger.Info("robot attached", "tag", tag)
	return s, nil
}

func (u *User) DetachRobot(tag string) (err error) {
	defer u.observe("detach_robot", &err)
	ue, err := u.lookupEndpoint(tag)
	if err != nil {
		return err
	}
	if ue.session == nil {
		return errdefs.InvalidRequest("endpoint %q is not a robot", tag)
	}
	ue.ep.Destroy()
	return nil
}

// AddNode launches a node in the container epTag.
//
// The error of a container still being provisioned is only logged.
func (u *User) AddNode(ctx context.Context, epTag string, node endpoint.NodeSpec) (err error) {
	defer u.observe("add_node", &err)
	if !ValidateTag(node.Tag) {
		return errdefs.InvalidRequest("invalid node tag %q", node.Tag)
	}
	if node.Pkg == "" || node.Exe == "" {
		return errdefs.InvalidRequest("node %q needs a package and an executable", node.Tag)
	}
	ctx = context.WithoutCancel(ctx)
	return u.callNamespace(epTag, "add node", func(ns *endpoint.Namespace) error {
		return ns.AddNode(ctx, node)
	})
}

func (u *User) RemoveNode(epTag, nodeTag string) (err error) {
	defer u.observe("remove_node", &err)
	return u.callNamespace(epTag, "remove node", func(ns *endpoint.Namespace) error {
		return ns.RemoveNode(nodeTag)
	})
}

func (u *User) AddParameter(epTag, name string, value any) (err error) {
	defer u.observe("add_parameter", &err)
	if name == "" {
		return errdefs.InvalidRequest("empty parameter name")
	}
	return u.callNamespace(epTag, "add parameter", func(ns *endpoint.Namespace) error {
		return ns.SetParameter(name, value)
	})
}

func (u *User) RemoveParameter(epTag, name string) (err error) {
	defer u.observe("remove_parameter", &err)
	return u.callNamespace(epTag, "remove parameter", func(ns *endpoint.Namespace) error {
		return ns.RemoveParameter(name)
	})
}

// callNamespace runs fn against the namespace of the container epTag,
// once its process is running.
func (u *User) callNamespace(epTag, what string, fn func(*endpoint.Namespace) error) error {
	ue, err := u.lookupEndpoint(epTag)
	if err != nil {
		return err
	}
	if ue.container == nil {
		return errdefs.InvalidRequest("endpoint %q is not a container", epTag)
	}

	fut := ue.ep.Control().Call(func(ctl network.Control) error {
		ns, ok := ctl.Namespace(epTag)
		if !ok {
			return errdefs.Internal("namespace %q is missing from its endpoint", epTag)
		}
		return fn(ns)
	})
	return u.settled(fut, what, epTag)
}

// settled returns the error of fut if it already failed, later failures
// are logged.
func (u *User) settled(fut *proxy.Future, what, tag string) error {
	if _, err, done := fut.Result(); done {
		return err
	}
	fut.OnSettle(func(_ struct{}, err error) {
		if err != nil {
			u.logger.Warn("deferred request failed", "request", what, "tag", tag, telemetry.LabelError.L(err))
		}
	})
	return nil
}

// AddInterface creates an interface in the endpoint epTag. Interfaces of
// a robot are served by its client.
func (u *User) AddInterface(epTag string, spec endpoint.InterfaceSpec) (err error) {
	defer u.observe("add_interface", &err)
	if !ValidateTag(spec.Tag) {
		return errdefs.InvalidRequest("invalid interface tag %q", spec.Tag)
	}
	if spec.Kind == endpoint.KindUnspecified {
		return errdefs.InvalidRequest("interface %q has no kind", spec.Tag)
	}
	key := []byte(epTag + "/" + spec.Tag)

	u.lk.Lock()
	ue, ok := u.endpoints[epTag]
	if !ok {
		u.lk.Unlock()
		return errdefs.InvalidRequest("endpoint %q does not exist", epTag)
	}
	if _, dup := u.interfaces.Get(key); dup {
		u.lk.Unlock()
		return errdefs.InvalidRequest("interface %q already exists", string(key))
	}
	u.interfaces, _, _ = u.interfaces.Insert(key, (*network.Interface)(nil))
	u.lk.Unlock()

	if ue.session != nil {
		spec = ue.session.Spec(spec)
	}
	iface, err := ue.ep.CreateInterface(epTag, spec)

	u.lk.Lock()
	if err == nil && u.endpoints[epTag] != ue {
		err = errdefs.InvalidRequest("endpoint %q was destroyed", epTag)
	}
	if err != nil {
		u.interfaces, _, _ = u.interfaces.Delete(key)
		u.lk.Unlock()
		if iface != nil {
			iface.Destroy()
		}
		return err
	}
	u.interfaces, _, _ = u.interfaces.Insert(key, iface)
	u.gaugeLocked()
	u.lk.Unlock()

	_, err = iface.Ref().NotifyOnDeath(func() { u.interfaceDied(key, iface) })
	if errors.Is(err, errdefs.ErrAlreadyDead) {
		u.interfaceDied(key, iface)
	}
	return nil
}

func (u *User) interfaceDied(key []byte, iface *network.Interface) {
	u.lk.Lock()
	defer u.lk.Unlock()
	if v, ok := u.interfaces.Get(key); ok && v.(*network.Interface) == iface {
		u.interfaces, _, _ = u.interfaces.Delete(key)
		u.gaugeLocked()
	}
}

func (u *User) RemoveInterface(tag string) (err error) {
	defer u.observe("remove_interface", &err)
	key := []byte(tag)

	u.lk.Lock()
	iface, err := u.interfaceLocked(tag)
	if err != nil {
		u.lk.Unlock()
		return err
	}
	u.interfaces, _, _ = u.interfaces.Delete(key)
	u.gaugeLocked()
	u.lk.Unlock()

	iface.Destroy()
	return nil
}

// Interfaces returns the tags of the interfaces of the endpoint epTag.
func (u *User) Interfaces(epTag string) []string {
	u.lk.Lock()
	tree := u.interfaces
	u.lk.Unlock()

	var tags []string
	tree.Root().WalkPrefix([]byte(epTag+"/"), func(k []byte, v interface{}) bool {
		if v.(*network.Interface) != nil {
			tags = append(tags, string(k))
		}
		return false
	})
	return tags
}

// AddConnection links the interfaces tagA and tagB, their kinds must
// complement each other.
func (u *User) AddConnection(tagA, tagB string) (err error) {
	defer u.observe("add_connection", &err)
	key := newConnKey(tagA, tagB)

	u.lk.Lock()
	a, err := u.interfaceLocked(tagA)
	if err != nil {
		u.lk.Unlock()
		return err
	}
	b, err := u.interfaceLocked(tagB)
	if err != nil {
		u.lk.Unlock()
		return err
	}
	if !a.Kind().Complements(b.Kind()) {
		u.lk.Unlock()
		return errdefs.InvalidRequest(
			"cannot connect %q (%s) to %q (%s)",
			tagA, a.Kind(), tagB, b.Kind(),
		)
	}
	if _, dup := u.conns[key]; dup {
		u.lk.Unlock()
		return errdefs.InvalidRequest("%q and %q are already connected", tagA, tagB)
	}
	u.conns[key] = nil
	u.lk.Unlock()

	conn, err := u.m.net.CreateConnection(a, b)

	u.lk.Lock()
	if err != nil {
		delete(u.conns, key)
		u.lk.Unlock()
		return err
	}
	u.conns[key] = conn
	u.gaugeLocked()
	u.lk.Unlock()

	_, err = conn.NotifyOnDeath(func() { u.connectionDied(key, conn) })
	if errors.Is(err, errdefs.ErrAlreadyDead) {
		u.connectionDied(key, conn)
	}
	return nil
}

func (u *User) connectionDied(key connKey, conn *network.Connection) {
	u.lk.Lock()
	defer u.lk.Unlock()
	if u.conns[key] == conn {
		delete(u.conns, key)
		u.gaugeLocked()
	}
}

func (u *User) RemoveConnection(tagA, tagB string) (err error) {
	defer u.observe("remove_connection", &err)
	key := newConnKey(tagA, tagB)

	u.lk.Lock()
	conn := u.conns[key]
	if conn == nil {
		u.lk.Unlock()
		return errdefs.InvalidRequest("%q and %q are not connected", tagA, tagB)
	}
	delete(u.conns, key)
	u.gaugeLocked()
	u.lk.Unlock()

	conn.Destroy()
	return nil
}

// Connection returns the link between tagA and tagB.
func (u *User) Connection(tagA, tagB string) (*network.Connection, bool) {
	u.lk.Lock()
	defer u.lk.Unlock()
	conn := u.conns[newConnKey(tagA, tagB)]
	return conn, conn != nil
}

// Endpoint returns the broker-side endpoint of the container or robot tag.
func (u *User) Endpoint(tag string) (*network.Endpoint, bool) {
	u.lk.Lock()
	defer u.lk.Unlock()
	ue, ok := u.endpoints[tag]
	if !ok {
		return nil, false
	}
	return ue.ep, true
}

func (u *User) Container(tag string) (*placement.Container, bool) {
	u.lk.Lock()
	defer u.lk.Unlock()
	ue, ok := u.endpoints[tag]
	if !ok || ue.container == nil {
		return nil, false
	}
	return ue.container, true
}

func (u *User) Interface(tag string) (*network.Interface, bool) {
	u.lk.Lock()
	defer u.lk.Unlock()
	iface, err := u.interfaceLocked(tag)
	return iface, err == nil
}

// Close destroys every endpoint of the user.
func (u *User) Close() {
	u.lk.Lock()
	if u.closed {
		u.lk.Unlock()
		return
	}
	u.closed = true
	endpoints := make([]*userEndpoint, 0, len(u.endpoints))
	for _, ue := range u.endpoints {
		endpoints = append(endpoints, ue)
	}
	u.lk.Unlock()

	for _, ue := range endpoints {
		ue.ep.Destroy()
	}
}

func (u *User) lookupEndpoint(tag string) (*userEndpoint, error) {
	u.lk.Lock()
	defer u.lk.Unlock()
	ue, ok := u.endpoints[tag]
	if !ok {
		return nil, errdefs.InvalidRequest("endpoint %q does not exist", tag)
	}
	return ue, nil
}

// must be called by an holder of the lock
func (u *User) interfaceLocked(tag string) (*network.Interface, error) {
	epTag, ifTag, ok := strings.Cut(tag, "/")
	if !ok || !ValidateTag(epTag) || !ValidateTag(ifTag) {
		return nil, errdefs.InvalidRequest("malformed interface tag %q, expected endpointTag/interfaceTag", tag)
	}
	v, ok := u.interfaces.Get([]byte(tag))
	if !ok || v.(*network.Interface) == nil {
		return nil, errdefs.InvalidRequest("interface %q does not exist", tag)
	}
	return v.(*network.Interface), nil
}

// must be called by an holder of the lock
func (u *User) gaugeLocked() {
	u.m.msink.SetGaugeWithLabels(MetricInterfacesActive, float32(u.interfaces.Len()), u.mLabels)
	u.m.msink.SetGaugeWithLabels(MetricConnectionsActive, float32(len(u.conns)), u.mLabels)
}

func (u *User) observe(request string, err *error) {
	if *err == nil {
		return
	}
	u.logger.Debug("request refused", "request", request, telemetry.LabelError.L(*err))
	u.m.msink.IncrCounterWithLabels(
		MetricRequestErrorCount,
		1.0,
		telemetry.With(u.mLabels, telemetry.LabelResult.M(request)),
	)
}
