package network

import (
	"context"

	"github.com/google/uuid"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/proxy"
	"github.com/raskyld/rce/pkg/telemetry"
)

// InterfaceConnection binds an interface to a protocol of its endpoint.
// It lives as long as one [Connection] uses it.
type InterfaceConnection struct {
	iface *Interface
	proto *Protocol

	// guarded by net.mu, users maps a Connection to the UID of the
	// remote interface it registered.
	users     map[*Connection]uuid.UUID
	destroyed bool
}

func newInterfaceConnection(iface *Interface, proto *Protocol) *InterfaceConnection {
	return &InterfaceConnection{
		iface: iface,
		proto: proto,
		users: make(map[*Connection]uuid.UUID),
	}
}

func (ic *InterfaceConnection) Interface() *Interface {
	return ic.iface
}

func (ic *InterfaceConnection) Protocol() *Protocol {
	return ic.proto
}

// Users returns the number of connections using ic.
func (ic *InterfaceConnection) Users() int {
	n := ic.iface.ep.net
	n.lock()
	defer n.unlock()
	return len(ic.users)
}

func (ic *InterfaceConnection) Destroyed() bool {
	n := ic.iface.ep.net
	n.lock()
	defer n.unlock()
	return ic.destroyed
}

func (ic *InterfaceConnection) hasRemote(remoteID uuid.UUID) bool {
	for _, id := range ic.users {
		if id == remoteID {
			return true
		}
	}
	return false
}

// addUserLocked registers remoteID on the interface in the endpoint
// process.
func (ic *InterfaceConnection) addUserLocked(conn *Connection, remoteID uuid.UUID) *proxy.Future {
	ic.users[conn] = remoteID
	return proxy.Call2(ic.iface.ref, ic.proto.ref, func(i *endpoint.Interface, p endpoint.Protocol) error {
		return i.Connect(p, remoteID)
	})
}

func (ic *InterfaceConnection) disconnectLocked(remoteID uuid.UUID) {
	proxy.Call2(ic.iface.ref, ic.proto.ref, func(i *endpoint.Interface, p endpoint.Protocol) error {
		return i.Disconnect(p, remoteID)
	}).OnSettle(ic.iface.ep.net.logFailure(
		"disconnect failed",
		telemetry.LabelInterface.L(ic.iface.tag),
		telemetry.LabelRemoteID.L(remoteID),
	))
}

func (ic *InterfaceConnection) removeUserLocked(conn *Connection) {
	remoteID, ok := ic.users[conn]
	if !ok {
		return
	}
	delete(ic.users, conn)
	if ic.destroyed {
		return
	}
	ic.disconnectLocked(remoteID)
	if len(ic.users) == 0 {
		ic.destroyLocked()
	}
}

// destroyLocked disconnects every remaining user, destroying their
// connections.
func (ic *InterfaceConnection) destroyLocked() {
	if ic.destroyed {
		return
	}
	ic.destroyed = true

	users := ic.users
	ic.users = make(map[*Connection]uuid.UUID)
	for conn, remoteID := range users {
		ic.disconnectLocked(remoteID)
		conn.destroyLocked()
	}
	ic.iface.ep.interfaceConnectionRemovedLocked(ic)
}

// Connection links two interfaces, possibly of different endpoints.
type Connection struct {
	net    *Network
	a, b   *InterfaceConnection
	readyA *proxy.Future
	readyB *proxy.Future

	// guarded by net.mu
	destroyed bool
	listeners map[proxy.Registration]func()
	nextReg   proxy.Registration
}

// newConnection registers each interface on the other, the caller holds
// net.mu.
func newConnection(n *Network, a, b *InterfaceConnection) *Connection {
	conn := &Connection{
		net:       n,
		a:         a,
		b:         b,
		listeners: make(map[proxy.Registration]func()),
	}
	conn.readyA = a.addUserLocked(conn, b.iface.uid)
	conn.readyB = b.addUserLocked(conn, a.iface.uid)
	return conn
}

// Interfaces returns both linked interfaces.
func (c *Connection) Interfaces() (*Interface, *Interface) {
	return c.a.iface, c.b.iface
}

// InterfaceConnections returns the bindings used by both sides.
func (c *Connection) InterfaceConnections() (*InterfaceConnection, *InterfaceConnection) {
	return c.a, c.b
}

// Wait blocks until both interfaces were registered on each other.
func (c *Connection) Wait(ctx context.Context) error {
	if _, err := c.readyA.Wait(ctx); err != nil {
		return err
	}
	_, err := c.readyB.Wait(ctx)
	return err
}

func (c *Connection) Dead() bool {
	c.net.lock()
	defer c.net.unlock()
	return c.destroyed
}

// NotifyOnDeath registers cb to be called once the Connection is
// destroyed, for any reason.
func (c *Connection) NotifyOnDeath(cb func()) (proxy.Registration, error) {
	c.net.lock()
	defer c.net.unlock()
	if c.destroyed {
		return 0, errdefs.ErrAlreadyDead
	}
	c.nextReg++
	c.listeners[c.nextReg] = cb
	return c.nextReg, nil
}

func (c *Connection) DontNotifyOnDeath(reg proxy.Registration) {
	c.net.lock()
	defer c.net.unlock()
	delete(c.listeners, reg)
}

// Destroy unregisters both interfaces from each other. It is a no-op on
// a destroyed Connection.
func (c *Connection) Destroy() {
	c.net.lock()
	defer c.net.unlock()
	c.destroyLocked()
}

func (c *Connection) destroyLocked() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.net.connectionRemovedLocked()

	c.a.removeUserLocked(c)
	c.b.removeUserLocked(c)

	listeners := c.listeners
	c.listeners = nil
	for _, cb := range listeners {
		c.net.later(cb)
	}
}
