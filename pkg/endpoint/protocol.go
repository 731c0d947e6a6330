package endpoint

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

// Protocol carries messages between the interfaces of two endpoints, or
// between interfaces of the same endpoint for a [Loopback].
//
// Inbound messages are dispatched to the interfaces registered for the
// UID of the sender.
type Protocol interface {
	// SendMessage sends msg on behalf of iface. A nil destID lets the
	// remote side deliver it to every interface registered for iface.
	SendMessage(iface *Interface, msg []byte, msgID string, destID *uuid.UUID) error

	// MessageReceived dispatches a message sent by the interface remoteID.
	MessageReceived(remoteID uuid.UUID, msg []byte, msgID string, destID *uuid.UUID)

	// Destroy disconnects every registered interface and releases the
	// underlying transport.
	Destroy() error

	// Done is closed once the Protocol is destroyed.
	Done() <-chan struct{}

	String() string

	registerConnection(iface *Interface, remoteID uuid.UUID) error
	unregisterConnection(iface *Interface, remoteID uuid.UUID)
}

// dispatcher implements the receiver bookkeeping shared by every Protocol.
type dispatcher struct {
	self   Protocol
	logger *slog.Logger

	lk        sync.Mutex
	receivers map[uuid.UUID]map[*Interface]struct{}
	closed    bool
	doneCh    chan struct{}
}

func (d *dispatcher) setup(self Protocol, logger *slog.Logger) {
	d.self = self
	d.logger = logger
	d.receivers = make(map[uuid.UUID]map[*Interface]struct{})
	d.doneCh = make(chan struct{})
}

func (d *dispatcher) registerConnection(iface *Interface, remoteID uuid.UUID) error {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.closed {
		return fmt.Errorf("%w: %s", errdefs.ErrConnectionLost, d.self)
	}

	ifaces, ok := d.receivers[remoteID]
	if !ok {
		ifaces = make(map[*Interface]struct{})
		d.receivers[remoteID] = ifaces
	}
	if _, dup := ifaces[iface]; dup {
		return errdefs.Internal("interface %s already registered for %s on %s", iface.UID(), remoteID, d.self)
	}
	ifaces[iface] = struct{}{}
	return nil
}

func (d *dispatcher) unregisterConnection(iface *Interface, remoteID uuid.UUID) {
	d.lk.Lock()
	defer d.lk.Unlock()
	ifaces, ok := d.receivers[remoteID]
	if !ok {
		return
	}
	delete(ifaces, iface)
	if len(ifaces) == 0 {
		delete(d.receivers, remoteID)
	}
}

func (d *dispatcher) MessageReceived(remoteID uuid.UUID, msg []byte, msgID string, destID *uuid.UUID) {
	d.lk.Lock()
	ifaces := d.receivers[remoteID]
	targets := make([]*Interface, 0, len(ifaces))
	for iface := range ifaces {
		if destID == nil || iface.UID() == *destID {
			targets = append(targets, iface)
		}
	}
	d.lk.Unlock()

	if len(targets) == 0 {
		d.logger.Debug(
			"no receiver for message",
			telemetry.LabelRemoteID.L(remoteID),
			telemetry.LabelMsgID.L(msgID),
		)
		return
	}
	for _, iface := range targets {
		iface.deliver(msg, msgID, d.self, remoteID)
	}
}

// shutdown returns false if the dispatcher was already closed.
func (d *dispatcher) shutdown() bool {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return false
	}
	d.closed = true
	ifaces := make(map[*Interface]struct{})
	for _, set := range d.receivers {
		for iface := range set {
			ifaces[iface] = struct{}{}
		}
	}
	d.receivers = nil
	close(d.doneCh)
	d.lk.Unlock()

	for iface := range ifaces {
		iface.protocolClosed(d.self)
	}
	return true
}

func (d *dispatcher) isClosed() bool {
	d.lk.Lock()
	defer d.lk.Unlock()
	return d.closed
}

func (d *dispatcher) Done() <-chan struct{} {
	return d.doneCh
}

// Loopback connects interfaces living in the same endpoint.
type Loopback struct {
	dispatcher
	ep *Endpoint
}

func newLoopback(ep *Endpoint) *Loopback {
	l := &Loopback{ep: ep}
	l.setup(l, ep.logger.With(telemetry.LabelProtocol.L("loopback")))
	return l
}

func (l *Loopback) SendMessage(iface *Interface, msg []byte, msgID string, destID *uuid.UUID) error {
	if l.isClosed() {
		return fmt.Errorf("%w: %s", errdefs.ErrConnectionLost, l)
	}
	// Receivers own what they get.
	buf := make([]byte, len(msg))
	copy(buf, msg)
	l.MessageReceived(iface.UID(), buf, msgID, destID)
	return nil
}

func (l *Loopback) Destroy() error {
	if l.shutdown() {
		l.ep.loopbackClosed(l)
	}
	return nil
}

func (l *Loopback) String() string {
	return "loopback"
}
