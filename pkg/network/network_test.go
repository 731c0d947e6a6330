package network

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/frame"
	"github.com/stretchr/testify/require"
)

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func newTestNetwork(t *testing.T, opts ...Option) *Network {
	t.Helper()
	opts = append([]Option{
		WithLog(testHandler("network")),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
	n, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// newProcess starts an endpoint process with a namespace "ns".
func newProcess(t *testing.T, name string) *endpoint.Endpoint {
	t.Helper()
	ep, err := endpoint.New(
		endpoint.WithName(name),
		endpoint.WithListenOn("127.0.0.1", 0),
		endpoint.WithLog(testHandler(name)),
		endpoint.WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	_, err = ep.CreateNamespace("ns")
	require.NoError(t, err)
	return ep
}

// recordingControl counts the handshake operations issued to an endpoint.
type recordingControl struct {
	*endpoint.Endpoint
	prepared  atomic.Int32
	connected atomic.Int32
	stall     bool
}

func (c *recordingControl) PrepareConnection(connID frame.ConnID, key frame.Key, auth endpoint.Authenticator) error {
	c.prepared.Add(1)
	return c.Endpoint.PrepareConnection(connID, key, auth)
}

func (c *recordingControl) Connect(ctx context.Context, connID frame.ConnID, addr string) error {
	c.connected.Add(1)
	if c.stall {
		return nil
	}
	return c.Endpoint.Connect(ctx, connID, addr)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustInterface(t *testing.T, ep *Endpoint, tag string, kind endpoint.Kind, onMessage func(endpoint.Message)) *Interface {
	t.Helper()
	iface, err := ep.CreateInterface("ns", endpoint.InterfaceSpec{
		Tag:       tag,
		Kind:      kind,
		OnMessage: onMessage,
	})
	require.NoError(t, err)
	return iface
}

func mustConnect(t *testing.T, n *Network, a, b *Interface) *Connection {
	t.Helper()
	conn, err := n.CreateConnection(a, b)
	require.NoError(t, err)
	require.NoError(t, conn.Wait(testCtx(t)))
	return conn
}

func TestValidator_OnlyOneGuess(t *testing.T) {
	key := frame.Key(randomID())

	v := newValidator(key)
	require.NoError(t, v.VerifyKey(key, nil))
	err := v.VerifyKey(key, nil)
	require.ErrorIs(t, err, errdefs.ErrInvalidKey)
	require.ErrorContains(t, err, "only one guess is possible")

	v = newValidator(key)
	require.ErrorIs(t, v.VerifyKey(frame.Key(randomID()), nil), errdefs.ErrInvalidKey)
	_, err, settled := v.result.Result()
	require.True(t, settled)
	require.ErrorIs(t, err, errdefs.ErrInvalidKey)
	require.ErrorIs(t, v.VerifyKey(key, nil), errdefs.ErrInvalidKey, "even the right key is refused after a guess")
}

func TestNetwork_Deduplication(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)
	y, err := n.AttachEndpoint("y", newProcess(t, "y"))
	require.NoError(t, err)

	a1 := mustInterface(t, x, "a1", endpoint.KindPublisher, nil)
	a2 := mustInterface(t, x, "a2", endpoint.KindPublisher, nil)
	b1 := mustInterface(t, y, "b1", endpoint.KindSubscriber, nil)
	b2 := mustInterface(t, y, "b2", endpoint.KindSubscriber, nil)

	c1 := mustConnect(t, n, a1, b1)
	c2 := mustConnect(t, n, a2, b2)
	c3 := mustConnect(t, n, b2, a1)

	require.Len(t, n.EndpointConnections(x), 1)
	require.Len(t, n.EndpointConnections(y), 1)

	ic1, _ := c1.InterfaceConnections()
	ic2, _ := c2.InterfaceConnections()
	_, ic3 := c3.InterfaceConnections()
	require.Same(t, ic1.Protocol().Ref(), ic2.Protocol().Ref())
	require.Same(t, ic1, ic3, "a1 already has a binding to that protocol")
	require.Equal(t, 2, ic1.Users())
}

func TestNetwork_LoopbackShortcut(t *testing.T) {
	n := newTestNetwork(t)
	ctl := &recordingControl{Endpoint: newProcess(t, "x")}
	x, err := n.AttachEndpoint("x", ctl)
	require.NoError(t, err)

	got := make(chan endpoint.Message, 1)
	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, x, "b", endpoint.KindSubscriber, func(m endpoint.Message) { got <- m })

	conn := mustConnect(t, n, a, b)
	ica, icb := conn.InterfaceConnections()
	require.True(t, ica.Protocol().IsLoopback())
	require.Same(t, ica.Protocol(), icb.Protocol())
	require.Empty(t, n.EndpointConnections(x))
	require.Zero(t, ctl.prepared.Load())
	require.Zero(t, ctl.connected.Load())

	ctx := testCtx(t)
	lo, err := ica.Protocol().Ref().Wait(ctx)
	require.NoError(t, err)
	ref, err := a.Ref().Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, ref.Send([]byte("hello"), "id1", lo, b.UID()))

	select {
	case m := <-got:
		require.Equal(t, "hello", string(m.Body))
	case <-ctx.Done():
		t.Fatal("message not delivered through the loopback")
	}
}

func TestNetwork_ReferenceCounting(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	subs := []*Interface{
		mustInterface(t, x, "b1", endpoint.KindSubscriber, nil),
		mustInterface(t, x, "b2", endpoint.KindSubscriber, nil),
		mustInterface(t, x, "b3", endpoint.KindSubscriber, nil),
	}

	conns := make([]*Connection, 0, len(subs))
	for _, b := range subs {
		conns = append(conns, mustConnect(t, n, a, b))
	}

	shared, _ := conns[0].InterfaceConnections()
	for _, c := range conns[1:] {
		ic, _ := c.InterfaceConnections()
		require.Same(t, shared, ic)
	}
	require.Equal(t, 3, shared.Users())

	ref, err := a.Ref().Wait(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, 3, ref.Connections())

	conns[0].Destroy()
	conns[1].Destroy()
	require.False(t, shared.Destroyed())
	require.Equal(t, 1, shared.Users())
	require.Equal(t, 1, ref.Connections())

	conns[2].Destroy()
	require.True(t, shared.Destroyed())
	require.False(t, ref.Active())

	n.lock()
	_, onInterface := x.interfaces[a][shared]
	_, onProtocol := x.protocols[shared.Protocol()][shared]
	n.unlock()
	require.False(t, onInterface)
	require.False(t, onProtocol)
}

func TestNetwork_EndToEnd(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)
	y, err := n.AttachEndpoint("y", newProcess(t, "y"))
	require.NoError(t, err)

	got := make(chan endpoint.Message, 1)
	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, y, "b", endpoint.KindSubscriber, func(m endpoint.Message) { got <- m })

	conn := mustConnect(t, n, a, b)
	require.Len(t, n.EndpointConnections(x), 1)

	ctx := testCtx(t)
	ica, icb := conn.InterfaceConnections()
	protoA, err := ica.Protocol().Ref().Wait(ctx)
	require.NoError(t, err)
	refA, err := a.Ref().Wait(ctx)
	require.NoError(t, err)
	refB, err := b.Ref().Wait(ctx)
	require.NoError(t, err)

	msg := []byte{0x00, 0x01, 0xFE, 0xFF}
	require.NoError(t, refA.Send(msg, "id1", protoA, b.UID()))
	select {
	case m := <-got:
		require.Equal(t, msg, m.Body)
		require.Equal(t, "id1", m.ID)
		require.Equal(t, a.UID(), m.RemoteID)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}

	conn.Destroy()
	require.True(t, ica.Destroyed())
	require.True(t, icb.Destroyed())
	require.Empty(t, n.EndpointConnections(x))
	require.Empty(t, n.EndpointConnections(y))
	require.Eventually(t, func() bool {
		return !refA.Active() && !refB.Active()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNetwork_HandshakeTimeout(t *testing.T) {
	clk := clock.NewMock()
	n := newTestNetwork(t, WithClock(clk), WithHandshakeTimeout(5*time.Second))
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)
	y, err := n.AttachEndpoint("y", &recordingControl{Endpoint: newProcess(t, "y"), stall: true})
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, y, "b", endpoint.KindSubscriber, nil)

	conn, err := n.CreateConnection(a, b)
	require.NoError(t, err)
	died := make(chan struct{})
	_, err = conn.NotifyOnDeath(func() { close(died) })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case <-died:
			return true
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)

	ica, _ := conn.InterfaceConnections()
	err = ica.Protocol().Ref().Err()
	require.ErrorIs(t, err, errdefs.ErrDeadReference)
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.ErrorIs(t, conn.Wait(testCtx(t)), errdefs.ErrDeadReference)
	require.Eventually(t, func() bool {
		return len(n.EndpointConnections(x)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNetwork_TransportLossDestroysConnections(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)
	yProc := newProcess(t, "y")
	y, err := n.AttachEndpoint("y", yProc)
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, y, "b", endpoint.KindSubscriber, nil)
	conn := mustConnect(t, n, a, b)

	died := make(chan struct{})
	_, err = conn.NotifyOnDeath(func() { close(died) })
	require.NoError(t, err)

	require.NoError(t, yProc.Close())
	select {
	case <-died:
	case <-time.After(10 * time.Second):
		t.Fatal("connection should die with its transport")
	}
	require.Eventually(t, func() bool {
		return len(n.EndpointConnections(x)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNetwork_DestroyEndpointCascades(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)
	y, err := n.AttachEndpoint("y", newProcess(t, "y"))
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, y, "b", endpoint.KindSubscriber, nil)
	conn := mustConnect(t, n, a, b)

	n.DestroyEndpoint(y)
	require.True(t, conn.Dead())
	require.Empty(t, n.EndpointConnections(x))
	_, ok := n.Endpoint("y")
	require.False(t, ok)
	require.True(t, b.Ref().Dead())
	require.True(t, y.Control().Dead())

	refA, err := a.Ref().Wait(testCtx(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !refA.Active() }, 5*time.Second, 10*time.Millisecond)

	_, err = y.CreateInterface("ns", endpoint.InterfaceSpec{Tag: "c", Kind: endpoint.KindPublisher})
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestConnection_DeathNotification(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, x, "b", endpoint.KindSubscriber, nil)
	conn := mustConnect(t, n, a, b)

	notified := 0
	_, err = conn.NotifyOnDeath(func() { notified++ })
	require.NoError(t, err)
	reg, err := conn.NotifyOnDeath(func() { t.Error("unregistered listener called") })
	require.NoError(t, err)
	conn.DontNotifyOnDeath(reg)

	conn.Destroy()
	conn.Destroy()
	require.Equal(t, 1, notified)

	_, err = conn.NotifyOnDeath(func() {})
	require.ErrorIs(t, err, errdefs.ErrAlreadyDead)
}

func TestNetwork_RejectsInvalidConnections(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AttachEndpoint("x", newProcess(t, "x"))
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, x, "b", endpoint.KindSubscriber, nil)

	_, err = n.CreateConnection(a, a)
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest)

	mustConnect(t, n, a, b)
	_, err = n.CreateConnection(a, b)
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest)

	_, err = x.CreateInterface("ns", endpoint.InterfaceSpec{Tag: "a", Kind: endpoint.KindPublisher})
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest, "duplicate tag refused by the endpoint process")

	_, err = n.AddEndpoint("x")
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest)
}

func TestEndpoint_QueuesUntilBound(t *testing.T) {
	n := newTestNetwork(t)
	x, err := n.AddEndpoint("x")
	require.NoError(t, err)

	a := mustInterface(t, x, "a", endpoint.KindPublisher, nil)
	b := mustInterface(t, x, "b", endpoint.KindSubscriber, nil)
	conn, err := n.CreateConnection(a, b)
	require.NoError(t, err)

	_, ok := a.Ref().Peek()
	require.False(t, ok, "endpoint process not bound yet")

	x.Bind(newProcess(t, "x"))
	require.NoError(t, conn.Wait(testCtx(t)))

	ref, ok := a.Ref().Peek()
	require.True(t, ok)
	require.True(t, ref.Active())
}
