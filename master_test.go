package rce

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	json "github.com/json-iterator/go"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/network"
	"github.com/raskyld/rce/pkg/placement"
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

func newLocalProvisioner() *LocalProvisioner {
	return NewLocalProvisioner(
		endpoint.WithListenOn("127.0.0.1", 0),
		endpoint.WithLog(testHandler("endpoint")),
		endpoint.WithMetricSink(nil),
	)
}

func newTestMaster(t *testing.T, prov Provisioner, opts ...Option) *Master {
	t.Helper()
	opts = append([]Option{
		WithLog(testHandler("master")),
		WithMetricSink(metrics.NewInmemSink(time.Second, 5*time.Minute)),
		WithProvisioner(prov),
		WithNetworkOptions(network.WithHandshakeTimeout(10 * time.Second)),
	}, opts...)

	m, err := NewMaster(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func mustMachine(t *testing.T, m *Master, name string, capacity int) *placement.Machine {
	t.Helper()
	machine, err := m.LoadBalancer().AddMachine(placement.MachineSpec{
		Name:     name,
		Addr:     netip.MustParseAddr("10.0.0.1"),
		Capacity: capacity,
	})
	require.NoError(t, err)
	return machine
}

func mustUser(t *testing.T, m *Master, id string) *User {
	t.Helper()
	u, err := m.User(id)
	require.NoError(t, err)
	return u
}

func waitStarted(t *testing.T, u *User, tag string) {
	t.Helper()
	c, ok := u.Container(tag)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return c.State() == placement.StateStarted
	}, 5*time.Second, 10*time.Millisecond)
}

// control returns the endpoint process of tag once it runs.
func control(t *testing.T, u *User, tag string) network.Control {
	t.Helper()
	ep, ok := u.Endpoint(tag)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctl, err := ep.Control().Wait(ctx)
	require.NoError(t, err)
	return ctl
}

func waitMessage(t *testing.T, ch chan endpoint.Message) endpoint.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return endpoint.Message{}
	}
}

type robotClient struct {
	msgs chan []byte
}

func (c *robotClient) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.msgs <- raw
	return nil
}

func (c *robotClient) WriteBinary(string, []byte) error {
	return nil
}

func TestValidateTag(t *testing.T) {
	require.True(t, ValidateTag("my-container_1.0"))
	require.False(t, ValidateTag(""))
	require.False(t, ValidateTag("a/b"))
	require.False(t, ValidateTag("with space"))
	require.False(t, ValidateTag(string(make([]byte, 129))))
}

func TestNewMaster_RequiresProvisioner(t *testing.T) {
	_, err := NewMaster()
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewMaster(WithProvisioner(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestUser_ContainerLifecycle(t *testing.T) {
	m := newTestMaster(t, newLocalProvisioner())
	machine := mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")

	t.Run("when a container is created, it is placed and started", func(t *testing.T) {
		require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{Size: 2}))
		waitStarted(t, u, "c1")
		require.Equal(t, 2, machine.Availability())

		_, ok := control(t, u, "c1").Namespace("c1")
		require.True(t, ok, "the namespace of the container is created before it starts")
	})

	t.Run("when the tag is taken or malformed, the request is refused", func(t *testing.T) {
		err := u.CreateContainer(context.Background(), "c1", placement.Request{})
		require.ErrorIs(t, err, errdefs.ErrInvalidRequest)
		err = u.CreateContainer(context.Background(), "a/b", placement.Request{})
		require.ErrorIs(t, err, errdefs.ErrInvalidRequest)
		require.Equal(t, 2, machine.Availability())
	})

	t.Run("when no machine has room, nothing is placed", func(t *testing.T) {
		err := u.CreateContainer(context.Background(), "big", placement.Request{Size: 3})
		require.ErrorIs(t, err, errdefs.ErrContainerProcess)
		_, ok := u.Endpoint("big")
		require.False(t, ok)
		require.Equal(t, 1, machine.Containers())
	})

	t.Run("when the container is destroyed, its resources are released", func(t *testing.T) {
		c, _ := u.Container("c1")
		require.NoError(t, u.DestroyContainer("c1"))
		require.Equal(t, placement.StateDestroyed, c.State())
		require.Equal(t, 4, machine.Availability())
		_, ok := u.Endpoint("c1")
		require.False(t, ok)
		_, ok = m.Network().Endpoint(c.UID())
		require.False(t, ok)

		require.ErrorIs(t, u.DestroyContainer("c1"), errdefs.ErrInvalidRequest)
	})
}

func TestUser_RequestsAreQueuedUntilProvisioned(t *testing.T) {
	lp := newLocalProvisioner()
	release := make(chan struct{})
	prov := ProvisionerFunc(func(ctx context.Context, c *placement.Container) (network.Control, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return lp.Provision(ctx, c)
	})

	m := newTestMaster(t, prov)
	mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")

	require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{}))
	require.NoError(t, u.AddParameter("c1", "rate", 10))
	require.NoError(t, u.AddNode(context.Background(), "c1", endpoint.NodeSpec{Tag: "n1", Pkg: "pkg", Exe: "exe"}))
	require.NoError(t, u.AddInterface("c1", endpoint.InterfaceSpec{Tag: "out", Kind: endpoint.KindPublisher}))

	c, _ := u.Container("c1")
	require.Equal(t, placement.StateAssigned, c.State())
	close(release)
	waitStarted(t, u, "c1")

	ns, ok := control(t, u, "c1").Namespace("c1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		v, ok := ns.Parameter("rate")
		_, hasIface := ns.Interface("out")
		return ok && v == 10 && hasIface
	}, 5*time.Second, 10*time.Millisecond)

	err := u.AddParameter("c1", "rate", 20)
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest, "a running container reports errors right away")
	require.NoError(t, u.RemoveParameter("c1", "rate"))
	require.NoError(t, u.RemoveNode("c1", "n1"))
	require.ErrorIs(t, u.RemoveNode("c1", "n1"), errdefs.ErrInvalidRequest)
}

func TestUser_ProvisioningFailure(t *testing.T) {
	boom := errors.New("no image")
	m := newTestMaster(t, ProvisionerFunc(func(context.Context, *placement.Container) (network.Control, error) {
		return nil, boom
	}))
	machine := mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")

	require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{}))
	require.Eventually(t, func() bool {
		_, ok := u.Endpoint("c1")
		return !ok && machine.Containers() == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{}), "the tag is free again")
}

func TestUser_Connections(t *testing.T) {
	m := newTestMaster(t, newLocalProvisioner())
	mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")

	for _, tag := range []string{"c1", "c2"} {
		require.NoError(t, u.CreateContainer(context.Background(), tag, placement.Request{}))
		waitStarted(t, u, tag)
	}

	got := make(chan endpoint.Message, 1)
	require.NoError(t, u.AddInterface("c1", endpoint.InterfaceSpec{Tag: "pub", Kind: endpoint.KindPublisher, Class: "std_msgs/String"}))
	require.NoError(t, u.AddInterface("c2", endpoint.InterfaceSpec{
		Tag:       "sub",
		Kind:      endpoint.KindSubscriber,
		Class:     "std_msgs/String",
		OnMessage: func(msg endpoint.Message) { got <- msg },
	}))
	require.NoError(t, u.AddInterface("c2", endpoint.InterfaceSpec{Tag: "other", Kind: endpoint.KindPublisher}))
	require.Equal(t, []string{"c2/other", "c2/sub"}, u.Interfaces("c2"))

	t.Run("when interfaces are unknown or incompatible, the request is refused", func(t *testing.T) {
		require.ErrorIs(t, u.AddConnection("c1/pub", "c2/missing"), errdefs.ErrInvalidRequest)
		require.ErrorIs(t, u.AddConnection("c1/pub", "c2"), errdefs.ErrInvalidRequest)
		require.ErrorIs(t, u.AddConnection("c1/pub", "c2/other"), errdefs.ErrInvalidRequest)
		require.ErrorIs(t, u.AddInterface("c1", endpoint.InterfaceSpec{Tag: "pub", Kind: endpoint.KindPublisher}), errdefs.ErrInvalidRequest)
		require.ErrorIs(t, u.AddInterface("c9", endpoint.InterfaceSpec{Tag: "x", Kind: endpoint.KindPublisher}), errdefs.ErrInvalidRequest)
	})

	t.Run("when both interfaces are connected, messages flow", func(t *testing.T) {
		require.NoError(t, u.AddConnection("c1/pub", "c2/sub"))
		require.ErrorIs(t, u.AddConnection("c2/sub", "c1/pub"), errdefs.ErrInvalidRequest, "the order of the tags does not matter")

		conn, ok := u.Connection("c1/pub", "c2/sub")
		require.True(t, ok)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Wait(ctx))

		pub, _ := u.Interface("c1/pub")
		ref, err := pub.Ref().Wait(ctx)
		require.NoError(t, err)
		require.NoError(t, ref.Publish([]byte("hello"), "id1"))

		msg := waitMessage(t, got)
		require.Equal(t, "hello", string(msg.Body))
		require.Equal(t, "id1", msg.ID)
	})

	t.Run("when the connection is removed, it is destroyed", func(t *testing.T) {
		conn, _ := u.Connection("c1/pub", "c2/sub")
		require.NoError(t, u.RemoveConnection("c2/sub", "c1/pub"))
		require.True(t, conn.Dead())
		require.ErrorIs(t, u.RemoveConnection("c1/pub", "c2/sub"), errdefs.ErrInvalidRequest)
	})

	t.Run("when a container is destroyed, its interfaces and connections go with it", func(t *testing.T) {
		require.NoError(t, u.AddConnection("c1/pub", "c2/sub"))
		conn, _ := u.Connection("c1/pub", "c2/sub")

		require.NoError(t, u.DestroyContainer("c1"))
		require.Empty(t, u.Interfaces("c1"))
		require.Eventually(t, func() bool {
			_, ok := u.Connection("c1/pub", "c2/sub")
			return !ok && conn.Dead()
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, u.RemoveInterface("c2/sub"))
		require.Equal(t, []string{"c2/other"}, u.Interfaces("c2"))
		require.ErrorIs(t, u.RemoveInterface("c2/sub"), errdefs.ErrInvalidRequest)
	})
}

func TestUser_Robot(t *testing.T) {
	lp := newLocalProvisioner()
	m := newTestMaster(t, lp)
	mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")

	require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{}))
	waitStarted(t, u, "c1")

	host, err := lp.Host("robot-host")
	require.NoError(t, err)
	client := &robotClient{msgs: make(chan []byte, 8)}
	session, err := u.AttachRobot("r1", host, client)
	require.NoError(t, err)

	_, err = u.AttachRobot("r1", host, client)
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest)
	require.ErrorIs(t, u.DestroyContainer("r1"), errdefs.ErrInvalidRequest)
	require.ErrorIs(t, u.AddNode(context.Background(), "r1", endpoint.NodeSpec{Tag: "n", Pkg: "p", Exe: "e"}), errdefs.ErrInvalidRequest)

	got := make(chan endpoint.Message, 1)
	require.NoError(t, u.AddInterface("r1", endpoint.InterfaceSpec{Tag: "cam", Kind: endpoint.KindPublisher}))
	require.NoError(t, u.AddInterface("c1", endpoint.InterfaceSpec{
		Tag:       "viewer",
		Kind:      endpoint.KindSubscriber,
		OnMessage: func(msg endpoint.Message) { got <- msg },
	}))
	require.NoError(t, session.HandleText([]byte(`{"type":"CX","data":{"connect":[{"tagA":"r1/cam","tagB":"c1/viewer"}]}}`)))

	conn, ok := u.Connection("r1/cam", "c1/viewer")
	require.True(t, ok, "the robot issues requests on behalf of its user")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Wait(ctx))

	require.NoError(t, session.HandleText([]byte(`{"type":"DM","data":{"iTag":"cam","msgID":"m1","msg":{"frame":1}}}`)))
	msg := waitMessage(t, got)
	require.Equal(t, "m1", msg.ID)
	require.JSONEq(t, `{"msg":{"frame":1}}`, string(msg.Body))

	require.NoError(t, u.DetachRobot("r1"))
	_, ok = u.Endpoint("r1")
	require.False(t, ok)
	require.Eventually(t, conn.Dead, 5*time.Second, 10*time.Millisecond)
}

func TestMaster_ContainersLost(t *testing.T) {
	m := newTestMaster(t, newLocalProvisioner())
	mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")

	require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{}))
	waitStarted(t, u, "c1")

	lost, err := m.LoadBalancer().RemoveMachine("m1")
	require.NoError(t, err)
	require.Len(t, lost, 1)
	m.ContainersLost(lost)

	_, ok := u.Endpoint("c1")
	require.False(t, ok)
}

func TestMaster_Close(t *testing.T) {
	m := newTestMaster(t, newLocalProvisioner())
	mustMachine(t, m, "m1", 4)
	u := mustUser(t, m, "alice")
	require.NoError(t, u.CreateContainer(context.Background(), "c1", placement.Request{}))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.User("bob")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, u.CreateContainer(context.Background(), "c2", placement.Request{}), ErrClosed)
}
