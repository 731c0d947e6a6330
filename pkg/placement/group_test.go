package placement

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/stretchr/testify/require"
)

func TestNetworkGroup_PoolExhaustion(t *testing.T) {
	lb, _ := newTestBalancer(t, WithIPPool(2, 4))
	mustMachine(t, lb, "m1", 100, "192.0.2.1")

	seen := make(map[netip.Addr]bool)
	for i := 0; i < 3; i++ {
		c, err := lb.CreateContainer(fmt.Sprintf("c%d", i), "alice", Request{Group: "net"})
		require.NoError(t, err)
		require.False(t, seen[c.IP()], "duplicate IP %s", c.IP())
		seen[c.IP()] = true
	}

	_, err := lb.CreateContainer("c3", "alice", Request{Group: "net"})
	require.ErrorIs(t, err, errdefs.ErrInvalidRequest)
	require.ErrorContains(t, err, "no more free IP addresses")

	g, ok := lb.Group("alice", "net")
	require.True(t, ok)
	require.Equal(t, 3, g.Members())
}

func TestNetworkGroup_ExplicitIP(t *testing.T) {
	lb, _ := newTestBalancer(t)
	mustMachine(t, lb, "m1", 100, "192.0.2.1")

	c, err := lb.CreateContainer("c1", "alice", Request{Group: "net", IP: "10.100.0.7"})
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.100.0.7"), c.IP())

	g, _ := lb.Group("alice", "net")
	require.Equal(t, netip.MustParsePrefix("10.100.0.0/24"), g.Prefix())
	require.Equal(t, netip.MustParseAddr("10.100.0.1"), g.Gateway())

	for _, ip := range []string{"10.100.0.7", "10.100.1.7", "10.100.0.1", "10.100.0.255", "not-an-ip"} {
		_, err := lb.CreateContainer("c2", "alice", Request{Group: "net", IP: ip})
		require.ErrorIs(t, err, errdefs.ErrInvalidRequest, ip)
	}

	next, err := lb.CreateContainer("c2", "alice", Request{Group: "net"})
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.100.0.2"), next.IP())
}

func TestNetworkGroup_ScopedPerUser(t *testing.T) {
	lb, _ := newTestBalancer(t)
	mustMachine(t, lb, "m1", 100, "192.0.2.1")

	a, err := lb.CreateContainer("a", "alice", Request{Group: "net"})
	require.NoError(t, err)
	b, err := lb.CreateContainer("b", "bob", Request{Group: "net"})
	require.NoError(t, err)

	ga, _ := lb.Group("alice", "net")
	gb, _ := lb.Group("bob", "net")
	require.NotSame(t, ga, gb)
	require.NotEqual(t, ga.Prefix(), gb.Prefix())
	require.NotEqual(t, ga.ID(), gb.ID())
	require.Equal(t, a.IP().As4()[3], b.IP().As4()[3], "pools are independent")
}

func TestNetworkGroup_MeshFollowsMachines(t *testing.T) {
	topo := newRecordingTopology()
	lb, _ := newTestBalancer(t, WithTopology(topo))
	m1 := mustMachine(t, lb, "m1", 1, "192.0.2.1")
	m2 := mustMachine(t, lb, "m2", 2, "192.0.2.2")

	// m2 has more room, the first two containers land there.
	c1, err := lb.CreateContainer("c1", "alice", Request{Group: "net"})
	require.NoError(t, err)
	c2, err := lb.CreateContainer("c2", "alice", Request{Group: "net"})
	require.NoError(t, err)
	require.Same(t, m2, c1.Machine())
	require.Same(t, m2, c2.Machine())

	bridges, tunnels := topo.snapshot()
	require.Equal(t, []string{"m2/net"}, bridges)
	require.Empty(t, tunnels)

	c3, err := lb.CreateContainer("c3", "alice", Request{Group: "net"})
	require.NoError(t, err)
	require.Same(t, m1, c3.Machine())

	g, _ := lb.Group("alice", "net")
	require.Equal(t, 2, g.MachineCount(m2))
	require.Equal(t, 1, g.MachineCount(m1))

	bridges, tunnels = topo.snapshot()
	require.ElementsMatch(t, []string{"m1/net", "m2/net"}, bridges)
	require.ElementsMatch(t, []string{"net/m1->m2", "net/m2->m1"}, tunnels)

	lb.DestroyContainer(c1)
	bridges, tunnels = topo.snapshot()
	require.Len(t, bridges, 2, "c2 still uses the bridge of m2")
	require.Len(t, tunnels, 2)

	lb.DestroyContainer(c2)
	bridges, tunnels = topo.snapshot()
	require.Equal(t, []string{"m1/net"}, bridges)
	require.Empty(t, tunnels)

	lb.DestroyContainer(c3)
	bridges, _ = topo.snapshot()
	require.Empty(t, bridges)
	_, ok := lb.Group("alice", "net")
	require.False(t, ok)
}

func TestNetworkGroup_BridgeFailureRollsBack(t *testing.T) {
	topo := newRecordingTopology()
	topo.fail = true
	lb, _ := newTestBalancer(t, WithTopology(topo))
	m := mustMachine(t, lb, "m1", 4, "192.0.2.1")

	_, err := lb.CreateContainer("c1", "alice", Request{Group: "net"})
	require.ErrorIs(t, err, errdefs.ErrContainerProcess)
	require.Zero(t, m.Containers())
	require.Equal(t, 4, m.Availability())
	_, ok := lb.Group("alice", "net")
	require.False(t, ok)
}

func TestLoadBalancer_SubnetExhaustion(t *testing.T) {
	lb, _ := newTestBalancer(t, WithGroupSubnets(netip.MustParsePrefix("10.1.0.0/23")))
	mustMachine(t, lb, "m1", 100, "192.0.2.1")

	for _, name := range []string{"a", "b"} {
		_, err := lb.CreateContainer(name, "alice", Request{Group: name})
		require.NoError(t, err)
	}
	_, err := lb.CreateContainer("c", "alice", Request{Group: "c"})
	require.ErrorIs(t, err, errdefs.ErrMaxNumberExceeded)

	_, err = NewLoadBalancer(WithGroupSubnets(netip.MustParsePrefix("10.1.0.0/25")))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
