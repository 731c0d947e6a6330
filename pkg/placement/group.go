package placement

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

// group is what a container joins, either a NetworkGroup or nothing.
type group interface {
	Name() string
	allocate(ip string) (netip.Addr, error)
	join(c *Container) error
	leave(c *Container)
	empty() bool
}

// emptyNetworkGroup is used by containers which did not ask for a group.
type emptyNetworkGroup struct{}

func (emptyNetworkGroup) Name() string { return "" }

func (emptyNetworkGroup) allocate(ip string) (netip.Addr, error) {
	if ip != "" {
		return netip.Addr{}, errdefs.InvalidRequest("an IP address requires a network group")
	}
	return netip.Addr{}, nil
}

func (emptyNetworkGroup) join(*Container) error { return nil }
func (emptyNetworkGroup) leave(*Container)      {}
func (emptyNetworkGroup) empty() bool           { return false }

type groupKey struct {
	owner, name string
}

// NetworkGroup is a virtual subnet shared by the containers of one user
// which asked to reach each other. Every machine hosting a member gets a
// bridge and a GRE tunnel to every other such machine.
type NetworkGroup struct {
	lb     *LoadBalancer
	index  uint32
	key    groupKey
	prefix netip.Prefix

	// guarded by lb.mu
	ips      map[netip.Addr]*Container
	machines map[*Machine]int
}

func newNetworkGroup(lb *LoadBalancer, index uint32, key groupKey) *NetworkGroup {
	base := binary.BigEndian.Uint32(lb.cfg.subnets.Addr().AsSlice())
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], base+index<<8)

	return &NetworkGroup{
		lb:       lb,
		index:    index,
		key:      key,
		prefix:   netip.PrefixFrom(netip.AddrFrom4(addr), 24),
		ips:      make(map[netip.Addr]*Container),
		machines: make(map[*Machine]int),
	}
}

func (g *NetworkGroup) Name() string {
	return g.key.name
}

func (g *NetworkGroup) Owner() string {
	return g.key.owner
}

// ID is unique among the live groups, it is used as the GRE key.
func (g *NetworkGroup) ID() uint32 {
	return g.index + 1
}

func (g *NetworkGroup) Prefix() netip.Prefix {
	return g.prefix
}

// Gateway is the address of the bridges of the group.
func (g *NetworkGroup) Gateway() netip.Addr {
	return g.prefix.Addr().Next()
}

// Members returns the number of containers in the group.
func (g *NetworkGroup) Members() int {
	g.lb.mu.Lock()
	defer g.lb.mu.Unlock()
	return len(g.ips)
}

// MachineCount returns how many containers of the group run on m.
func (g *NetworkGroup) MachineCount(m *Machine) int {
	g.lb.mu.Lock()
	defer g.lb.mu.Unlock()
	return g.machines[m]
}

func (g *NetworkGroup) host(ip netip.Addr) int {
	return int(ip.As4()[3])
}

func (g *NetworkGroup) allocate(ip string) (netip.Addr, error) {
	first, last := g.lb.cfg.poolFirst, g.lb.cfg.poolLast

	if ip != "" {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return addr, errdefs.InvalidRequest("malformed IP address %q", ip)
		}
		if !g.prefix.Contains(addr) {
			return addr, errdefs.InvalidRequest("IP address %s is not part of %s", addr, g.prefix)
		}
		if h := g.host(addr); h < first || h > last {
			return addr, errdefs.InvalidRequest("IP address %s is reserved", addr)
		}
		if _, taken := g.ips[addr]; taken {
			return addr, errdefs.InvalidRequest("IP address %s is already in use", addr)
		}
		return addr, nil
	}

	base := g.prefix.Addr().As4()
	for h := first; h <= last; h++ {
		base[3] = byte(h)
		addr := netip.AddrFrom4(base)
		if _, taken := g.ips[addr]; !taken {
			return addr, nil
		}
	}
	return netip.Addr{}, errdefs.InvalidRequest("no more free IP addresses in group %q", g.key.name)
}

// join registers c, whose machine and IP are set. The first container of
// the group on a machine builds its part of the mesh.
func (g *NetworkGroup) join(c *Container) error {
	m := c.machine
	if _, dup := g.ips[c.ip]; dup {
		return errdefs.Internal("IP address %s allocated twice", c.ip)
	}

	if g.machines[m] == 0 {
		topo := g.lb.topo
		if err := topo.AddBridge(m, g); err != nil {
			g.lb.topologyFailed("add bridge", err)
			return fmt.Errorf("%w: bridge for group %q on %s: %w", errdefs.ErrContainerProcess, g.key.name, m.Name(), err)
		}
		for other := range g.machines {
			g.lb.topologyErr("add tunnel", topo.AddTunnel(g, m, other))
			g.lb.topologyErr("add tunnel", topo.AddTunnel(g, other, m))
		}
	}

	g.machines[m]++
	g.ips[c.ip] = c
	return nil
}

// leave releases c, the last container of the group on a machine tears
// down its part of the mesh.
func (g *NetworkGroup) leave(c *Container) {
	if g.ips[c.ip] != c {
		return
	}
	delete(g.ips, c.ip)

	m := c.machine
	if g.machines[m]--; g.machines[m] > 0 {
		return
	}
	delete(g.machines, m)

	topo := g.lb.topo
	for other := range g.machines {
		g.lb.topologyErr("remove tunnel", topo.RemoveTunnel(g, m, other))
		g.lb.topologyErr("remove tunnel", topo.RemoveTunnel(g, other, m))
	}
	g.lb.topologyErr("remove bridge", topo.RemoveBridge(m, g))
}

func (g *NetworkGroup) empty() bool {
	return len(g.ips) == 0
}

func (lb *LoadBalancer) topologyErr(op string, err error) {
	if err != nil {
		lb.topologyFailed(op, err)
	}
}

func (lb *LoadBalancer) topologyFailed(op string, err error) {
	lb.logger.Warn("topology operation failed", "op", op, telemetry.LabelError.L(err))
	lb.msink.IncrCounterWithLabels(MetricTopologyErrorCount, 1.0, lb.mLabels)
}
