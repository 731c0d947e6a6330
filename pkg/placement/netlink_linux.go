//go:build linux

package placement

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// NetlinkTopology builds the bridges and GRE tunnels of the machine it
// runs on, operations on other machines are left to their own daemon.
type NetlinkTopology struct {
	machine string
}

// NewNetlinkTopology returns the topology of the machine named machine.
// It needs CAP_NET_ADMIN.
func NewNetlinkTopology(machine string) (*NetlinkTopology, error) {
	if machine == "" {
		return nil, fmt.Errorf("%w: machine name is required", ErrInvalidCfg)
	}
	return &NetlinkTopology{machine: machine}, nil
}

func bridgeName(g *NetworkGroup) string {
	return fmt.Sprintf("rceb%d", g.ID())
}

// Interface names are limited to 15 bytes.
func tunnelName(g *NetworkGroup, remote *Machine) string {
	return fmt.Sprintf("rceg%d.%d", g.ID(), remote.ID())
}

func (t *NetlinkTopology) local(m *Machine) bool {
	return m.Name() == t.machine
}

func (t *NetlinkTopology) AddBridge(m *Machine, g *NetworkGroup) error {
	if !t.local(m) {
		return nil
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = bridgeName(g)
	br := &netlink.Bridge{LinkAttrs: attrs}
	if err := netlink.LinkAdd(br); err != nil {
		return fmt.Errorf("create bridge %s: %w", attrs.Name, err)
	}

	gw := g.Gateway()
	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(gw.AsSlice()),
		Mask: net.CIDRMask(g.Prefix().Bits(), 32),
	}}
	if err := netlink.AddrAdd(br, addr); err != nil {
		return errors.Join(
			fmt.Errorf("address bridge %s: %w", attrs.Name, err),
			netlink.LinkDel(br),
		)
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return errors.Join(
			fmt.Errorf("bring up bridge %s: %w", attrs.Name, err),
			netlink.LinkDel(br),
		)
	}
	return nil
}

func (t *NetlinkTopology) RemoveBridge(m *Machine, g *NetworkGroup) error {
	if !t.local(m) {
		return nil
	}
	return t.deleteLink(bridgeName(g))
}

func (t *NetlinkTopology) AddTunnel(g *NetworkGroup, local, remote *Machine) error {
	if !t.local(local) {
		return nil
	}

	br, err := netlink.LinkByName(bridgeName(g))
	if err != nil {
		return fmt.Errorf("find bridge of group %d: %w", g.ID(), err)
	}

	attrs := netlink.NewLinkAttrs()
	attrs.Name = tunnelName(g, remote)
	attrs.MasterIndex = br.Attrs().Index
	gre := &netlink.Gretap{
		LinkAttrs: attrs,
		Local:     net.IP(local.Addr().AsSlice()),
		Remote:    net.IP(remote.Addr().AsSlice()),
		IKey:      g.ID(),
		OKey:      g.ID(),
	}
	if err := netlink.LinkAdd(gre); err != nil {
		return fmt.Errorf("create tunnel %s: %w", attrs.Name, err)
	}
	if err := netlink.LinkSetUp(gre); err != nil {
		return errors.Join(
			fmt.Errorf("bring up tunnel %s: %w", attrs.Name, err),
			netlink.LinkDel(gre),
		)
	}
	return nil
}

func (t *NetlinkTopology) RemoveTunnel(g *NetworkGroup, local, remote *Machine) error {
	if !t.local(local) {
		return nil
	}
	return t.deleteLink(tunnelName(g, remote))
}

func (t *NetlinkTopology) deleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("find link %s: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete link %s: %w", name, err)
	}
	return nil
}
