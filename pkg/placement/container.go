package placement

import (
	"net/netip"
)

type ContainerState uint8

const (
	StateCreated ContainerState = iota
	StateAssigned
	StateStarted
	StateDestroyed
)

func (s ContainerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAssigned:
		return "assigned"
	case StateStarted:
		return "started"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Container is a placed container, see [LoadBalancer.CreateContainer].
type Container struct {
	lb      *LoadBalancer
	uid     string
	userID  string
	profile Profile

	// guarded by lb.mu
	state   ContainerState
	machine *Machine
	group   group
	ip      netip.Addr
}

func (c *Container) UID() string {
	return c.uid
}

func (c *Container) UserID() string {
	return c.userID
}

func (c *Container) Profile() Profile {
	return c.profile
}

// Machine is nil once the container is destroyed.
func (c *Container) Machine() *Machine {
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	return c.machine
}

// Group returns the name of the network group, empty if none.
func (c *Container) Group() string {
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	if c.group == nil {
		return ""
	}
	return c.group.Name()
}

// IP is invalid when the container is not part of a network group.
func (c *Container) IP() netip.Addr {
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	return c.ip
}

func (c *Container) State() ContainerState {
	c.lb.mu.Lock()
	defer c.lb.mu.Unlock()
	return c.state
}
