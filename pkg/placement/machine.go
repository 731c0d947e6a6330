package placement

import (
	"net/netip"
	"slices"
)

// MachineSpec describes a machine able to host containers.
type MachineSpec struct {
	Name string
	// Addr is the address other machines reach it on, it is the local end
	// of the GRE tunnels.
	Addr     netip.Addr
	Capacity int
	Features []string
}

// Machine is a host known to the [LoadBalancer]. Its counters are only
// mutated by the LoadBalancer.
type Machine struct {
	lb   *LoadBalancer
	id   uint32
	spec MachineSpec

	// guarded by lb.mu
	used       int
	removed    bool
	containers map[*Container]struct{}
	users      map[string]int
}

func newMachine(lb *LoadBalancer, id uint32, spec MachineSpec) *Machine {
	return &Machine{
		lb:         lb,
		id:         id,
		spec:       spec,
		containers: make(map[*Container]struct{}),
		users:      make(map[string]int),
	}
}

func (m *Machine) Name() string {
	return m.spec.Name
}

func (m *Machine) Addr() netip.Addr {
	return m.spec.Addr
}

// ID is unique among the machines of a LoadBalancer.
func (m *Machine) ID() uint32 {
	return m.id
}

func (m *Machine) Capacity() int {
	return m.spec.Capacity
}

func (m *Machine) HasFeature(feature string) bool {
	return slices.Contains(m.spec.Features, feature)
}

// Availability is the number of capacity units left.
func (m *Machine) Availability() int {
	m.lb.mu.Lock()
	defer m.lb.mu.Unlock()
	return m.availabilityLocked()
}

func (m *Machine) availabilityLocked() int {
	return m.spec.Capacity - m.used
}

// Containers returns the number of containers placed on m.
func (m *Machine) Containers() int {
	m.lb.mu.Lock()
	defer m.lb.mu.Unlock()
	return len(m.containers)
}

// UserContainers returns the number of containers of userID on m.
func (m *Machine) UserContainers(userID string) int {
	m.lb.mu.Lock()
	defer m.lb.mu.Unlock()
	return m.users[userID]
}

func (m *Machine) addLocked(c *Container) {
	m.containers[c] = struct{}{}
	m.users[c.userID]++
	m.used += c.profile.Size
}

func (m *Machine) removeLocked(c *Container) {
	if _, ok := m.containers[c]; !ok {
		return
	}
	delete(m.containers, c)
	m.used -= c.profile.Size
	if m.users[c.userID]--; m.users[c.userID] <= 0 {
		delete(m.users, c.userID)
	}
}
