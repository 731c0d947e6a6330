package placement

// Topology builds the virtual network of the groups. Each operation names
// the machine it applies to, an implementation only acts on the machines
// it manages.
type Topology interface {
	// AddBridge creates the bridge of g on m.
	AddBridge(m *Machine, g *NetworkGroup) error
	RemoveBridge(m *Machine, g *NetworkGroup) error
	// AddTunnel creates, on local, the GRE tunnel of g towards remote and
	// attaches it to the bridge of g.
	AddTunnel(g *NetworkGroup, local, remote *Machine) error
	RemoveTunnel(g *NetworkGroup, local, remote *Machine) error
}

// NopTopology builds nothing.
type NopTopology struct{}

func (NopTopology) AddBridge(*Machine, *NetworkGroup) error              { return nil }
func (NopTopology) RemoveBridge(*Machine, *NetworkGroup) error           { return nil }
func (NopTopology) AddTunnel(*NetworkGroup, *Machine, *Machine) error    { return nil }
func (NopTopology) RemoveTunnel(*NetworkGroup, *Machine, *Machine) error { return nil }
