// Package placement decides on which machine a container runs and wires
// the virtual networks shared by the containers of a user.
package placement

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/telemetry"
)

// LoadBalancer owns the machines, the containers placed on them and the
// network groups.
type LoadBalancer struct {
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label
	topo    Topology

	mu          sync.Mutex
	nextMachine uint32
	machines    map[string]*Machine
	containers  map[string]*Container
	users       map[string]int
	groups      map[groupKey]*NetworkGroup
	subnets     map[uint32]*NetworkGroup
}

func NewLoadBalancer(opts ...Option) (*LoadBalancer, error) {
	cfg := &config{
		topology:  NopTopology{},
		subnets:   defaultGroupSubnets,
		poolFirst: defaultPoolFirst,
		poolLast:  defaultPoolLast,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	lb := &LoadBalancer{
		cfg:        cfg,
		mLabels:    cfg.metricLabels,
		topo:       cfg.topology,
		machines:   make(map[string]*Machine),
		containers: make(map[string]*Container),
		users:      make(map[string]int),
		groups:     make(map[groupKey]*NetworkGroup),
		subnets:    make(map[uint32]*NetworkGroup),
	}

	if cfg.logHandler == nil {
		lb.logger = slog.Default()
	} else {
		lb.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		lb.msink = metrics.Default()
	} else {
		lb.msink = cfg.metricSink
	}
	return lb, nil
}

// AddMachine makes a machine available for placement.
func (lb *LoadBalancer) AddMachine(spec MachineSpec) (*Machine, error) {
	if spec.Name == "" {
		return nil, errdefs.InvalidRequest("machine name is required")
	}
	if spec.Capacity <= 0 {
		return nil, errdefs.InvalidRequest("machine %q has no capacity", spec.Name)
	}
	if !spec.Addr.IsValid() {
		return nil, errdefs.InvalidRequest("machine %q has no address", spec.Name)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, dup := lb.machines[spec.Name]; dup {
		return nil, errdefs.InvalidRequest("machine %q already exists", spec.Name)
	}

	lb.nextMachine++
	m := newMachine(lb, lb.nextMachine, spec)
	lb.machines[spec.Name] = m
	lb.msink.SetGaugeWithLabels(MetricMachinesActive, float32(len(lb.machines)), lb.mLabels)
	lb.logger.Info(
		"machine added",
		telemetry.LabelMachine.L(spec.Name),
		telemetry.LabelPeerAddr.L(spec.Addr),
		"capacity", spec.Capacity,
	)
	return m, nil
}

// RemoveMachine stops placing containers on the machine and releases the
// containers it was hosting, which are returned.
func (lb *LoadBalancer) RemoveMachine(name string) ([]*Container, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	m, ok := lb.machines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMachine, name)
	}
	delete(lb.machines, name)
	m.removed = true

	lost := make([]*Container, 0, len(m.containers))
	for c := range m.containers {
		lost = append(lost, c)
	}
	for _, c := range lost {
		lb.destroyLocked(c)
	}

	lb.msink.SetGaugeWithLabels(MetricMachinesActive, float32(len(lb.machines)), lb.mLabels)
	lb.logger.Info(
		"machine removed",
		telemetry.LabelMachine.L(name),
		telemetry.LabelCount.L(len(lost)),
	)
	return lost, nil
}

func (lb *LoadBalancer) Machine(name string) (*Machine, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	m, ok := lb.machines[name]
	return m, ok
}

// Machines returns the machines sorted by name.
func (lb *LoadBalancer) Machines() []*Machine {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]*Machine, 0, len(lb.machines))
	for _, m := range lb.machines {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Machine) int {
		return strings.Compare(a.spec.Name, b.spec.Name)
	})
	return out
}

func (lb *LoadBalancer) Container(uid string) (*Container, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	c, ok := lb.containers[uid]
	return c, ok
}

// Group returns the network group name of userID.
func (lb *LoadBalancer) Group(userID, name string) (*NetworkGroup, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	g, ok := lb.groups[groupKey{userID, name}]
	return g, ok
}

// CreateContainer places a new container of userID.
//
// Placement prefers the machines already running containers of the same
// user, then the machine with the most capacity left. A request no
// machine can host fails with ErrContainerProcess and leaves every
// machine untouched.
func (lb *LoadBalancer) CreateContainer(uid, userID string, req Request) (c *Container, err error) {
	profile, err := ParseProfile(req)
	if err != nil {
		return nil, err
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	defer func() {
		if err != nil {
			lb.msink.IncrCounterWithLabels(MetricPlacementErrorCount, 1.0, lb.mLabels)
		}
	}()

	if _, dup := lb.containers[uid]; dup {
		return nil, errdefs.InvalidRequest("container %q already exists", uid)
	}
	if limit := lb.cfg.maxPerUser; limit > 0 && lb.users[userID] >= limit {
		return nil, fmt.Errorf("%w: user %q already runs %d containers", errdefs.ErrMaxNumberExceeded, userID, limit)
	}

	c = &Container{
		lb:      lb,
		uid:     uid,
		userID:  userID,
		profile: profile,
		state:   StateCreated,
	}

	g, err := lb.groupLocked(userID, req.Group)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lb.releaseGroupLocked(g)
		}
	}()

	m := lb.selectLocked(userID, profile.Size)
	if m == nil {
		return nil, fmt.Errorf("%w: no machine can host a container of size %d", errdefs.ErrContainerProcess, profile.Size)
	}

	ip, err := g.allocate(req.IP)
	if err != nil {
		return nil, err
	}

	c.machine = m
	c.group = g
	c.ip = ip
	if err := g.join(c); err != nil {
		return nil, err
	}
	m.addLocked(c)
	c.state = StateAssigned

	lb.containers[uid] = c
	lb.users[userID]++
	lb.msink.SetGaugeWithLabels(MetricContainersActive, float32(len(lb.containers)), lb.mLabels)
	lb.logger.Info(
		"container placed",
		telemetry.LabelContainer.L(uid),
		telemetry.LabelUser.L(userID),
		telemetry.LabelMachine.L(m.spec.Name),
		telemetry.LabelNetworkGroup.L(g.Name()),
	)
	return c, nil
}

// selectLocked returns the best machine with at least size units left.
func (lb *LoadBalancer) selectLocked(userID string, size int) *Machine {
	var best *Machine
	better := func(m *Machine) bool {
		if best == nil {
			return true
		}
		if a, b := m.users[userID] > 0, best.users[userID] > 0; a != b {
			return a
		}
		if a, b := m.availabilityLocked(), best.availabilityLocked(); a != b {
			return a > b
		}
		return m.spec.Name < best.spec.Name
	}

	for _, m := range lb.machines {
		if m.availabilityLocked() < size {
			continue
		}
		if better(m) {
			best = m
		}
	}
	return best
}

func (lb *LoadBalancer) groupLocked(userID, name string) (group, error) {
	if name == "" {
		return emptyNetworkGroup{}, nil
	}
	key := groupKey{userID, name}
	if g, ok := lb.groups[key]; ok {
		return g, nil
	}

	slots := uint32(1) << (24 - lb.cfg.subnets.Bits())
	for index := uint32(0); index < slots; index++ {
		if _, used := lb.subnets[index]; used {
			continue
		}
		g := newNetworkGroup(lb, index, key)
		lb.groups[key] = g
		lb.subnets[index] = g
		lb.msink.SetGaugeWithLabels(MetricGroupsActive, float32(len(lb.groups)), lb.mLabels)
		lb.logger.Debug(
			"network group created",
			telemetry.LabelNetworkGroup.L(name),
			telemetry.LabelUser.L(userID),
			"subnet", g.prefix.String(),
		)
		return g, nil
	}
	return nil, fmt.Errorf("%w: no subnet left for network group %q", errdefs.ErrMaxNumberExceeded, name)
}

// releaseGroupLocked forgets g once its last container left.
func (lb *LoadBalancer) releaseGroupLocked(g group) {
	ng, ok := g.(*NetworkGroup)
	if !ok || !ng.empty() {
		return
	}
	if lb.groups[ng.key] == ng {
		delete(lb.groups, ng.key)
		delete(lb.subnets, ng.index)
	}
	lb.msink.SetGaugeWithLabels(MetricGroupsActive, float32(len(lb.groups)), lb.mLabels)
}

// StartContainer records that the container process is running.
func (lb *LoadBalancer) StartContainer(c *Container) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if c.state != StateAssigned {
		return errdefs.Internal("container %q cannot start from state %s", c.uid, c.state)
	}
	c.state = StateStarted
	return nil
}

// DestroyContainer releases the resources of c. It is a no-op on a
// destroyed container.
func (lb *LoadBalancer) DestroyContainer(c *Container) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.destroyLocked(c)
}

func (lb *LoadBalancer) destroyLocked(c *Container) {
	if c.state == StateDestroyed {
		return
	}
	c.state = StateDestroyed

	c.machine.removeLocked(c)
	c.group.leave(c)
	lb.releaseGroupLocked(c.group)
	c.machine = nil

	if lb.containers[c.uid] == c {
		delete(lb.containers, c.uid)
	}
	if lb.users[c.userID]--; lb.users[c.userID] <= 0 {
		delete(lb.users, c.userID)
	}
	lb.msink.SetGaugeWithLabels(MetricContainersActive, float32(len(lb.containers)), lb.mLabels)
	lb.logger.Info("container released", telemetry.LabelContainer.L(c.uid))
}
