package rce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/network"
	"github.com/raskyld/rce/pkg/placement"
	"github.com/raskyld/rce/pkg/telemetry"
)

type Master struct {
	cfg     *config
	logger  *slog.Logger
	msink   metrics.MetricSink
	mLabels []metrics.Label

	net *network.Network
	lb  *placement.LoadBalancer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk     sync.Mutex
	closed bool
	users  map[string]*User
	robots int
}

func NewMaster(opts ...Option) (*Master, error) {
	cfg := &config{
		provisionTimeout: defaultProvisionTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.provisioner == nil {
		return nil, fmt.Errorf("%w: a provisioner is required", ErrInvalidCfg)
	}

	m := &Master{
		cfg:     cfg,
		mLabels: cfg.metricLabels,
		users:   make(map[string]*User),
	}
	if cfg.logHandler == nil {
		m.logger = slog.Default()
	} else {
		m.logger = slog.New(cfg.logHandler)
	}
	if cfg.metricSink == nil {
		m.msink = metrics.Default()
	} else {
		m.msink = cfg.metricSink
	}

	var err error
	m.net, err = network.New(cfg.netOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	m.lb, err = placement.NewLoadBalancer(cfg.lbOpts...)
	if err != nil {
		m.net.Close()
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

func (m *Master) Network() *network.Network {
	return m.net
}

func (m *Master) LoadBalancer() *placement.LoadBalancer {
	return m.lb
}

// User returns the handle of userID, created on first use.
func (m *Master) User(userID string) (*User, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	u := newUser(m, userID)
	m.users[userID] = u
	m.msink.SetGaugeWithLabels(MetricUsersActive, float32(len(m.users)), m.mLabels)
	return u, nil
}

// RemoveUser destroys everything userID owns.
func (m *Master) RemoveUser(userID string) {
	m.lk.Lock()
	u, ok := m.users[userID]
	delete(m.users, userID)
	m.msink.SetGaugeWithLabels(MetricUsersActive, float32(len(m.users)), m.mLabels)
	m.lk.Unlock()
	if ok {
		u.Close()
	}
}

// ContainersLost destroys the endpoints of containers whose machine is
// gone, see placement.WithLostContainers.
func (m *Master) ContainersLost(containers []*placement.Container) {
	for _, c := range containers {
		m.lk.Lock()
		u, ok := m.users[c.UserID()]
		m.lk.Unlock()
		if !ok {
			continue
		}
		if u.containerLost(c.UID()) {
			m.logger.Warn(
				"container lost with its machine",
				telemetry.LabelUser.L(c.UserID()),
				telemetry.LabelContainer.L(c.UID()),
			)
			m.msink.IncrCounterWithLabels(MetricContainerLostCount, 1.0, m.mLabels)
		}
	}
}

// spawn runs fn in the background unless the Master is closed.
func (m *Master) spawn(fn func()) bool {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.closed {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Master) robotAttached() {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.robots++
	m.msink.SetGaugeWithLabels(MetricRobotsActive, float32(m.robots), m.mLabels)
}

func (m *Master) robotDetached() {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.robots--
	m.msink.SetGaugeWithLabels(MetricRobotsActive, float32(m.robots), m.mLabels)
}

// Close destroys every user, waits for the running provisioning and
// closes the network.
func (m *Master) Close() error {
	m.lk.Lock()
	if m.closed {
		m.lk.Unlock()
		return nil
	}
	m.closed = true
	users := m.users
	m.users = make(map[string]*User)
	m.lk.Unlock()

	m.cancel()
	for _, u := range users {
		u.Close()
	}
	m.wg.Wait()
	err := m.net.Close()
	m.logger.Info("master closed")
	return err
}
