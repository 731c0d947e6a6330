package placement

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

type membershipConfig struct {
	mlCfg      *memberlist.Config
	logHandler slog.Handler
	peers      []string
	onLost     func([]*Container)
}

// MembershipOption to pass to `Join`
type MembershipOption func(*membershipConfig) error

// WithGossipBind specifies which interface the gossip protocol listens on.
func WithGossipBind(addr string, port int) MembershipOption {
	return func(c *membershipConfig) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		return nil
	}
}

// WithGossipLog specifies which `slog.Handler` to use.
func WithGossipLog(handler slog.Handler) MembershipOption {
	return func(c *membershipConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithGossipMetricLabels adds static labels to the metrics of memberlist.
func WithGossipMetricLabels(labels []metrics.Label) MembershipOption {
	return func(c *membershipConfig) error {
		// memberlist still emits through the armon flavour.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithGossipPeers controls which machines are tried initially to join
// the cluster.
func WithGossipPeers(peers []string) MembershipOption {
	return func(c *membershipConfig) error {
		c.peers = peers
		return nil
	}
}

// WithLostContainers is called with the containers of a machine which
// left the cluster.
func WithLostContainers(fn func([]*Container)) MembershipOption {
	return func(c *membershipConfig) error {
		c.onLost = fn
		return nil
	}
}

// Membership discovers the machines of the cluster through gossip and
// keeps the LoadBalancer in sync with them.
type Membership struct {
	logger *slog.Logger
	ml     *memberlist.Memberlist

	lk       sync.Mutex
	shutdown bool
}

// Join announces the local machine and joins the configured peers, the
// local machine is added to lb like any other member.
func Join(lb *LoadBalancer, local MachineSpec, opts ...MembershipOption) (*Membership, error) {
	cfg := &membershipConfig{
		mlCfg: memberlist.DefaultLANConfig(),
	}
	cfg.mlCfg.Name = local.Name
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.logHandler == nil {
		cfg.logHandler = slog.Default().Handler()
	}
	logger := slog.New(cfg.logHandler)
	cfg.mlCfg.Logger = slog.NewLogLogger(cfg.logHandler, slog.LevelDebug)

	g := &gossip{
		lb:     lb,
		logger: logger,
		meta:   marshalMeta(local),
		onLost: cfg.onLost,
	}
	cfg.mlCfg.Delegate = g
	cfg.mlCfg.Events = g

	ml, err := memberlist.Create(cfg.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	ms := &Membership{
		logger: logger,
		ml:     ml,
	}

	if len(cfg.peers) > 0 {
		joined, err := ml.Join(cfg.peers)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("placement: join cluster: %w", err)
		}
		if joined != len(cfg.peers) {
			logger.Warn(
				"not all peers are reachable",
				"joined", joined,
				"expected", len(cfg.peers),
			)
		}
	}
	logger.Info("cluster joined", "members", ml.NumMembers())
	return ms, nil
}

// Addr is where other machines can join us.
func (ms *Membership) Addr() string {
	return ms.ml.LocalNode().Address()
}

// Members returns the names of the live machines.
func (ms *Membership) Members() []string {
	nodes := ms.ml.Members()
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.Name)
	}
	return out
}

// Leave broadcasts our departure then stops gossiping.
func (ms *Membership) Leave(timeout time.Duration) error {
	ms.lk.Lock()
	defer ms.lk.Unlock()
	if ms.shutdown {
		return ErrMembershipClosed
	}
	ms.shutdown = true

	leaveErr := ms.ml.Leave(timeout)
	if err := ms.ml.Shutdown(); err != nil {
		return err
	}
	if leaveErr != nil {
		ms.logger.Warn("could not broadcast leave", "error", leaveErr)
	}
	return nil
}
