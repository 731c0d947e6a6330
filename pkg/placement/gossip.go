package placement

import (
	"log/slog"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/rce/pkg/telemetry"
)

// gossip turns membership events into machines of the LoadBalancer.
type gossip struct {
	lb     *LoadBalancer
	logger *slog.Logger
	meta   []byte
	onLost func([]*Container)
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		telemetry.LabelMachine.L(node.Name),
		telemetry.LabelPeerAddr.L(node.Address()),
	)
}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)
	spec, err := unmarshalMeta(node.Name, node.Meta)
	if err != nil {
		logger.Warn("ignoring machine with malformed metadata", telemetry.LabelError.L(err))
		return
	}
	if _, err := g.lb.AddMachine(spec); err != nil {
		logger.Warn("failed to add machine", telemetry.LabelError.L(err))
		return
	}
	logger.Info("machine joined cluster")
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(g.logger, node)
	lost, err := g.lb.RemoveMachine(node.Name)
	if err != nil {
		logger.Debug("unknown machine left cluster", telemetry.LabelError.L(err))
		return
	}
	logger.Info("machine left cluster", telemetry.LabelCount.L(len(lost)))
	if len(lost) > 0 && g.onLost != nil {
		g.onLost(lost)
	}
}

// NotifyUpdate only logs: the capacity of a machine is fixed while it is
// part of the cluster.
func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("machine updated")
}

func (g *gossip) NodeMeta(limit int) []byte {
	if len(g.meta) > limit {
		g.logger.Error("machine metadata exceeds gossip limit", "limit", limit, "size", len(g.meta))
		return nil
	}
	return g.meta
}

func (g *gossip) NotifyMsg([]byte)                           {}
func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *gossip) LocalState(join bool) []byte                { return nil }
func (g *gossip) MergeRemoteState(buf []byte, join bool)     {}
