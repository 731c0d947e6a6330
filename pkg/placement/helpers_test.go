package placement

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func newTestBalancer(t *testing.T, opts ...Option) (*LoadBalancer, *metrics.InmemSink) {
	t.Helper()
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	opts = append([]Option{
		WithLog(testHandler("placement")),
		WithMetricSink(sink),
	}, opts...)
	lb, err := NewLoadBalancer(opts...)
	require.NoError(t, err)
	return lb, sink
}

func mustMachine(t *testing.T, lb *LoadBalancer, name string, capacity int, ip string) *Machine {
	t.Helper()
	m, err := lb.AddMachine(MachineSpec{
		Name:     name,
		Addr:     netip.MustParseAddr(ip),
		Capacity: capacity,
	})
	require.NoError(t, err)
	return m
}

// recordingTopology keeps the links it would have built.
type recordingTopology struct {
	lk      sync.Mutex
	bridges map[string]bool
	tunnels map[string]bool
	fail    bool
}

func newRecordingTopology() *recordingTopology {
	return &recordingTopology{
		bridges: make(map[string]bool),
		tunnels: make(map[string]bool),
	}
}

func (r *recordingTopology) AddBridge(m *Machine, g *NetworkGroup) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.fail {
		return fmt.Errorf("operation not permitted")
	}
	r.bridges[fmt.Sprintf("%s/%s", m.Name(), g.Name())] = true
	return nil
}

func (r *recordingTopology) RemoveBridge(m *Machine, g *NetworkGroup) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	delete(r.bridges, fmt.Sprintf("%s/%s", m.Name(), g.Name()))
	return nil
}

func (r *recordingTopology) AddTunnel(g *NetworkGroup, local, remote *Machine) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.tunnels[fmt.Sprintf("%s/%s->%s", g.Name(), local.Name(), remote.Name())] = true
	return nil
}

func (r *recordingTopology) RemoveTunnel(g *NetworkGroup, local, remote *Machine) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	delete(r.tunnels, fmt.Sprintf("%s/%s->%s", g.Name(), local.Name(), remote.Name()))
	return nil
}

func (r *recordingTopology) snapshot() (bridges, tunnels []string) {
	r.lk.Lock()
	defer r.lk.Unlock()
	for b := range r.bridges {
		bridges = append(bridges, b)
	}
	for tun := range r.tunnels {
		tunnels = append(tunnels, tun)
	}
	return bridges, tunnels
}

func counted(sink *metrics.InmemSink, name string) bool {
	for _, intv := range sink.Data() {
		intv.RLock()
		_, ok := intv.Counters[name]
		intv.RUnlock()
		if ok {
			return true
		}
	}
	return false
}
