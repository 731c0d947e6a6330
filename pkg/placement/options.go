package placement

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultPoolFirst = 2
	defaultPoolLast  = 254
)

var defaultGroupSubnets = netip.MustParsePrefix("10.100.0.0/16")

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	topology     Topology
	subnets      netip.Prefix
	poolFirst    int
	poolLast     int
	maxPerUser   int
}

// Option to pass to `NewLoadBalancer`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the LoadBalancer.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// LoadBalancer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTopology sets what builds the bridges and tunnels of the network
// groups, nothing is built by default.
func WithTopology(topo Topology) Option {
	return func(c *config) error {
		if topo == nil {
			topo = NopTopology{}
		}
		c.topology = topo
		return nil
	}
}

// WithGroupSubnets sets the IPv4 range carved into one /24 per network
// group.
func WithGroupSubnets(prefix netip.Prefix) Option {
	return func(c *config) error {
		prefix = prefix.Masked()
		if !prefix.Addr().Is4() || prefix.Bits() > 24 {
			return fmt.Errorf("%w: group subnets must be an IPv4 prefix of at most 24 bits, got %s", ErrInvalidCfg, prefix)
		}
		c.subnets = prefix
		return nil
	}
}

// WithIPPool restricts the host part of the addresses handed out in a
// group to [first, last].
func WithIPPool(first, last int) Option {
	return func(c *config) error {
		if first < 1 || last > 254 || first > last {
			return fmt.Errorf("%w: invalid IP pool [%d, %d]", ErrInvalidCfg, first, last)
		}
		c.poolFirst = first
		c.poolLast = last
		return nil
	}
}

// WithMaxContainersPerUser bounds the number of containers of a single
// user, unbounded if zero.
func WithMaxContainersPerUser(n int) Option {
	return func(c *config) error {
		if n < 0 {
			return fmt.Errorf("%w: negative container limit", ErrInvalidCfg)
		}
		c.maxPerUser = n
		return nil
	}
}
