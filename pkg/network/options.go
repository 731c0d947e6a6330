package network

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const defaultHandshakeTimeout = 30 * time.Second

type config struct {
	logHandler       slog.Handler
	metricSink       metrics.MetricSink
	metricLabels     []metrics.Label
	handshakeTimeout time.Duration
	clock            clock.Clock
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the Network.
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
// Network.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithHandshakeTimeout bounds the establishment of a connection between
// two endpoints, from the preparation to the verification of both keys.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative handshake timeout", ErrInvalidCfg)
		}
		if timeout == 0 {
			timeout = defaultHandshakeTimeout
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithClock is mostly useful to tests.
func WithClock(clk clock.Clock) Option {
	return func(c *config) error {
		if clk == nil {
			clk = clock.New()
		}
		c.clock = clk
		return nil
	}
}
