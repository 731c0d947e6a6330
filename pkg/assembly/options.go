package assembly

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-metrics"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultCleanupInterval = 10 * time.Second
)

var (
	ErrInvalidCfg = errors.New("assembly: invalid configuration")
	ErrClosed     = errors.New("assembly: assembler is closed")
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	timeout      time.Duration
	interval     time.Duration
	clock        clock.Clock
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

func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTimeout is how long an incomplete message is kept.
func WithTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative timeout", ErrInvalidCfg)
		}
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		c.timeout = timeout
		return nil
	}
}

// WithCleanupInterval is the period of the sweep of incomplete messages.
func WithCleanupInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return fmt.Errorf("%w: negative cleanup interval", ErrInvalidCfg)
		}
		if interval == 0 {
			interval = DefaultCleanupInterval
		}
		c.interval = interval
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
