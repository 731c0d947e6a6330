package rce

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/network"
	"github.com/raskyld/rce/pkg/placement"
	"github.com/raskyld/rce/pkg/robot"
)

const defaultProvisionTimeout = time.Minute

type config struct {
	logHandler       slog.Handler
	metricSink       metrics.MetricSink
	metricLabels     []metrics.Label
	provisioner      Provisioner
	provisionTimeout time.Duration
	netOpts          []network.Option
	lbOpts           []placement.Option
	robotOpts        []robot.Option
}

// Option to pass to `NewMaster`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use, it is handed to every
// component of the Master.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.netOpts = append(c.netOpts, network.WithLog(handler))
		c.lbOpts = append(c.lbOpts, placement.WithLog(handler))
		c.robotOpts = append(c.robotOpts, robot.WithLog(handler))
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the Master and its components.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		c.netOpts = append(c.netOpts, network.WithMetricSink(ms))
		c.lbOpts = append(c.lbOpts, placement.WithMetricSink(ms))
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// Master and its components.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.netOpts = append(c.netOpts, network.WithMetricLabels(labels))
		c.lbOpts = append(c.lbOpts, placement.WithMetricLabels(labels))
		return nil
	}
}

// WithProvisioner sets how containers are started, it is mandatory.
func WithProvisioner(p Provisioner) Option {
	return func(c *config) error {
		if p == nil {
			return fmt.Errorf("%w: nil provisioner", ErrInvalidCfg)
		}
		c.provisioner = p
		return nil
	}
}

// WithProvisionTimeout bounds the start of a container.
func WithProvisionTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative provision timeout", ErrInvalidCfg)
		}
		if timeout == 0 {
			timeout = defaultProvisionTimeout
		}
		c.provisionTimeout = timeout
		return nil
	}
}

// WithNetworkOptions is applied after the options derived from the
// other settings.
func WithNetworkOptions(opts ...network.Option) Option {
	return func(c *config) error {
		c.netOpts = append(c.netOpts, opts...)
		return nil
	}
}

func WithPlacementOptions(opts ...placement.Option) Option {
	return func(c *config) error {
		c.lbOpts = append(c.lbOpts, opts...)
		return nil
	}
}

func WithRobotOptions(opts ...robot.Option) Option {
	return func(c *config) error {
		c.robotOpts = append(c.robotOpts, opts...)
		return nil
	}
}
