package endpoint

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce/pkg/frame"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

type config struct {
	name         string
	bindAddr     string
	bindPort     int
	transport    string
	tlsConf      *tls.Config
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	maxFrame     int
	workers      int
	dialTimeout  time.Duration
	runner       NodeRunner
}

func defaultConfig() *config {
	return &config{
		bindAddr:    "127.0.0.1",
		transport:   TransportTCP,
		maxFrame:    frame.DefaultMaxLength,
		workers:     16,
		dialTimeout: 30 * time.Second,
		runner:      nopRunner{},
	}
}

func (c *config) listenAddr() string {
	return net.JoinHostPort(c.bindAddr, strconv.Itoa(c.bindPort))
}

// Option to pass to `New`
type Option func(*config) error

// WithName is used in logs and metrics to identify the endpoint.
func WithName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithListenOn specifies where the endpoint accepts connections from
// other endpoints. A port of 0 lets the kernel choose.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: invalid port %d", ErrInvalidCfg, port)
		}
		if addr != "" {
			c.bindAddr = addr
		}
		c.bindPort = port
		return nil
	}
}

// WithTransport chooses between `TransportTCP` and `TransportQUIC`.
func WithTransport(name string) Option {
	return func(c *config) error {
		switch name {
		case "":
			c.transport = TransportTCP
		case TransportTCP, TransportQUIC:
			c.transport = name
		default:
			return fmt.Errorf("%w: %q", ErrUnknownTransport, name)
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the QUIC transport.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the endpoint.
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
// endpoint.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithMaxFrameLength bounds the payload of a single frame.
func WithMaxFrameLength(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			n = frame.DefaultMaxLength
		}
		c.maxFrame = n
		return nil
	}
}

// WithWorkers bounds how many service requests are handled concurrently.
func WithWorkers(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("%w: workers must be positive", ErrInvalidCfg)
		}
		c.workers = n
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote endpoint to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithNodeRunner sets who launches the nodes added to namespaces.
func WithNodeRunner(runner NodeRunner) Option {
	return func(c *config) error {
		if runner == nil {
			runner = nopRunner{}
		}
		c.runner = runner
		return nil
	}
}
