package robot

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raskyld/rce/pkg/assembly"
)

const defaultCallTimeout = 30 * time.Second

var (
	ErrInvalidCfg = errors.New("robot: invalid configuration")
	ErrClosed     = errors.New("robot: session is closed")
)

type config struct {
	logHandler  slog.Handler
	callTimeout time.Duration
	asmOpts     []assembly.Option
}

// Option to pass to `NewSession`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithCallTimeout bounds the service calls issued by the robot and the
// time the robot has to answer a request.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative call timeout", ErrInvalidCfg)
		}
		if timeout == 0 {
			timeout = defaultCallTimeout
		}
		c.callTimeout = timeout
		return nil
	}
}

// WithAssembly configures the assembly of the messages sent in parts.
func WithAssembly(opts ...assembly.Option) Option {
	return func(c *config) error {
		c.asmOpts = append(c.asmOpts, opts...)
		return nil
	}
}
