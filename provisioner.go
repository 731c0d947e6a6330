package rce

import (
	"context"
	"fmt"

	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/errdefs"
	"github.com/raskyld/rce/pkg/network"
	"github.com/raskyld/rce/pkg/placement"
)

// Provisioner starts the endpoint process of a container on the machine
// it was assigned to.
//
// The returned Control is closed when the container is destroyed.
type Provisioner interface {
	Provision(ctx context.Context, c *placement.Container) (network.Control, error)
}

// ProvisionerFunc adapts a function to the Provisioner interface.
type ProvisionerFunc func(ctx context.Context, c *placement.Container) (network.Control, error)

func (fn ProvisionerFunc) Provision(ctx context.Context, c *placement.Container) (network.Control, error) {
	return fn(ctx, c)
}

// LocalProvisioner hosts every endpoint in the current process, it is
// meant for single machine deployments and tests.
type LocalProvisioner struct {
	opts []endpoint.Option
}

// NewLocalProvisioner returns a provisioner starting endpoints with opts,
// the name of each endpoint is set after them.
func NewLocalProvisioner(opts ...endpoint.Option) *LocalProvisioner {
	return &LocalProvisioner{opts: opts}
}

func (lp *LocalProvisioner) Provision(ctx context.Context, c *placement.Container) (network.Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep, err := lp.Host(c.UID())
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Host starts an endpoint named name, robots are hosted this way.
func (lp *LocalProvisioner) Host(name string) (*endpoint.Endpoint, error) {
	opts := append(append([]endpoint.Option(nil), lp.opts...), endpoint.WithName(name))
	ep, err := endpoint.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrContainerProcess, err)
	}
	return ep, nil
}
