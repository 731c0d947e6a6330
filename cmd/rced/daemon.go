package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/rce"
	"github.com/raskyld/rce/pkg/assembly"
	"github.com/raskyld/rce/pkg/config"
	"github.com/raskyld/rce/pkg/endpoint"
	"github.com/raskyld/rce/pkg/network"
	"github.com/raskyld/rce/pkg/placement"
	"github.com/raskyld/rce/pkg/robot"
	"github.com/urfave/cli/v2"
)

const leaveTimeout = 5 * time.Second

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("name") {
		cfg.Name = c.String("name")
	}
	if c.IsSet("gossip-port") {
		cfg.Gossip.Port = c.Int("gossip-port")
	}
	if peers := c.StringSlice("join"); len(peers) > 0 {
		cfg.Gossip.Enabled = true
		cfg.Gossip.Peers = peers
	}
	return cfg, cfg.Validate()
}

func logHandler(level string) (slog.Handler, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", config.ErrInvalid, level)
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}), nil
}

func loadTLS(cfg config.TLS) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	if cfg.CA != "" {
		pem, err := os.ReadFile(cfg.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", cfg.CA)
		}
		tlsConf.RootCAs = pool
		tlsConf.ClientCAs = pool
	}
	return tlsConf, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	handler, err := logHandler(cfg.LogLevel)
	if err != nil {
		return err
	}
	handler = handler.WithAttrs([]slog.Attr{slog.String("machine", cfg.Name)})
	logger := slog.New(handler)

	// SIGUSR1 dumps the collected metrics to stderr.
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	signalDump := metrics.DefaultInmemSignal(sink)
	defer signalDump.Stop()

	addr, err := netip.ParseAddr(cfg.Machine.Addr)
	if err != nil {
		return fmt.Errorf("%w: machine address: %w", config.ErrInvalid, err)
	}
	subnets, err := netip.ParsePrefix(cfg.Network.GroupSubnets)
	if err != nil {
		return fmt.Errorf("%w: group subnets: %w", config.ErrInvalid, err)
	}

	epOpts := []endpoint.Option{
		endpoint.WithListenOn(cfg.Listen, 0),
		endpoint.WithTransport(cfg.Transport),
		endpoint.WithLog(handler),
		endpoint.WithMetricSink(sink),
	}
	if cfg.TLS.Cert != "" {
		tlsConf, err := loadTLS(cfg.TLS)
		if err != nil {
			return err
		}
		epOpts = append(epOpts, endpoint.WithTlsConfig(tlsConf))
	}
	prov := rce.NewLocalProvisioner(epOpts...)

	lbOpts := []placement.Option{
		placement.WithGroupSubnets(subnets),
		placement.WithMaxContainersPerUser(cfg.Network.MaxContainersPerUser),
	}
	if cfg.Machine.Topology == "netlink" {
		topo, err := placement.NewNetlinkTopology(cfg.Name)
		if err != nil {
			return err
		}
		lbOpts = append(lbOpts, placement.WithTopology(topo))
	}

	master, err := rce.NewMaster(
		rce.WithLog(handler),
		rce.WithMetricSink(sink),
		rce.WithProvisioner(prov),
		rce.WithNetworkOptions(network.WithHandshakeTimeout(cfg.Network.HandshakeTimeout)),
		rce.WithPlacementOptions(lbOpts...),
		rce.WithRobotOptions(
			robot.WithCallTimeout(cfg.Robot.CallTimeout),
			robot.WithAssembly(
				assembly.WithTimeout(cfg.Robot.AssemblyTimeout),
				assembly.WithCleanupInterval(cfg.Robot.CleanupInterval),
				assembly.WithMetricSink(sink),
			),
		),
	)
	if err != nil {
		return err
	}

	local := placement.MachineSpec{
		Name:     cfg.Name,
		Addr:     addr,
		Capacity: cfg.Machine.Capacity,
		Features: cfg.Machine.Features,
	}

	var membership *placement.Membership
	if cfg.Gossip.Enabled {
		membership, err = placement.Join(
			master.LoadBalancer(),
			local,
			placement.WithGossipBind(cfg.Gossip.Bind, cfg.Gossip.Port),
			placement.WithGossipLog(handler),
			placement.WithGossipPeers(cfg.Gossip.Peers),
			placement.WithLostContainers(master.ContainersLost),
		)
		if err != nil {
			master.Close()
			return err
		}
		logger.Info("joined the cluster", "members", strings.Join(membership.Members(), ","))
	} else if _, err := master.LoadBalancer().AddMachine(local); err != nil {
		master.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	logger.Info("rced running", "capacity", cfg.Machine.Capacity, "transport", cfg.Transport)
	<-ctx.Done()
	logger.Info("shutting down")

	var errs []error
	if membership != nil {
		errs = append(errs, membership.Leave(leaveTimeout))
	}
	errs = append(errs, master.Close())
	if err := errors.Join(errs...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
