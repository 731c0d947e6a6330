// Package config loads the configuration of the rced daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Name      string `toml:"name"`
	LogLevel  string `toml:"log_level"`
	Transport string `toml:"transport"`

	// Listen is the address the endpoints hosted by the daemon bind to,
	// each on its own port.
	Listen string `toml:"listen"`

	TLS     TLS     `toml:"tls"`
	Machine Machine `toml:"machine"`
	Gossip  Gossip  `toml:"gossip"`
	Network Network `toml:"network"`
	Robot   Robot   `toml:"robot"`
}

type TLS struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
	CA   string `toml:"ca"`
}

// Machine describes the machine the daemon runs on.
type Machine struct {
	Addr     string   `toml:"addr"`
	Capacity int      `toml:"capacity"`
	Features []string `toml:"features"`

	// Topology is either "netlink" or "none".
	Topology string `toml:"topology"`
}

type Gossip struct {
	Enabled bool     `toml:"enabled"`
	Bind    string   `toml:"bind"`
	Port    int      `toml:"port"`
	Peers   []string `toml:"peers"`
}

type Network struct {
	HandshakeTimeout     time.Duration `toml:"handshake_timeout"`
	MaxContainersPerUser int           `toml:"max_containers_per_user"`
	GroupSubnets         string        `toml:"group_subnets"`
}

type Robot struct {
	CallTimeout     time.Duration `toml:"call_timeout"`
	AssemblyTimeout time.Duration `toml:"assembly_timeout"`
	CleanupInterval time.Duration `toml:"cleanup_interval"`
}

func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "rced"
	}
	return &Config{
		Name:      hostname,
		LogLevel:  "info",
		Transport: "tcp",
		Listen:    "0.0.0.0",
		Machine: Machine{
			Addr:     "127.0.0.1",
			Capacity: 10,
			Topology: "none",
		},
		Gossip: Gossip{
			Bind: "0.0.0.0",
			Port: 7946,
		},
		Network: Network{
			HandshakeTimeout:     30 * time.Second,
			MaxContainersPerUser: 0,
			GroupSubnets:         "10.100.0.0/16",
		},
		Robot: Robot{
			CallTimeout:     30 * time.Second,
			AssemblyTimeout: 30 * time.Second,
			CleanupInterval: 10 * time.Second,
		},
	}
}

// Load applies the TOML file at path, if any, over the defaults, then
// the RCE_* environment variables. An empty path looks for rced.toml in
// the working directory and in /etc/rce.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, cand := range []string{"rced.toml", filepath.Join("/etc", "rce", "rced.toml")} {
			if fi, err := os.Stat(cand); err == nil && !fi.IsDir() {
				path = cand
				break
			}
		}
	}

	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	if v := os.Getenv("RCE_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("RCE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RCE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("RCE_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("RCE_MACHINE_ADDR"); v != "" {
		cfg.Machine.Addr = v
	}
	if v := os.Getenv("RCE_GOSSIP_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RCE_GOSSIP_PORT: %w", ErrInvalid, err)
		}
		cfg.Gossip.Port = p
	}
	if v := os.Getenv("RCE_MACHINE_CAPACITY"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: RCE_MACHINE_CAPACITY: %w", ErrInvalid, err)
		}
		cfg.Machine.Capacity = c
	}
	if v := os.Getenv("RCE_GOSSIP_PEERS"); v != "" {
		cfg.Gossip.Enabled = true
		cfg.Gossip.Peers = strings.Split(v, ",")
	}
	if v := os.Getenv("RCE_HANDSHAKE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: RCE_HANDSHAKE_TIMEOUT: %w", ErrInvalid, err)
		}
		cfg.Network.HandshakeTimeout = d
	}
	return nil
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalid)
	case cfg.Gossip.Port < 0 || cfg.Gossip.Port > 65535:
		return fmt.Errorf("%w: gossip port %d out of range", ErrInvalid, cfg.Gossip.Port)
	case cfg.Transport != "tcp" && cfg.Transport != "quic":
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, cfg.Transport)
	case cfg.Transport == "quic" && (cfg.TLS.Cert == "" || cfg.TLS.Key == ""):
		return fmt.Errorf("%w: quic requires a TLS certificate and key", ErrInvalid)
	case cfg.Machine.Capacity <= 0:
		return fmt.Errorf("%w: machine capacity must be positive", ErrInvalid)
	case cfg.Machine.Topology != "none" && cfg.Machine.Topology != "netlink":
		return fmt.Errorf("%w: unknown topology %q", ErrInvalid, cfg.Machine.Topology)
	}
	return nil
}
