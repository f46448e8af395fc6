package core

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DNSConfig configures upstream resolvers and local filtering.
type DNSConfig struct {
	// Upstreams are the real resolver addresses; the first one is the
	// default and doubles as the watchdog probe target.
	Upstreams []string `yaml:"upstreams" validate:"required,min=1,dive,ip"`

	// SyntheticCIDR is the IPv4 range synthetic resolver addresses are
	// allocated from, one per upstream, starting at base+1.
	SyntheticCIDR string `yaml:"synthetic_cidr" validate:"required,cidrv4"`

	// Blocklist holds names answered locally with NXDOMAIN.
	Blocklist []string `yaml:"blocklist" validate:"dive,fqdn|hostname_rfc1123"`
}

// WatchdogConfig configures the tunnel liveness watchdog.
type WatchdogConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TunnelConfig configures access to the externally provisioned tunnel device.
type TunnelConfig struct {
	// ProtectMark is the SO_MARK applied to upstream sockets so host
	// policy routing can exempt them from tunnel capture. 0 disables.
	ProtectMark uint32 `yaml:"protect_mark"`
}

// Config is the root configuration document.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	DNS      DNSConfig      `yaml:"dns" validate:"required"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
}

// DefaultConfig returns the built-in configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		DNS: DNSConfig{
			Upstreams:     []string{"9.9.9.9", "1.1.1.1"},
			SyntheticCIDR: "198.18.0.0/24",
		},
		Watchdog: WatchdogConfig{Enabled: true},
	}
}

var validate = validator.New()

// LoadConfig reads, parses and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks structural constraints beyond what YAML parsing enforces.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// The synthetic range must fit one address per upstream plus the
	// reserved network address.
	prefix, err := netip.ParsePrefix(c.DNS.SyntheticCIDR)
	if err != nil {
		return fmt.Errorf("invalid synthetic_cidr: %w", err)
	}
	capacity := 1 << (32 - prefix.Bits())
	if len(c.DNS.Upstreams) > capacity-2 {
		return fmt.Errorf("synthetic_cidr %s too small for %d upstreams",
			c.DNS.SyntheticCIDR, len(c.DNS.Upstreams))
	}
	return nil
}

// UpstreamAddrs returns the parsed upstream resolver addresses.
// Call only after Validate.
func (c *Config) UpstreamAddrs() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.DNS.Upstreams))
	for _, s := range c.DNS.Upstreams {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream %q: %w", s, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}
