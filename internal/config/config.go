// Package config loads the daemon's static settings from an HCL file.
//
// Runtime state that operators change through the API (the proxy config and
// forwarding rules) lives in the state store, not here.
package config

import (
	"path/filepath"
	"time"

	"grimm.is/v6tunnel/internal/brand"
)

// Config is the root of the daemon config file.
type Config struct {
	Listen       string `hcl:"listen,optional" json:"listen"`
	StateDir     string `hcl:"state_dir,optional" json:"state_dir"`
	DatabasePath string `hcl:"database,optional" json:"database,omitempty"`

	Log      *LogConfig      `hcl:"log,block" json:"log"`
	Firewall *FirewallConfig `hcl:"firewall,block" json:"firewall"`
	Tunnel   *TunnelConfig   `hcl:"tunnel,block" json:"tunnel"`
	Announce *AnnounceConfig `hcl:"announce,block" json:"announce"`
	Metrics  *MetricsConfig  `hcl:"metrics,block" json:"metrics"`
}

// LogConfig controls the daemon logger.
type LogConfig struct {
	Level  string        `hcl:"level,optional" json:"level"`
	JSON   bool          `hcl:"json,optional" json:"json"`
	Source bool          `hcl:"source,optional" json:"source"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig enables a remote syslog copy of the log stream.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port"`
	Protocol string `hcl:"protocol,optional" json:"protocol"`
	Tag      string `hcl:"tag,optional" json:"tag"`
}

// Firewall backends.
const (
	FirewallNFTables  = "nftables"
	FirewallIP6Tables = "ip6tables"
	FirewallNone      = "none"
)

// FirewallConfig selects how listening ports are opened.
type FirewallConfig struct {
	Backend string `hcl:"backend,optional" json:"backend"`
	// nftables only: the inet table/chain receiving accept rules, by default
	// OpenWrt's fw4 input chain. A missing chain is created in a private
	// table, which cannot admit traffic the system input chain drops.
	Table string `hcl:"table,optional" json:"table"`
	Chain string `hcl:"chain,optional" json:"chain"`
	// ip6tables only.
	Binary string `hcl:"binary,optional" json:"binary"`
}

// TunnelConfig tunes workers and relays.
type TunnelConfig struct {
	ListenHost     string `hcl:"listen_host,optional" json:"listen_host"`
	BackendHost    string `hcl:"backend_host,optional" json:"backend_host"`
	DialTimeout    string `hcl:"dial_timeout,optional" json:"dial_timeout"`
	SettleDelay    string `hcl:"settle_delay,optional" json:"settle_delay"`
	StartStagger   string `hcl:"start_stagger,optional" json:"start_stagger"`
	// nil means DefaultMaxConnections, 0 means unlimited.
	MaxConnections *int   `hcl:"max_connections,optional" json:"max_connections"`
	Interface      string `hcl:"interface,optional" json:"interface,omitempty"`
}

// AnnounceConfig tunes webhook delivery.
type AnnounceConfig struct {
	RetryDelay  string `hcl:"retry_delay,optional" json:"retry_delay"`
	MaxAttempts int    `hcl:"max_attempts,optional" json:"max_attempts"`
	Timeout     string `hcl:"timeout,optional" json:"timeout"`
	Require2xx  bool   `hcl:"require_2xx,optional" json:"require_2xx"`
	TestRate    string `hcl:"test_rate,optional" json:"test_rate"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`
}

// DefaultMaxConnections caps concurrent relays per worker.
const DefaultMaxConnections = 256

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = brand.DefaultAPIListen
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.StateDir, brand.DatabaseFileName)
	}

	if c.Log == nil {
		c.Log = &LogConfig{}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if s := c.Log.Syslog; s != nil {
		if s.Port == 0 {
			s.Port = 514
		}
		if s.Protocol == "" {
			s.Protocol = "udp"
		}
	}

	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Firewall.Backend == "" {
		c.Firewall.Backend = FirewallIP6Tables
	}
	if c.Firewall.Table == "" {
		c.Firewall.Table = "fw4"
	}
	if c.Firewall.Chain == "" {
		c.Firewall.Chain = "input"
	}
	if c.Firewall.Binary == "" {
		c.Firewall.Binary = "ip6tables"
	}

	if c.Tunnel == nil {
		c.Tunnel = &TunnelConfig{}
	}
	t := c.Tunnel
	if t.ListenHost == "" {
		t.ListenHost = "::"
	}
	if t.BackendHost == "" {
		t.BackendHost = "127.0.0.1"
	}
	if t.DialTimeout == "" {
		t.DialTimeout = "5s"
	}
	if t.SettleDelay == "" {
		t.SettleDelay = "500ms"
	}
	if t.StartStagger == "" {
		t.StartStagger = "100ms"
	}
	if t.MaxConnections == nil {
		n := DefaultMaxConnections
		t.MaxConnections = &n
	}

	if c.Announce == nil {
		c.Announce = &AnnounceConfig{}
	}
	a := c.Announce
	if a.RetryDelay == "" {
		a.RetryDelay = "10s"
	}
	if a.MaxAttempts == 0 {
		a.MaxAttempts = 30
	}
	if a.Timeout == "" {
		a.Timeout = "10s"
	}
	if a.TestRate == "" {
		a.TestRate = "1s"
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{Enabled: true}
	}
}

// Durations are validated on load; these accessors fall back to zero.

func (t *TunnelConfig) DialTimeoutDuration() time.Duration  { return mustDuration(t.DialTimeout) }
func (t *TunnelConfig) SettleDelayDuration() time.Duration  { return mustDuration(t.SettleDelay) }
func (t *TunnelConfig) StartStaggerDuration() time.Duration { return mustDuration(t.StartStagger) }
func (a *AnnounceConfig) RetryDelayDuration() time.Duration { return mustDuration(a.RetryDelay) }
func (a *AnnounceConfig) TimeoutDuration() time.Duration    { return mustDuration(a.Timeout) }
func (a *AnnounceConfig) TestRateDuration() time.Duration   { return mustDuration(a.TestRate) }

// MaxConns is the per-worker connection cap, 0 meaning unlimited.
func (t *TunnelConfig) MaxConns() int {
	if t.MaxConnections == nil {
		return DefaultMaxConnections
	}
	return *t.MaxConnections
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
