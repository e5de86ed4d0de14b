package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/validation"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks every field after defaults have been applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		add("listen", "invalid address %q: %v", c.Listen, err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	if s := c.Log.Syslog; s != nil {
		if s.Host == "" {
			add("log.syslog.host", "required")
		}
		if err := validation.ValidatePortNumber(s.Port); err != nil {
			add("log.syslog.port", "%v", err)
		}
		if s.Protocol != "udp" && s.Protocol != "tcp" {
			add("log.syslog.protocol", "must be udp or tcp, got %q", s.Protocol)
		}
	}

	switch c.Firewall.Backend {
	case FirewallNFTables, FirewallIP6Tables, FirewallNone:
	default:
		add("firewall.backend", "must be one of nftables, ip6tables, none; got %q", c.Firewall.Backend)
	}
	if err := validation.ValidateIdentifier(c.Firewall.Table); err != nil {
		add("firewall.table", "%v", err)
	}
	if err := validation.ValidateIdentifier(c.Firewall.Chain); err != nil {
		add("firewall.chain", "%v", err)
	}

	t := c.Tunnel
	if net.ParseIP(t.ListenHost) == nil {
		add("tunnel.listen_host", "not an IP address: %q", t.ListenHost)
	}
	if net.ParseIP(t.BackendHost) == nil {
		add("tunnel.backend_host", "not an IP address: %q", t.BackendHost)
	}
	checkDuration(add, "tunnel.dial_timeout", t.DialTimeout, true)
	checkDuration(add, "tunnel.settle_delay", t.SettleDelay, false)
	checkDuration(add, "tunnel.start_stagger", t.StartStagger, false)
	if t.MaxConns() < 0 {
		add("tunnel.max_connections", "must not be negative")
	}
	if t.Interface != "" {
		if err := validation.ValidateInterfaceName(t.Interface); err != nil {
			add("tunnel.interface", "%v", err)
		}
	}

	a := c.Announce
	checkDuration(add, "announce.retry_delay", a.RetryDelay, false)
	checkDuration(add, "announce.timeout", a.Timeout, true)
	checkDuration(add, "announce.test_rate", a.TestRate, false)
	if a.MaxAttempts < 1 {
		add("announce.max_attempts", "must be at least 1")
	}

	return errs
}

func checkDuration(add func(string, string, ...any), field, value string, positive bool) {
	d, err := time.ParseDuration(value)
	if err != nil {
		add(field, "invalid duration %q", value)
		return
	}
	if d < 0 || (positive && d == 0) {
		add(field, "out of range: %s", value)
	}
}
