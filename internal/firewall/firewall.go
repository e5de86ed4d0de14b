// Package firewall opens and closes the public ports served by tunnel
// workers. Operations are idempotent and best-effort: the platform's
// default policy may already admit the traffic, so a missing tool or a
// permission error is logged and never stops a worker from listening.
package firewall

import (
	"fmt"
	"sync"

	"grimm.is/v6tunnel/internal/config"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
)

// Backend installs and removes one accept rule per TCP port.
type Backend interface {
	Name() string
	// Allow must probe for an existing rule before inserting one.
	Allow(port int) error
	// Revoke must succeed when no rule exists.
	Revoke(port int) error
}

// Error describes a failed firewall operation.
type Error struct {
	Op      string
	Port    int
	Backend string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("firewall %s %s port %d: %v", e.Backend, e.Op, e.Port, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Manager serializes backend calls and turns failures into log lines.
type Manager struct {
	backend Backend
	logger  *logging.Logger
	metrics *metrics.Registry
	mu      sync.Mutex
}

// NewManager wraps a backend. A nil registry disables metrics.
func NewManager(backend Backend, logger *logging.Logger, reg *metrics.Registry) *Manager {
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	return &Manager{backend: backend, logger: logger, metrics: reg}
}

// New selects a backend from config. If the requested backend cannot be
// opened the manager falls back to Noop and says so.
func New(cfg *config.FirewallConfig, logger *logging.Logger, reg *metrics.Registry) *Manager {
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case config.FirewallNFTables:
		backend, err = NewNFTables(cfg.Table, cfg.Chain, logger)
	case config.FirewallIP6Tables:
		backend = NewIP6Tables(cfg.Binary, DefaultCommandRunner)
	default:
		backend = Noop{}
	}
	if err != nil {
		logger.Warn("firewall backend unavailable, ports will not be opened", "backend", cfg.Backend, "error", err)
		backend = Noop{}
	}
	logger.Info("firewall backend selected", "backend", backend.Name())
	return NewManager(backend, logger, reg)
}

// Backend returns the active backend name.
func (m *Manager) Backend() string {
	return m.backend.Name()
}

// Allow opens port. The returned error is informational.
func (m *Manager) Allow(port int) error {
	return m.do("allow", port, m.backend.Allow)
}

// Revoke closes port. The returned error is informational.
func (m *Manager) Revoke(port int) error {
	return m.do("revoke", port, m.backend.Revoke)
}

func (m *Manager) do(op string, port int, fn func(int) error) error {
	m.mu.Lock()
	err := fn(port)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordFirewall(m.backend.Name(), op, err)
	}
	if err != nil {
		ferr := &Error{Op: op, Port: port, Backend: m.backend.Name(), Err: err}
		m.logger.Warn("firewall operation failed", "op", op, "port", port, "error", err)
		return ferr
	}
	m.logger.Debug("firewall operation applied", "op", op, "port", port)
	return nil
}

// Noop leaves the firewall untouched.
type Noop struct{}

func (Noop) Name() string     { return config.FirewallNone }
func (Noop) Allow(int) error  { return nil }
func (Noop) Revoke(int) error { return nil }
