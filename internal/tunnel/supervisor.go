// Package tunnel runs one TCP listener per enabled forwarding rule and
// relays each accepted IPv6 client to a local backend port.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/clock"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/state"
)

// RuleSource lists the configured forwarding rules.
type RuleSource interface {
	ListRules(ctx context.Context) ([]state.ProxyRule, error)
}

// Firewall opens and closes public ports. Errors are informational.
type Firewall interface {
	Allow(port int) error
	Revoke(port int) error
}

// AddressResolver reports the current global IPv6 address.
type AddressResolver interface {
	Resolve() (net.IP, error)
}

// Options configures a Supervisor.
type Options struct {
	Network      string
	ListenHost   string
	BackendHost  string
	DialTimeout  time.Duration
	SettleDelay  time.Duration
	StartStagger time.Duration
	MaxConns     int

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		Network:      "tcp6",
		ListenHost:   "::",
		BackendHost:  "127.0.0.1",
		DialTimeout:  5 * time.Second,
		SettleDelay:  500 * time.Millisecond,
		StartStagger: 100 * time.Millisecond,
		MaxConns:     256,
	}
}

// Status is a point-in-time view of the service.
type Status struct {
	Running     bool   `json:"running"`
	RuleCount   int    `json:"rule_count"`
	ActiveCount int    `json:"active_count"`
	IPv6Addr    string `json:"ipv6_addr"`
}

// Supervisor reconciles enabled rules against running workers.
type Supervisor struct {
	rules    RuleSource
	fw       Firewall
	resolver AddressResolver
	opts     Options
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	workers map[int64]*Worker
}

// NewSupervisor creates a stopped supervisor. fw and resolver may be nil.
func NewSupervisor(rules RuleSource, fw Firewall, resolver AddressResolver, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("tunnel")
	}
	return &Supervisor{
		rules:    rules,
		fw:       fw,
		resolver: resolver,
		opts:     opts,
		logger:   opts.Logger,
		workers:  make(map[int64]*Worker),
	}
}

// Start brings up a worker per enabled rule. Called while running it
// converges the live set on the current rules instead. Bind failures are
// logged and skipped; only an empty rule set while stopped is an error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

// Stop revokes firewall access and stops every worker. Stopping a stopped
// supervisor is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

// Restart stops, waits for port bindings to settle, then starts.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if err := s.opts.Clock.Sleep(ctx, s.opts.SettleDelay); err != nil {
		return err
	}
	return s.startLocked(ctx)
}

// Running reports whether the service is in the running state.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Active returns the rules whose workers are alive, ordered by id.
func (s *Supervisor) Active() []state.ProxyRule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]state.ProxyRule, 0, len(s.workers))
	for _, w := range s.workers {
		if w.Alive() {
			out = append(out, w.Rule())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status reports the aggregate state. The address is best-effort.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("list rules: %w", err)
	}

	s.mu.Lock()
	st := Status{Running: s.running, RuleCount: len(rules)}
	for _, w := range s.workers {
		if w.Alive() {
			st.ActiveCount++
		}
	}
	s.mu.Unlock()

	if s.resolver != nil {
		if ip, err := s.resolver.Resolve(); err == nil {
			st.IPv6Addr = ip.String()
		}
	}
	return st, nil
}

// Snapshot feeds the metrics status collector.
func (s *Supervisor) Snapshot() metrics.ServiceSnapshot {
	st, err := s.Status(context.Background())
	if err != nil {
		s.logger.Debug("status snapshot failed", "error", err)
	}
	return metrics.ServiceSnapshot{
		Running:     st.Running,
		RuleCount:   st.RuleCount,
		ActiveCount: st.ActiveCount,
		HasAddress:  st.IPv6Addr != "",
	}
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	rules, err := s.rules.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	enabled := state.EnabledRules(rules)
	if !s.running && len(enabled) == 0 {
		return ErrNoEnabledRules
	}

	want := make(map[int64]state.ProxyRule, len(enabled))
	for _, r := range enabled {
		want[r.ID] = r
	}

	// Drop workers for removed, disabled, edited or crashed rules first so
	// their ports are free for the start pass.
	stopped := 0
	for id, w := range s.workers {
		r, ok := want[id]
		cur := w.Rule()
		if ok && w.Alive() && r.LocalPort == cur.LocalPort && r.RemotePort == cur.RemotePort {
			continue
		}
		s.stopWorkerLocked(id, w)
		stopped++
	}
	if stopped > 0 && len(enabled) > 0 {
		if err := s.opts.Clock.Sleep(ctx, s.opts.SettleDelay); err != nil {
			return err
		}
	}

	started := 0
	for _, r := range enabled {
		if _, ok := s.workers[r.ID]; ok {
			continue
		}
		if started > 0 {
			if err := s.opts.Clock.Sleep(ctx, s.opts.StartStagger); err != nil {
				return err
			}
		}

		w, err := StartWorker(s.workerConfig(), r)
		if err != nil {
			s.recordStart("error")
			s.logger.Warn("rule not started", "rule", r.ID, "port", r.RemotePort, "error", err)
			continue
		}
		s.recordStart("ok")
		s.workers[r.ID] = w
		started++

		if s.fw != nil {
			_ = s.fw.Allow(r.RemotePort)
		}
	}

	if !s.running {
		s.logger.Info("tunnel service started", "rules", len(enabled), "workers", len(s.workers))
	} else if started > 0 || stopped > 0 {
		s.logger.Info("tunnel service reconciled", "started", started, "stopped", stopped)
	}
	s.running = true
	return nil
}

func (s *Supervisor) stopLocked() {
	if !s.running && len(s.workers) == 0 {
		return
	}
	for id, w := range s.workers {
		s.stopWorkerLocked(id, w)
	}
	s.running = false
	s.logger.Info("tunnel service stopped")
}

func (s *Supervisor) stopWorkerLocked(id int64, w *Worker) {
	if s.fw != nil {
		_ = s.fw.Revoke(w.Rule().RemotePort)
	}
	w.Stop()
	delete(s.workers, id)
}

func (s *Supervisor) workerConfig() WorkerConfig {
	return WorkerConfig{
		Network:     s.opts.Network,
		ListenHost:  s.opts.ListenHost,
		BackendHost: s.opts.BackendHost,
		DialTimeout: s.opts.DialTimeout,
		MaxConns:    s.opts.MaxConns,
		Logger:      s.logger,
		Metrics:     s.opts.Metrics,
	}
}

func (s *Supervisor) recordStart(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.WorkerStarts.WithLabelValues(result).Inc()
	}
}
