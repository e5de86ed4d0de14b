// Package v6proxy ties the rule store, tunnel supervisor and announcer
// into the operations exposed by the management API.
package v6proxy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"grimm.is/v6tunnel/internal/announce"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/recovery"
	"grimm.is/v6tunnel/internal/scheduler"
	"grimm.is/v6tunnel/internal/services"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
	"grimm.is/v6tunnel/internal/validation"
)

// Name is the service name reported in status.
const Name = "ipv6-proxy"

// Deps are the collaborators of the service.
type Deps struct {
	Store       state.Store
	Supervisor  *tunnel.Supervisor
	Announcer   *announce.Announcer
	Scheduler   *scheduler.Scheduler
	BackendHost string // shown in the forwarding summary
	Logger      *logging.Logger
}

// Service is the facade over the IPv6 proxy core.
type Service struct {
	store       state.Store
	sup         *tunnel.Supervisor
	ann         *announce.Announcer
	sched       *scheduler.Scheduler
	backendHost string
	logger      *logging.Logger

	// cfgMu serializes config saves so store contents and timer state
	// always match the last save.
	cfgMu sync.Mutex

	// asyncMu orders SendAsync's wg.Add against Stop's cancel.
	asyncMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	lastErr error
}

var _ services.Service = (*Service)(nil)

// New creates the service. Start must be called to run boot actions.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = logging.WithComponent("v6proxy")
	}
	if d.BackendHost == "" {
		d.BackendHost = "127.0.0.1"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:       d.Store,
		sup:         d.Supervisor,
		ann:         d.Announcer,
		sched:       d.Scheduler,
		backendHost: d.BackendHost,
		logger:      d.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Name implements services.Service.
func (s *Service) Name() string { return Name }

// Start runs the boot sequence: arm the timer, bring the tunnel up when
// enabled with auto-start, and send one announcement if sending is on.
func (s *Service) Start(ctx context.Context) error {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("load proxy config: %w", err)
	}

	if s.sched != nil {
		s.sched.Start()
	}
	if err := s.ann.Rearm(cfg); err != nil {
		s.logger.Warn("failed to arm announcement timer", "error", err)
	}

	if cfg.Enabled && cfg.AutoStart {
		if err := s.sup.Start(ctx); err != nil {
			s.setLastErr(err)
			s.logger.Warn("auto-start did not bring the tunnel up", "error", err)
		}
	}

	if cfg.SendEnabled && cfg.WebhookURL != "" {
		s.SendAsync()
	}

	s.logger.Info("ipv6 proxy initialized", "enabled", cfg.Enabled, "auto_start", cfg.AutoStart, "send_enabled", cfg.SendEnabled)
	return nil
}

// Stop cancels background sends, stops the timer and the tunnel.
func (s *Service) Stop(ctx context.Context) error {
	s.asyncMu.Lock()
	s.cancel()
	s.asyncMu.Unlock()

	if s.sched != nil {
		s.sched.Stop()
	}
	s.wg.Wait()
	return s.sup.Stop(ctx)
}

// Status implements services.Service.
func (s *Service) Status() services.ServiceStatus {
	st := services.ServiceStatus{Name: Name, Running: s.sup.Running()}
	s.mu.Lock()
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	s.mu.Unlock()
	if s.sched != nil {
		st.Tasks = s.sched.GetStatus()
	}
	return st
}

func (s *Service) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// GetConfig returns the stored proxy config.
func (s *Service) GetConfig(ctx context.Context) (state.ProxyConfig, error) {
	return s.store.GetConfig(ctx)
}

// SetConfig validates and saves cfg, re-arms the timer and, with
// auto-start set, brings the tunnel up. Auto-start forces enabled. The
// saved config is returned.
func (s *Service) SetConfig(ctx context.Context, cfg state.ProxyConfig) (state.ProxyConfig, error) {
	if err := ValidateConfig(cfg); err != nil {
		return state.ProxyConfig{}, err
	}
	if cfg.AutoStart {
		cfg.Enabled = true
	}
	if strings.TrimSpace(cfg.WebhookBody) == "" {
		cfg.WebhookBody = state.DefaultWebhookBody
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if err := s.store.SetConfig(ctx, cfg); err != nil {
		return state.ProxyConfig{}, fmt.Errorf("save config: %w", err)
	}
	s.logger.Audit("config.update", "ipv6-proxy/config", map[string]any{
		"enabled":       cfg.Enabled,
		"auto_start":    cfg.AutoStart,
		"send_enabled":  cfg.SendEnabled,
		"send_interval": cfg.SendIntervalMinutes,
	})

	if err := s.ann.Rearm(cfg); err != nil {
		s.logger.Warn("failed to re-arm announcement timer", "error", err)
	}

	if cfg.AutoStart {
		if err := s.sup.Start(ctx); err != nil {
			s.setLastErr(err)
			s.logger.Warn("auto-start did not bring the tunnel up", "error", err)
		}
	}
	return cfg, nil
}

// ValidateConfig rejects configs that cannot be acted on.
func ValidateConfig(cfg state.ProxyConfig) error {
	if cfg.SendIntervalMinutes < 0 {
		return &validation.ConfigError{Field: "send_interval", Value: cfg.SendIntervalMinutes, Reason: "must not be negative"}
	}
	if cfg.SendEnabled || cfg.WebhookURL != "" {
		if err := validation.ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return err
		}
	}
	return validation.ValidateHeaderLines(cfg.WebhookHeaders)
}

// ListRules returns all rules ordered by id.
func (s *Service) ListRules(ctx context.Context) ([]state.ProxyRule, error) {
	return s.store.ListRules(ctx)
}

// AddRule creates an enabled rule. It takes effect on the next start.
func (s *Service) AddRule(ctx context.Context, localPort, remotePort int) (int64, error) {
	id, err := s.store.AddRule(ctx, localPort, remotePort)
	if err != nil {
		return 0, err
	}
	s.logger.Audit("rule.add", fmt.Sprintf("ipv6-proxy/rules/%d", id), map[string]any{
		"local_port":  localPort,
		"remote_port": remotePort,
	})
	return id, nil
}

// UpdateRule replaces a rule's ports and enabled flag.
func (s *Service) UpdateRule(ctx context.Context, rule state.ProxyRule) error {
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return err
	}
	s.logger.Audit("rule.update", fmt.Sprintf("ipv6-proxy/rules/%d", rule.ID), map[string]any{
		"local_port":  rule.LocalPort,
		"remote_port": rule.RemotePort,
		"enabled":     rule.Enabled,
	})
	return nil
}

// DeleteRule removes a rule.
func (s *Service) DeleteRule(ctx context.Context, id int64) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.logger.Audit("rule.delete", fmt.Sprintf("ipv6-proxy/rules/%d", id), nil)
	return nil
}

// StartProxy starts (or reconciles) the tunnel.
func (s *Service) StartProxy(ctx context.Context) error {
	err := s.sup.Start(ctx)
	s.setLastErr(err)
	if err == nil {
		s.logger.Audit("service.start", "ipv6-proxy", nil)
	}
	return err
}

// StopProxy stops every worker.
func (s *Service) StopProxy(ctx context.Context) error {
	if err := s.sup.Stop(ctx); err != nil {
		return err
	}
	s.setLastErr(nil)
	s.logger.Audit("service.stop", "ipv6-proxy", nil)
	return nil
}

// RestartProxy stops then starts the tunnel.
func (s *Service) RestartProxy(ctx context.Context) error {
	err := s.sup.Restart(ctx)
	s.setLastErr(err)
	if err == nil {
		s.logger.Audit("service.restart", "ipv6-proxy", nil)
	}
	return err
}

// ProxyStatus reports running state, counts and the current address.
func (s *Service) ProxyStatus(ctx context.Context) (tunnel.Status, error) {
	return s.sup.Status(ctx)
}

// SendAsync triggers a retrying announcement in the background.
func (s *Service) SendAsync() {
	s.asyncMu.Lock()
	defer s.asyncMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger.Logger, "v6proxy.SendAsync")
		s.ann.SendNow(s.ctx, true)
	}()
}

// TestSend makes one attempt and returns its log entry. The entry is nil
// when no address could be resolved.
func (s *Service) TestSend(ctx context.Context) (*announce.SendLogEntry, error) {
	return s.ann.SendNow(ctx, false)
}

// Logs returns the last n send attempts, newest first.
func (s *Service) Logs(n int) []announce.SendLogEntry {
	return s.ann.Log().Recent(n)
}

// Summary renders a human-readable description of the forwarding setup.
func (s *Service) Summary(ctx context.Context) (string, error) {
	st, err := s.sup.Status(ctx)
	if err != nil {
		return "", err
	}
	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	running := "stopped"
	if st.Running {
		running = "running"
	}
	fmt.Fprintf(&b, "IPv6 port forwarding: %s (%d/%d active)\n", running, st.ActiveCount, st.RuleCount)

	addr := st.IPv6Addr
	if addr == "" {
		b.WriteString("Address: unavailable\n")
		addr = "<ipv6>"
	} else {
		fmt.Fprintf(&b, "Address: %s\n", addr)
	}

	if len(rules) == 0 {
		b.WriteString("No forwarding rules configured.\n")
		return b.String(), nil
	}
	for _, r := range rules {
		mode := "disabled"
		if r.Enabled {
			mode = "enabled"
		}
		fmt.Fprintf(&b, "[%s]:%d -> %s:%d (%s)\n", addr, r.RemotePort, s.backendHost, r.LocalPort, mode)
	}
	return b.String(), nil
}
