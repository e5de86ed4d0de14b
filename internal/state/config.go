package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ProxyConfig is the service-wide proxy and announcement configuration.
type ProxyConfig struct {
	Enabled             bool   `json:"enabled"`
	AutoStart           bool   `json:"auto_start"`
	SendEnabled         bool   `json:"send_enabled"`
	SendIntervalMinutes int    `json:"send_interval"`
	WebhookURL          string `json:"webhook_url"`
	WebhookBody         string `json:"webhook_body"`
	WebhookHeaders      string `json:"webhook_headers"`
}

// DefaultProxyConfig is returned before any config has been saved.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		SendIntervalMinutes: DefaultSendIntervalMinutes,
		WebhookBody:         DefaultWebhookBody,
	}
}

// TimerArmed reports whether periodic announcements should run.
func (c ProxyConfig) TimerArmed() bool {
	return c.SendEnabled && c.SendIntervalMinutes > 0
}

// GetConfig returns the saved config, or DefaultProxyConfig if none exists.
// An empty saved body template is replaced by the default.
func (s *SQLiteStore) GetConfig(ctx context.Context) (ProxyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ProxyConfig{}, ErrStoreClosed
	}

	var (
		cfg                             ProxyConfig
		enabled, autoStart, sendEnabled int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT enabled, auto_start, send_enabled, send_interval,
		       webhook_url, webhook_body, webhook_headers
		FROM proxy_config WHERE id = 1`).Scan(
		&enabled, &autoStart, &sendEnabled, &cfg.SendIntervalMinutes,
		&cfg.WebhookURL, &cfg.WebhookBody, &cfg.WebhookHeaders)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultProxyConfig(), nil
	}
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("failed to load proxy config: %w", err)
	}

	cfg.Enabled = enabled != 0
	cfg.AutoStart = autoStart != 0
	cfg.SendEnabled = sendEnabled != 0
	if cfg.WebhookBody == "" {
		cfg.WebhookBody = DefaultWebhookBody
	}
	return cfg, nil
}

// SetConfig replaces the saved config.
func (s *SQLiteStore) SetConfig(ctx context.Context, cfg ProxyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO proxy_config
			(id, enabled, auto_start, send_enabled, send_interval,
			 webhook_url, webhook_body, webhook_headers, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		boolToInt(cfg.Enabled), boolToInt(cfg.AutoStart), boolToInt(cfg.SendEnabled),
		cfg.SendIntervalMinutes, cfg.WebhookURL, cfg.WebhookBody, cfg.WebhookHeaders,
		s.now())
	if err != nil {
		return fmt.Errorf("failed to save proxy config: %w", err)
	}
	return nil
}
