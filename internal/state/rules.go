package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"grimm.is/v6tunnel/internal/validation"
)

// ProxyRule maps a public IPv6 port to a local backend port.
type ProxyRule struct {
	ID         int64     `json:"id"`
	LocalPort  int       `json:"local_port"`
	RemotePort int       `json:"remote_port"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// EnabledRules filters rules down to those that should be served.
func EnabledRules(rules []ProxyRule) []ProxyRule {
	out := make([]ProxyRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (ProxyRule, error) {
	var (
		r       ProxyRule
		enabled int
	)
	if err := row.Scan(&r.ID, &r.LocalPort, &r.RemotePort, &enabled, &r.CreatedAt); err != nil {
		return ProxyRule{}, err
	}
	r.Enabled = enabled != 0
	return r, nil
}

// ListRules returns every rule ordered by id.
func (s *SQLiteStore) ListRules(ctx context.Context) ([]ProxyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_port, remote_port, enabled, created_at
		FROM proxy_rules ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []ProxyRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns one rule or ErrNotFound.
func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (ProxyRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ProxyRule{}, ErrStoreClosed
	}

	r, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT id, local_port, remote_port, enabled, created_at
		FROM proxy_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ProxyRule{}, ErrNotFound
	}
	if err != nil {
		return ProxyRule{}, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return r, nil
}

// AddRule validates and inserts an enabled rule, returning its id.
func (s *SQLiteStore) AddRule(ctx context.Context, localPort, remotePort int) (int64, error) {
	if err := validation.ValidateRulePorts(localPort, remotePort); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxy_rules`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	if count >= MaxRules {
		return 0, ErrTooManyRules
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO proxy_rules (local_port, remote_port, enabled, created_at)
		VALUES (?, ?, 1, ?)`, localPort, remotePort, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read rule id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rule: %w", err)
	}
	return id, nil
}

// UpdateRule rewrites ports and enabled flag of an existing rule.
// ID and CreatedAt are immutable.
func (s *SQLiteStore) UpdateRule(ctx context.Context, rule ProxyRule) error {
	if rule.ID <= 0 {
		return &validation.ConfigError{Field: "id", Value: rule.ID, Reason: "must be positive"}
	}
	if err := validation.ValidateRulePorts(rule.LocalPort, rule.RemotePort); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE proxy_rules SET local_port = ?, remote_port = ?, enabled = ?
		WHERE id = ?`, rule.LocalPort, rule.RemotePort, boolToInt(rule.Enabled), rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", rule.ID, err)
	}
	return requireAffected(res)
}

// DeleteRule removes a rule.
func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	if id <= 0 {
		return &validation.ConfigError{Field: "id", Value: id, Reason: "must be positive"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM proxy_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
