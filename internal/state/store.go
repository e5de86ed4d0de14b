// Package state persists the proxy configuration and forwarding rules.
//
// The store is a single SQLite database (modernc.org/sqlite, pure Go, so the
// daemon cross-compiles for gateway SoCs without CGO). It holds two tables:
// proxy_config, a single row keyed id=1, and proxy_rules.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/clock"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// MaxRules caps the number of forwarding rules.
const MaxRules = 10

// Defaults applied to a fresh proxy_config row.
const (
	DefaultSendIntervalMinutes = 60
	DefaultWebhookBody         = `{"ipv6":"#{ipv6}","link":"#{link}","time":"#{time}"}`
)

// Common errors
var (
	ErrNotFound     = errors.New("rule not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrTooManyRules = fmt.Errorf("rule limit reached (max %d)", MaxRules)
)

// Store is the contract the proxy service consumes.
type Store interface {
	GetConfig(ctx context.Context) (ProxyConfig, error)
	SetConfig(ctx context.Context, cfg ProxyConfig) error

	ListRules(ctx context.Context) ([]ProxyRule, error)
	GetRule(ctx context.Context, id int64) (ProxyRule, error)
	AddRule(ctx context.Context, localPort, remotePort int) (int64, error)
	UpdateRule(ctx context.Context, rule ProxyRule) error
	DeleteRule(ctx context.Context, id int64) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	clock  clock.Clock
}

// Options configures the SQLite store.
type Options struct {
	Path    string      // Database file path (":memory:" for in-memory)
	WALMode bool        // Enable WAL mode for better concurrency
	Clock   clock.Clock // Optional: time source (defaults to clock.Real)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
	}
}

// NewSQLiteStore opens (creating if needed) the database and its schema.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and every connection to
	// ":memory:" would otherwise be a separate database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}

	s := &SQLiteStore{db: db, clock: clk}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS proxy_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0,
			auto_start INTEGER NOT NULL DEFAULT 0,
			send_enabled INTEGER NOT NULL DEFAULT 0,
			send_interval INTEGER NOT NULL DEFAULT 60,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_body TEXT NOT NULL DEFAULT '',
			webhook_headers TEXT NOT NULL DEFAULT '',
			updated_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS proxy_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			local_port INTEGER NOT NULL,
			remote_port INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database. Further calls return ErrStoreClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// now truncates to seconds so round-tripped timestamps compare equal.
func (s *SQLiteStore) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Second)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
