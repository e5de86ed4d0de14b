// Package api serves the management HTTP API for the IPv6 proxy.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/announce"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/ratelimit"
	"grimm.is/v6tunnel/internal/services"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
)

// APIPrefix is the mount point of the proxy endpoints.
const APIPrefix = "/api/ipv6-proxy"

// ServerConfig holds HTTP server security configuration.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64

	// Idle per-client test-send buckets are pruned on this cadence.
	LimiterCleanupInterval time.Duration
	LimiterMaxAge          time.Duration
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Test sends wait on the webhook, so leave room past its timeout.
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 16,
		MaxBodyBytes:   1 << 20,

		LimiterCleanupInterval: 5 * time.Minute,
		LimiterMaxAge:          10 * time.Minute,
	}
}

// ProxyService is the facade the handlers drive.
type ProxyService interface {
	GetConfig(ctx context.Context) (state.ProxyConfig, error)
	SetConfig(ctx context.Context, cfg state.ProxyConfig) (state.ProxyConfig, error)

	ListRules(ctx context.Context) ([]state.ProxyRule, error)
	AddRule(ctx context.Context, localPort, remotePort int) (int64, error)
	UpdateRule(ctx context.Context, rule state.ProxyRule) error
	DeleteRule(ctx context.Context, id int64) error

	StartProxy(ctx context.Context) error
	StopProxy(ctx context.Context) error
	RestartProxy(ctx context.Context) error
	ProxyStatus(ctx context.Context) (tunnel.Status, error)

	SendAsync()
	TestSend(ctx context.Context) (*announce.SendLogEntry, error)
	Logs(n int) []announce.SendLogEntry
	Summary(ctx context.Context) (string, error)

	Status() services.ServiceStatus
}

// ServerOptions holds dependencies for the API server
type ServerOptions struct {
	Service ProxyService
	Metrics *metrics.Registry // nil disables /metrics and request metrics
	Logger  *logging.Logger
	Config  *ServerConfig

	// TestRate is the minimum spacing of manual test sends per client.
	TestRate time.Duration
}

// Server handles API requests.
type Server struct {
	svc         ProxyService
	metrics     *metrics.Registry
	logger      *logging.Logger
	config      *ServerConfig
	testLimiter *ratelimit.Limiter
	testRate    time.Duration
	startTime   time.Time

	mu          sync.Mutex
	http        *http.Server
	stopCleanup context.CancelFunc

	mux *http.ServeMux
}

// NewServer creates a new API server with the provided options
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Service == nil {
		return nil, errors.New("api: service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultServerConfig()
	}

	s := &Server{
		svc:         opts.Service,
		metrics:     opts.Metrics,
		logger:      logger,
		config:      cfg,
		testLimiter: ratelimit.NewLimiter(opts.TestRate, 1),
		testRate:    opts.TestRate,
		startTime:   time.Now(),
		mux:         http.NewServeMux(),
	}
	s.initRoutes()
	return s, nil
}

func (s *Server) initRoutes() {
	p := APIPrefix
	s.mux.HandleFunc("GET "+p+"/config", s.handleGetConfig)
	s.mux.HandleFunc("PUT "+p+"/config", s.handleSetConfig)

	s.mux.HandleFunc("GET "+p+"/rules", s.handleListRules)
	s.mux.HandleFunc("POST "+p+"/rules", s.handleAddRule)
	s.mux.HandleFunc("PUT "+p+"/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE "+p+"/rules/{id}", s.handleDeleteRule)

	s.mux.HandleFunc("POST "+p+"/start", s.handleStart)
	s.mux.HandleFunc("POST "+p+"/stop", s.handleStop)
	s.mux.HandleFunc("POST "+p+"/restart", s.handleRestart)
	s.mux.HandleFunc("GET "+p+"/status", s.handleStatus)

	s.mux.HandleFunc("POST "+p+"/send", s.handleSend)
	s.mux.HandleFunc("POST "+p+"/test", s.handleTest)
	s.mux.HandleFunc("GET "+p+"/logs", s.handleLogs)
	s.mux.HandleFunc("GET "+p+"/summary", s.handleSummary)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.maxBodyMiddleware(s.config.MaxBodyBytes)(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

func (s *Server) newHTTPServer() *http.Server {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
		MaxHeaderBytes:    s.config.MaxHeaderBytes,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	return srv
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

// ServeListener serves on an existing listener until Shutdown.
func (s *Server) ServeListener(listener net.Listener) error {
	srv := s.newHTTPServer()
	stop := s.startLimiterCleanup()
	defer stop()

	s.logger.Info("API server starting", "addr", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startLimiterCleanup prunes idle test-send buckets while the server runs.
// Buckets younger than the test rate are kept so pruning never lifts a limit.
func (s *Server) startLimiterCleanup() context.CancelFunc {
	interval := s.config.LimiterCleanupInterval
	if interval <= 0 {
		return func() {}
	}
	maxAge := max(s.config.LimiterMaxAge, s.testRate)

	ctx, cancel := context.WithCancel(context.Background())
	s.testLimiter.StartCleanup(ctx, interval, maxAge)

	s.mu.Lock()
	s.stopCleanup = cancel
	s.mu.Unlock()
	return cancel
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	if s.stopCleanup != nil {
		s.stopCleanup()
		s.stopCleanup = nil
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
