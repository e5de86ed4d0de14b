package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/v6tunnel/internal/announce"
	"grimm.is/v6tunnel/internal/api"
	"grimm.is/v6tunnel/internal/brand"
	"grimm.is/v6tunnel/internal/config"
	"grimm.is/v6tunnel/internal/firewall"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/network"
	"grimm.is/v6tunnel/internal/scheduler"
	"grimm.is/v6tunnel/internal/services/v6proxy"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
)

// shutdownTimeout bounds graceful shutdown of the API and workers.
const shutdownTimeout = 10 * time.Second

// daemon is the assembled process: store, proxy service and API.
type daemon struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *state.SQLiteStore
	service *v6proxy.Service
	server  *api.Server
	closers []io.Closer
}

// RunServe runs the daemon in the foreground until SIGINT or SIGTERM.
func RunServe(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	logger, closers, err := initLogging(cfg.Log)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	reg := metrics.Get()
	d, err := newDaemon(cfg, logger, reg)
	if err != nil {
		closeAll(closers)
		return err
	}
	d.closers = append(d.closers, closers...)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		d.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.run(ctx, ln)
}

// initLogging builds the daemon logger, teeing to remote syslog when
// configured. The returned closers release the syslog connection.
func initLogging(lc *config.LogConfig) (*logging.Logger, []io.Closer, error) {
	levelName := lc.Level
	if env := brand.GetLogLevel(); env != "" {
		levelName = env
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, nil, err
	}

	var (
		out     io.Writer = os.Stderr
		closers []io.Closer
	)
	if sc := lc.Syslog; sc != nil {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Host:     sc.Host,
			Port:     sc.Port,
			Protocol: sc.Protocol,
			Tag:      sc.Tag,
		})
		if err != nil {
			// Remote logging is best effort; keep running on stderr.
			fmt.Fprintf(os.Stderr, "syslog disabled: %v\n", err)
		} else {
			out = io.MultiWriter(os.Stderr, w)
			closers = append(closers, w)
		}
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Output = out
	cfg.JSON = lc.JSON
	cfg.AddSource = lc.Source
	return logging.New(cfg), closers, nil
}

// newDaemon wires every component from cfg. Nothing is started yet.
func newDaemon(cfg *config.Config, logger *logging.Logger, reg *metrics.Registry) (*daemon, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(cfg.DatabasePath))
	if err != nil {
		return nil, err
	}

	fw := firewall.New(cfg.Firewall, logger.WithComponent("firewall"), reg)
	resolver := network.NewResolver(cfg.Tunnel.Interface)

	tc := cfg.Tunnel
	supOpts := tunnel.DefaultOptions()
	supOpts.ListenHost = tc.ListenHost
	supOpts.BackendHost = tc.BackendHost
	supOpts.DialTimeout = tc.DialTimeoutDuration()
	supOpts.SettleDelay = tc.SettleDelayDuration()
	supOpts.StartStagger = tc.StartStaggerDuration()
	supOpts.MaxConns = tc.MaxConns()
	supOpts.Logger = logger.WithComponent("tunnel")
	supOpts.Metrics = reg
	sup := tunnel.NewSupervisor(store, fw, resolver, supOpts)

	sched := scheduler.New(scheduler.Options{Logger: logger})

	ac := cfg.Announce
	annOpts := announce.DefaultOptions()
	annOpts.RetryDelay = ac.RetryDelayDuration()
	annOpts.MaxAttempts = ac.MaxAttempts
	annOpts.Logger = logger.WithComponent("announce")
	annOpts.Metrics = reg
	ann := announce.New(store, resolver, announce.NewWebhook(ac.TimeoutDuration(), ac.Require2xx), sched, annOpts)

	svc := v6proxy.New(v6proxy.Deps{
		Store:       store,
		Supervisor:  sup,
		Announcer:   ann,
		Scheduler:   sched,
		BackendHost: tc.BackendHost,
		Logger:      logger.WithComponent("v6proxy"),
	})

	var apiMetrics *metrics.Registry
	if cfg.Metrics.Enabled {
		apiMetrics = reg
		if err := reg.Register(metrics.NewStatusCollector(sup.Snapshot)); err != nil {
			logger.Warn("status collector not registered", "error", err)
		}
	}

	server, err := api.NewServer(api.ServerOptions{
		Service:  svc,
		Metrics:  apiMetrics,
		Logger:   logger.WithComponent("api"),
		TestRate: ac.TestRateDuration(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &daemon{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		service: svc,
		server:  server,
	}, nil
}

// run boots the proxy service and serves the API on ln until ctx ends.
func (d *daemon) run(ctx context.Context, ln net.Listener) error {
	d.logger.Info("starting", "version", brand.Version, "listen", ln.Addr().String(), "firewall", d.cfg.Firewall.Backend)

	if err := d.service.Start(ctx); err != nil {
		ln.Close()
		d.shutdown()
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.ServeListener(ln) }()

	var serveErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			d.logger.Error("API server failed", "error", serveErr)
		}
	}

	d.shutdown()
	return serveErr
}

func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("API shutdown", "error", err)
	}
	if err := d.service.Stop(ctx); err != nil {
		d.logger.Warn("proxy shutdown", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close", "error", err)
	}
	closeAll(d.closers)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
