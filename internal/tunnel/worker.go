package tunnel

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/recovery"
	"grimm.is/v6tunnel/internal/state"
)

// WorkerConfig holds the per-listener settings shared by all workers.
type WorkerConfig struct {
	Network     string // "tcp6" in production, "tcp" in tests
	ListenHost  string
	BackendHost string
	DialTimeout time.Duration
	MaxConns    int // 0 = unlimited

	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Worker owns the listening socket for one rule.
type Worker struct {
	rule     state.ProxyRule
	cfg      WorkerConfig
	listener net.Listener
	backend  string
	port     string
	logger   *logging.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	alive    atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// StartWorker binds rule.RemotePort and begins accepting. A bind failure
// is returned as *BindError.
func StartWorker(cfg WorkerConfig, rule state.ProxyRule) (*Worker, error) {
	if cfg.Network == "" {
		cfg.Network = "tcp6"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("tunnel")
	}

	addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(rule.RemotePort))
	ln, err := net.Listen(cfg.Network, addr)
	if err != nil {
		return nil, &BindError{Port: rule.RemotePort, Addr: addr, Err: err}
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}

	w := &Worker{
		rule:     rule,
		cfg:      cfg,
		listener: ln,
		backend:  net.JoinHostPort(cfg.BackendHost, strconv.Itoa(rule.LocalPort)),
		port:     metrics.Port(rule.RemotePort),
		logger:   cfg.Logger.WithFields(map[string]any{"rule": rule.ID, "port": rule.RemotePort}),
		conns:    make(map[net.Conn]struct{}),
		stopCh:   make(chan struct{}),
	}
	w.alive.Store(true)

	w.wg.Add(1)
	go w.acceptLoop()

	w.logger.Info("worker listening", "addr", ln.Addr().String(), "backend", w.backend)
	return w, nil
}

// Rule returns the rule this worker serves.
func (w *Worker) Rule() state.ProxyRule { return w.rule }

// Addr returns the bound address.
func (w *Worker) Addr() net.Addr { return w.listener.Addr() }

// Alive reports whether the accept loop is still running.
func (w *Worker) Alive() bool { return w.alive.Load() }

// ConnCount returns the number of relays in progress.
func (w *Worker) ConnCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// Stop closes the listener, terminates in-flight relays and waits for them.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.listener.Close()

		w.mu.Lock()
		for c := range w.conns {
			c.Close()
		}
		w.mu.Unlock()
	})
	w.wg.Wait()
}

func (w *Worker) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) acceptLoop() {
	defer w.wg.Done()
	defer w.alive.Store(false)
	defer recovery.RecoverWithLog(w.logger.Logger, "tunnel.Worker.acceptLoop")

	var backoff time.Duration
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if w.stopping() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				w.logger.Error("listener closed unexpectedly")
				return
			}
			// Transient (EMFILE and friends): back off like net/http does.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			w.logger.Warn("accept error", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-w.stopCh:
				return
			}
			continue
		}
		backoff = 0

		if !w.track(conn) {
			conn.Close()
			return
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.ConnectionsTotal.WithLabelValues(w.port).Inc()
		}

		w.wg.Add(1)
		go w.handle(conn)
	}
}

// track registers conn unless the worker is already stopping.
func (w *Worker) track(conn net.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping() {
		return false
	}
	w.conns[conn] = struct{}{}
	return true
}

func (w *Worker) untrack(conn net.Conn) {
	w.mu.Lock()
	delete(w.conns, conn)
	w.mu.Unlock()
}

func (w *Worker) handle(conn net.Conn) {
	defer w.wg.Done()
	defer w.untrack(conn)
	defer conn.Close()
	defer recovery.RecoverWithLog(w.logger.Logger, "tunnel.Worker.handle")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backend, err := w.dial(ctx)
	if err != nil {
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.ConnectErrors.WithLabelValues(w.port).Inc()
		}
		w.logger.Debug("dropping client", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}

	if w.cfg.Metrics != nil {
		active := w.cfg.Metrics.ConnectionsActive.WithLabelValues(w.port)
		active.Inc()
		defer active.Dec()
	}

	w.logger.Debug("relay started", "remote", conn.RemoteAddr().String())
	in, out := relay(conn, backend)
	w.logger.Debug("relay finished", "remote", conn.RemoteAddr().String(), "bytes_in", in, "bytes_out", out)

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.BytesRelayed.WithLabelValues(w.port, "in").Add(float64(in))
		w.cfg.Metrics.BytesRelayed.WithLabelValues(w.port, "out").Add(float64(out))
	}
}

func (w *Worker) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: w.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", w.backend)
	if err != nil {
		return nil, &ConnectError{Addr: w.backend, Err: err}
	}
	return c, nil
}
