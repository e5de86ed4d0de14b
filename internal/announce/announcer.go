package announce

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/clock"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/metrics"
	"grimm.is/v6tunnel/internal/retry"
	"grimm.is/v6tunnel/internal/scheduler"
	"grimm.is/v6tunnel/internal/state"
)

// TaskID names the periodic announcement in the scheduler.
const TaskID = "ipv6-announce"

// Source provides the current config and rules at send time.
type Source interface {
	GetConfig(ctx context.Context) (state.ProxyConfig, error)
	ListRules(ctx context.Context) ([]state.ProxyRule, error)
}

// Resolver reports the current global IPv6 address.
type Resolver interface {
	Resolve() (net.IP, error)
}

// Options configures an Announcer.
type Options struct {
	RetryDelay  time.Duration // wait between attempts when retrying
	MaxAttempts int           // attempts when retrying

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// DefaultOptions retries every 10s for about five minutes.
func DefaultOptions() Options {
	return Options{
		RetryDelay:  10 * time.Second,
		MaxAttempts: 30,
	}
}

// Announcer resolves, renders and posts the address announcement.
type Announcer struct {
	src      Source
	resolver Resolver
	webhook  *Webhook
	sched    *scheduler.Scheduler
	log      *SendLog
	opts     Options
	logger   *logging.Logger

	// armMu makes cancel-then-reschedule of the timer atomic with respect
	// to concurrent config saves.
	armMu sync.Mutex
}

// New creates an Announcer. sched may be nil when no timer is wanted.
func New(src Source, resolver Resolver, webhook *Webhook, sched *scheduler.Scheduler, opts Options) *Announcer {
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("announce")
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Announcer{
		src:      src,
		resolver: resolver,
		webhook:  webhook,
		sched:    sched,
		log:      NewSendLog(SendLogCapacity),
		opts:     opts,
		logger:   opts.Logger,
	}
}

// Log returns the send history.
func (a *Announcer) Log() *SendLog { return a.log }

// SendNow resolves the address and posts the announcement. With retry set
// it tries up to MaxAttempts times RetryDelay apart, counting failed
// resolutions as attempts; otherwise it makes exactly one attempt.
//
// The returned entry is the last one logged (nil if the webhook was never
// reached). The error is informational: callers that only trigger a send
// may ignore it.
func (a *Announcer) SendNow(ctx context.Context, retryOnFail bool) (*SendLogEntry, error) {
	p := retry.Once()
	if retryOnFail {
		p = retry.Fixed(a.opts.RetryDelay, a.opts.MaxAttempts)
	}
	p.Clock = a.opts.Clock
	p.OnRetry = func(attempt int, err error, next time.Duration) {
		a.logger.Info("announcement failed, retrying", "attempt", attempt, "of", a.opts.MaxAttempts, "retry_in", next, "error", err)
	}

	var last *SendLogEntry
	err := retry.Do(ctx, p, func(int) error {
		entry, err := a.attempt(ctx)
		if entry != nil {
			last = entry
		}
		return err
	})
	if err != nil {
		a.logger.Warn("announcement gave up", "error", err)
		return last, err
	}
	a.logger.Info("announcement delivered", "ipv6", last.IPv6Addr)
	return last, nil
}

func (a *Announcer) attempt(ctx context.Context) (*SendLogEntry, error) {
	cfg, err := a.src.GetConfig(ctx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("load config: %w", err))
	}

	ip, err := a.resolver.Resolve()
	if err != nil {
		if a.opts.Metrics != nil {
			a.opts.Metrics.ResolveFailures.Inc()
		}
		return nil, err
	}
	addr := ip.String()

	rules, err := a.src.ListRules(ctx)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("list rules: %w", err))
	}
	var ports []int
	for _, r := range state.EnabledRules(rules) {
		ports = append(ports, r.RemotePort)
	}

	now := a.opts.Clock.Now()
	if !clock.IsReasonableTime(now) {
		a.logger.Warn("system clock looks unset, announced time will be wrong", "now", now)
	}
	body := Render(cfg.WebhookBody, TemplateContext{Address: addr, Ports: ports, Now: now.Local()})

	d, err := a.webhook.Post(ctx, cfg.WebhookURL, body, cfg.WebhookHeaders)
	entry := a.log.Append(SendLogEntry{
		IPv6Addr:  addr,
		Content:   body,
		Response:  d.Response,
		Result:    err == nil,
		CreatedAt: now,
	})
	if a.opts.Metrics != nil {
		a.opts.Metrics.RecordWebhook(err == nil, float64(now.Unix()))
	}

	if errors.Is(err, ErrNoWebhookURL) {
		return &entry, retry.Permanent(err)
	}
	return &entry, err
}

// Rearm cancels the periodic send and, if cfg enables it, schedules a new
// one every SendIntervalMinutes.
func (a *Announcer) Rearm(cfg state.ProxyConfig) error {
	if a.sched == nil {
		return nil
	}

	a.armMu.Lock()
	defer a.armMu.Unlock()

	if !cfg.TimerArmed() {
		if err := a.sched.RemoveTask(TaskID); err != nil && !errors.Is(err, scheduler.ErrTaskNotFound) {
			return err
		}
		a.logger.Info("periodic announcement disarmed")
		return nil
	}

	err := a.sched.ReplaceTask(&scheduler.Task{
		ID:       TaskID,
		Name:     "IPv6 address announcement",
		Schedule: scheduler.EveryMinutes(cfg.SendIntervalMinutes),
		Enabled:  true,
		Timeout:  time.Duration(cfg.SendIntervalMinutes) * time.Minute,
		Func: func(ctx context.Context) error {
			_, err := a.SendNow(ctx, true)
			return err
		},
	})
	if err != nil {
		return err
	}
	a.logger.Info("periodic announcement armed", "interval_minutes", cfg.SendIntervalMinutes)
	return nil
}

// Armed reports whether the periodic send is scheduled.
func (a *Announcer) Armed() bool {
	if a.sched == nil {
		return false
	}
	_, ok := a.sched.GetTaskStatus(TaskID)
	return ok
}
