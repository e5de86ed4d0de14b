// Package scheduler runs periodic tasks on their own goroutines.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"grimm.is/v6tunnel/internal/clock"
	"grimm.is/v6tunnel/internal/logging"
	"grimm.is/v6tunnel/internal/recovery"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// TaskFunc is a function that performs a scheduled task.
// It receives a context that will be cancelled if the scheduler stops or
// the task is replaced or removed.
type TaskFunc func(ctx context.Context) error

// Schedule defines when a task should run.
type Schedule interface {
	// Next returns the next time the task should run after the given time.
	Next(after time.Time) time.Time
}

// Task represents a scheduled task.
type Task struct {
	ID       string
	Name     string
	Schedule Schedule
	Func     TaskFunc
	Enabled  bool
	// Timeout bounds one execution; zero means until cancelled.
	Timeout time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

// Options configures a Scheduler.
type Options struct {
	Logger *logging.Logger
	Clock  clock.Clock
	Tick   time.Duration // how often due tasks are checked (default 1s)
}

// Scheduler manages and runs scheduled tasks.
type Scheduler struct {
	tasks   map[string]*taskEntry
	mu      sync.Mutex
	logger  *slog.Logger
	clock   clock.Clock
	tick    time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type taskEntry struct {
	task    *Task
	status  TaskStatus
	nextRun time.Time
	// cancel is set while an execution is in flight; at most one
	// execution per entry runs at a time.
	cancel context.CancelFunc
}

// New creates a new scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*taskEntry),
		logger: logger.WithComponent("scheduler").Logger,
		clock:  clk,
		tick:   tick,
		ctx:    ctx,
		cancel: cancel,
	}
}

func validateTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Schedule == nil {
		return fmt.Errorf("task schedule is required")
	}
	if is, ok := task.Schedule.(*IntervalSchedule); ok && (is == nil || is.Interval <= 0) {
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}
	return nil
}

func (s *Scheduler) newEntry(task *Task) *taskEntry {
	entry := &taskEntry{
		task: task,
		status: TaskStatus{
			ID:      task.ID,
			Name:    task.Name,
			Enabled: task.Enabled,
		},
	}
	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}
	return entry
}

// ReplaceTask installs task under its id, cancelling any in-flight run of
// the task it replaces. The swap happens under one lock, so two versions
// of the same task never both stay scheduled.
func (s *Scheduler) ReplaceTask(task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.tasks[task.ID]; exists {
		if old.cancel != nil {
			old.cancel()
		}
	}
	entry := s.newEntry(task)
	s.tasks[task.ID] = entry
	s.logger.Info("task scheduled", "id", task.ID, "next_run", entry.nextRun)
	return nil
}

// RemoveTask removes a task from the scheduler.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	// Cancel if running
	if entry.cancel != nil {
		entry.cancel()
	}

	delete(s.tasks, id)
	s.logger.Info("task removed", "id", id)
	return nil
}

// GetStatus returns the status of all tasks, sorted by name.
func (s *Scheduler) GetStatus() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		statuses = append(statuses, entry.status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// GetTaskStatus returns the status of a specific task.
func (s *Scheduler) GetTaskStatus(id string) (TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.tasks[id]
	if !exists {
		return TaskStatus{}, false
	}
	return entry.status, true
}

// Start starts the scheduler loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.ctx.Err() != nil {
		return
	}
	s.running = true
	s.logger.Info("scheduler started")

	s.wg.Add(1)
	go s.run()
}

// Stop cancels running tasks and waits for them to return. A stopped
// scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	if wasRunning {
		s.logger.Info("scheduler stopped")
	}
}

// run is the main scheduler loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAndRunTasks(s.clock.Now())
		}
	}
}

// checkAndRunTasks dispatches every enabled task that is due at now.
func (s *Scheduler) checkAndRunTasks(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.tasks {
		if !entry.task.Enabled || entry.nextRun.IsZero() {
			continue
		}
		if !now.Before(entry.nextRun) {
			s.dispatchLocked(entry)
		}
	}
}

// dispatchLocked starts entry unless it is already running.
func (s *Scheduler) dispatchLocked(entry *taskEntry) {
	if entry.cancel != nil || s.ctx.Err() != nil {
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if entry.task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, entry.task.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	entry.cancel = cancel
	entry.status.Running = true

	s.wg.Add(1)
	go s.executeTask(ctx, entry)
}

// executeTask runs a single task.
func (s *Scheduler) executeTask(ctx context.Context, entry *taskEntry) {
	defer s.wg.Done()

	task := entry.task
	s.logger.Debug("executing task", "id", task.ID, "name", task.Name)

	start := s.clock.Now()
	err := s.call(ctx, task)
	duration := s.clock.Now().Sub(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.cancel()
	entry.cancel = nil
	entry.status.Running = false
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.LastError = err.Error()
		entry.status.ErrorCount++
		s.logger.Warn("task failed", "id", task.ID, "error", err, "duration", duration)
	} else {
		entry.status.LastError = ""
		s.logger.Debug("task completed", "id", task.ID, "duration", duration)
	}

	// Schedule next run
	if task.Enabled {
		entry.nextRun = task.Schedule.Next(s.clock.Now())
		entry.status.NextRun = entry.nextRun
	}
}

func (s *Scheduler) call(ctx context.Context, task *Task) (err error) {
	defer recovery.RecoverWithCallback(s.logger, "scheduler."+task.ID, func(r any) {
		err = fmt.Errorf("task panicked: %v", r)
	})
	return task.Func(ctx)
}
