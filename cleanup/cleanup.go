// Package cleanup runs the background maintenance tasks that plugins
// register with the engine: expired session purging, stale OAuth
// handshake removal, dead verification codes, and similar housekeeping.
//
// Each task runs on its own ticker in its own goroutine. A task that
// fails, or even panics, is logged and retried on its next tick; it
// never takes down the scheduler or the other tasks.
package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kbukum/authkit/errors"
	"github.com/kbukum/authkit/logger"
	"github.com/kbukum/authkit/orm"
)

// Result reports what a single task run removed.
type Result struct {
	// Cleaned is the total number of records removed.
	Cleaned int64 `json:"cleaned"`

	// Counts breaks the total down by category when a task cleans more
	// than one kind of record.
	Counts map[string]int64 `json:"counts,omitempty"`
}

// Runner is the body of a cleanup task. It receives the engine's data
// access and the owning plugin's configuration.
type Runner func(ctx context.Context, db orm.Orm, pluginConfig map[string]any) (Result, error)

// Task describes a periodic cleanup job.
type Task struct {
	// Name identifies the task in logs; unique within the scheduler.
	Name string

	// PluginName is the plugin that registered the task. Its
	// configuration is passed to every run.
	PluginName string

	// Interval is the tick period. Zero means DefaultInterval.
	Interval time.Duration

	// Enabled gates the task; disabled tasks are registered but never run.
	Enabled bool

	// Run does the work.
	Run Runner
}

// DefaultInterval is used when a task does not set one.
const DefaultInterval = time.Hour

// Scheduler owns the registered tasks and their goroutines.
type Scheduler struct {
	db  orm.Orm
	log *logger.Logger

	// pluginConfig returns the configuration map for a plugin name.
	pluginConfig func(name string) map[string]any

	mu      sync.Mutex
	tasks   []Task
	names   map[string]struct{}
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler. pluginConfig may be nil when no task
// needs plugin configuration.
func NewScheduler(db orm.Orm, log *logger.Logger, pluginConfig func(name string) map[string]any) *Scheduler {
	if log == nil {
		log = logger.Nop()
	}
	if pluginConfig == nil {
		pluginConfig = func(string) map[string]any { return nil }
	}
	return &Scheduler{
		db:           db,
		log:          log.WithComponent("cleanup"),
		pluginConfig: pluginConfig,
		names:        make(map[string]struct{}),
	}
}

// Register adds a task. Tasks must be registered before Start; names
// must be unique.
func (s *Scheduler) Register(t Task) error {
	if t.Name == "" {
		return errors.Validation("cleanup task name must not be empty")
	}
	if t.Run == nil {
		return errors.Validation(fmt.Sprintf("cleanup task %q has no runner", t.Name))
	}
	if t.Interval <= 0 {
		t.Interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Configuration(fmt.Sprintf("cleanup task %q registered after scheduler start", t.Name))
	}
	if _, dup := s.names[t.Name]; dup {
		return errors.Configuration(fmt.Sprintf("cleanup task %q is already registered", t.Name))
	}
	s.names[t.Name] = struct{}{}
	s.tasks = append(s.tasks, t)
	return nil
}

// Start launches one goroutine per enabled task. It is a no-op when
// called twice.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		if !t.Enabled {
			s.log.Debug("cleanup task disabled", logger.Fields(logger.FieldTask, t.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
}

// Stop cancels all task goroutines and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Tasks returns the registered task descriptors, for introspection.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTask(ctx, t)
		}
	}
}

// RunOnce executes a registered task by name immediately, outside its
// schedule. Used by tests and operational tooling.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Result, error) {
	s.mu.Lock()
	var task *Task
	for i := range s.tasks {
		if s.tasks[i].Name == name {
			task = &s.tasks[i]
			break
		}
	}
	s.mu.Unlock()

	if task == nil {
		return Result{}, errors.NotFound("cleanup task", name)
	}
	return task.Run(ctx, s.db, s.pluginConfig(task.PluginName))
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cleanup task panicked", logger.Fields(
				logger.FieldTask, t.Name,
				logger.FieldError, fmt.Sprintf("%v", r),
			))
		}
	}()

	start := time.Now()
	res, err := t.Run(ctx, s.db, s.pluginConfig(t.PluginName))
	if err != nil {
		s.log.Error("cleanup task failed", logger.Fields(
			logger.FieldTask, t.Name,
			logger.FieldError, err.Error(),
		))
		return
	}
	if res.Cleaned > 0 {
		s.log.Info("cleanup task finished", logger.Fields(
			logger.FieldTask, t.Name,
			"cleaned", res.Cleaned,
			logger.FieldDuration, time.Since(start).Milliseconds(),
		))
	}
}
