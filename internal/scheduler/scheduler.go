package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"holder-indexer/internal/logging"
)

var (
	// ErrDeregister may be returned by a task to remove itself from the schedule.
	ErrDeregister = errors.New("deregister task")
	// ErrUnknownTask is returned by RunNow for names that are not registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskRunning is returned by RunNow when the task is already executing.
	ErrTaskRunning = errors.New("task already running")
)

// TaskFunc is one execution of a named task.
type TaskFunc func(ctx context.Context) error

// Options tune scheduler behaviour.
type Options struct {
	// Location evaluates cron specs; defaults to UTC.
	Location *time.Location
	// RunTimeout bounds each execution; zero means unbounded.
	RunTimeout time.Duration
}

type task struct {
	name    string
	spec    string
	fn      TaskFunc
	entry   cron.EntryID
	running atomic.Bool
}

// Scheduler runs named tasks on cron specs. A task never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	tasks  *xsync.Map[string, *task]
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger = logger.With().Str("component", "scheduler").Logger()
	cronLogger := logging.NewCronLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(opts.Location),
			cron.WithChain(cron.Recover(cronLogger)),
			cron.WithLogger(cronLogger),
		),
		tasks:  xsync.NewMap[string, *task](),
		opts:   opts,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every returns the cron spec firing at a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// Register schedules fn under name. Registering a name that is already
// scheduled is a no-op.
func (s *Scheduler) Register(name, spec string, fn TaskFunc) error {
	var addErr error
	s.tasks.Compute(name, func(old *task, loaded bool) (*task, xsync.ComputeOp) {
		if loaded {
			return old, xsync.CancelOp
		}
		t := &task{name: name, spec: spec, fn: fn}
		id, err := s.cron.AddFunc(spec, func() { s.run(s.baseContext(), t) })
		if err != nil {
			addErr = fmt.Errorf("schedule %s: %w", name, err)
			return nil, xsync.CancelOp
		}
		t.entry = id
		s.logger.Info().Str("task", name).Str("spec", spec).Msg("task registered")
		return t, xsync.UpdateOp
	})
	return addErr
}

// Remove unschedules name. It reports whether the task was registered.
func (s *Scheduler) Remove(name string) bool {
	removed := false
	s.tasks.Compute(name, func(old *task, loaded bool) (*task, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		s.cron.Remove(old.entry)
		removed = true
		return nil, xsync.DeleteOp
	})
	if removed {
		s.logger.Info().Str("task", name).Msg("task removed")
	}
	return removed
}

// Enabled reports whether name is scheduled.
func (s *Scheduler) Enabled(name string) bool {
	_, ok := s.tasks.Load(name)
	return ok
}

// Names lists scheduled tasks.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, s.tasks.Size())
	s.tasks.Range(func(name string, _ *task) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Next returns the next activation of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	t, ok := s.tasks.Load(name)
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(t.entry)
	return entry.Next, entry.Valid()
}

// RunNow executes name synchronously, honouring the no-overlap rule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	t, ok := s.tasks.Load(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !s.run(ctx, t) {
		return fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	return nil
}

// Start begins firing tasks. Executions derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info().Strs("tasks", s.Names()).Msg("scheduler started")
}

// Stop halts firing and waits for running executions to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// run executes t unless it is already running and reports whether it ran.
func (s *Scheduler) run(ctx context.Context, t *task) bool {
	if !t.running.CompareAndSwap(false, true) {
		s.logger.Debug().Str("task", t.name).Msg("skip tick because previous run is still active")
		return false
	}
	defer t.running.Store(false)

	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	err := t.fn(ctx)
	switch {
	case errors.Is(err, ErrDeregister):
		s.removeEntry(t)
	case err != nil:
		s.logger.Error().Err(err).Str("task", t.name).Msg("task execution failed")
	}
	return true
}

// removeEntry deregisters t only if it is still the task scheduled under its
// name, so a re-registration that raced in is left alone.
func (s *Scheduler) removeEntry(t *task) {
	removed := false
	s.tasks.Compute(t.name, func(old *task, loaded bool) (*task, xsync.ComputeOp) {
		if !loaded || old != t {
			return old, xsync.CancelOp
		}
		s.cron.Remove(t.entry)
		removed = true
		return nil, xsync.DeleteOp
	})
	if removed {
		s.logger.Info().Str("task", t.name).Msg("task deregistered itself")
	}
}
