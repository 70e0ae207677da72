package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"holder-indexer/internal/indexer"
	"holder-indexer/internal/scheduler"
)

// Runner advances one series by one window.
type Runner interface {
	Series() indexer.Series
	RunWindow(ctx context.Context) (indexer.Result, error)
	CaughtUp(ctx context.Context) (bool, error)
}

// Gate decides whether a job may run and records failures.
type Gate interface {
	ShouldRun(ctx context.Context, job string) (bool, error)
	Cooldown(ctx context.Context, job string, ttl time.Duration) error
}

// Options tune the service.
type Options struct {
	TickInterval time.Duration
	DailySpec    string
	CooldownTTL  time.Duration
	StartupDelay time.Duration
}

// Service schedules the catch-up and daily tasks of every series.
type Service struct {
	scheduler *scheduler.Scheduler
	gate      Gate
	runners   map[string]Runner
	order     []string
	opts      Options
	logger    zerolog.Logger
}

// CatchUpTask names the task that replays missed windows of series.
func CatchUpTask(series string) string { return series + ":catchup" }

// DailyTask names the once-a-day task of series.
func DailyTask(series string) string { return series + ":daily" }

// New constructs the indexing service.
func New(opts Options, sched *scheduler.Scheduler, gate Gate, runners []Runner, logger zerolog.Logger) *Service {
	s := &Service{
		scheduler: sched,
		gate:      gate,
		runners:   make(map[string]Runner, len(runners)),
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
	}
	for _, r := range runners {
		name := r.Series().Name
		s.runners[name] = r
		s.order = append(s.order, name)
	}
	return s
}

// Register schedules the catch-up and daily tasks of every series.
func (s *Service) Register() error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	for _, name := range s.order {
		if err := s.registerCatchUp(name); err != nil {
			return err
		}
		series := name
		if err := s.scheduler.Register(DailyTask(series), s.opts.DailySpec, func(ctx context.Context) error {
			return s.Tick(ctx, series, false)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registerCatchUp(series string) error {
	return s.scheduler.Register(CatchUpTask(series), scheduler.Every(s.opts.TickInterval), func(ctx context.Context) error {
		return s.Tick(ctx, series, true)
	})
}

// Run registers all tasks and drives them until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.Register(); err != nil {
		return err
	}
	s.scheduler.Start(ctx)
	<-ctx.Done()
	s.scheduler.Stop()
	return ctx.Err()
}

// Tick performs one gated pass over series. Failures put the series into
// cool-down and are not returned, so the task stays scheduled. A catch-up tick
// that finds no elapsed window deregisters its task; a daily tick that leaves
// the series behind re-arms the catch-up task.
//
// The gate and cool-down are keyed by series name rather than task name, so a
// failure in either the catch-up or the daily task suppresses both until the
// flag expires. Both tasks advance the same cursor.
func (s *Service) Tick(ctx context.Context, series string, catchUp bool) error {
	r, ok := s.runners[series]
	if !ok {
		return fmt.Errorf("unknown series %q", series)
	}
	job := DailyTask(series)
	if catchUp {
		job = CatchUpTask(series)
	}

	proceed, err := s.gate.ShouldRun(ctx, series)
	if err != nil {
		s.logger.Warn().Err(err).Str("job", job).Msg("gate check failed; skipping tick")
		return nil
	}
	if !proceed {
		return nil
	}

	res, err := r.RunWindow(ctx)
	if err != nil {
		s.logger.Error().Err(err).
			Str("job", job).
			Str("window", res.Window.String()).
			Str("state", string(res.FailedIn)).
			Dur("cooldown", s.opts.CooldownTTL).
			Msg("indexing pass failed")
		if cerr := s.gate.Cooldown(ctx, series, s.opts.CooldownTTL); cerr != nil {
			s.logger.Error().Err(cerr).Str("job", job).Msg("failed to record cool-down")
		}
		return nil
	}

	if catchUp {
		if res.Status == indexer.StatusNotReady {
			s.logger.Info().Str("job", job).Str("next_window", res.Window.String()).Msg("series caught up")
			return scheduler.ErrDeregister
		}
		return nil
	}

	caughtUp, err := r.CaughtUp(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("job", job).Msg("could not determine catch-up state")
		return nil
	}
	if !caughtUp && s.scheduler != nil && !s.scheduler.Enabled(CatchUpTask(series)) {
		if err := s.registerCatchUp(series); err != nil {
			return err
		}
		s.logger.Info().Str("job", job).Msg("series behind; catch-up re-armed")
	}
	return nil
}

// RunUntilCaughtUp runs passes on series back to back until it is caught up,
// a pass fails, or maxWindows windows were committed (zero means no limit).
func (s *Service) RunUntilCaughtUp(ctx context.Context, series string, maxWindows int) (int, error) {
	r, ok := s.runners[series]
	if !ok {
		return 0, fmt.Errorf("unknown series %q", series)
	}
	committed := 0
	for maxWindows <= 0 || committed < maxWindows {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		res, err := r.RunWindow(ctx)
		if err != nil {
			return committed, fmt.Errorf("window %s: %w", res.Window, err)
		}
		switch res.Status {
		case indexer.StatusNotReady:
			return committed, nil
		case indexer.StatusCommitted:
			committed++
		}
	}
	return committed, nil
}
