// Package scheduler re-runs a query job on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled run. ctx is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// ErrAlreadyRunning is returned by Start on a started scheduler
var ErrAlreadyRunning = errors.New("scheduler already running")

// parser accepts five-field specs and descriptors such as "@every 30s"
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config holds scheduler configuration
type Config struct {
	Schedule string        // Cron expression, e.g. "*/5 * * * *" or "@every 1m"
	Timeout  time.Duration // Per-run limit, zero for none
	Logger   zerolog.Logger
}

// WatchScheduler runs a Job on a schedule. A tick that arrives while the
// previous run is still going is skipped.
type WatchScheduler struct {
	schedule string
	sched    cron.Schedule
	timeout  time.Duration
	job      Job
	logger   zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	cancel  context.CancelFunc

	busy     atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64
	lastRun  atomic.Pointer[RunResult]
}

// RunResult describes the most recent run
type RunResult struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// New validates the schedule and creates a stopped scheduler
func New(cfg Config, job Job) (*WatchScheduler, error) {
	if job == nil {
		return nil, errors.New("scheduler job is required")
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	return &WatchScheduler{
		schedule: cfg.Schedule,
		sched:    sched,
		timeout:  cfg.Timeout,
		job:      job,
		logger:   cfg.Logger.With().Str("component", "watch-scheduler").Logger(),
	}, nil
}

// Start begins scheduling runs; parent cancellation stops in-flight runs
func (s *WatchScheduler) Start(parent context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.cron = cron.New(cron.WithParser(parser))
	s.cron.Schedule(s.sched, cron.FuncJob(func() {
		if ctx.Err() == nil {
			s.RunNow(ctx)
		}
	}))
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.sched.Next(time.Now())).
		Msg("Watch scheduler started")
	return nil
}

// Stop cancels any in-flight run and waits for it to return
func (s *WatchScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false

	s.logger.Info().
		Int64("runs", s.runs.Load()).
		Int64("skipped", s.skipped.Load()).
		Msg("Watch scheduler stopped")
}

// Close stops the scheduler
func (s *WatchScheduler) Close() error {
	s.Stop()
	return nil
}

// RunNow runs the job immediately unless a run is already in progress.
// It reports whether the job ran.
func (s *WatchScheduler) RunNow(ctx context.Context) bool {
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn().Msg("Previous run still in progress, skipping tick")
		return false
	}
	defer s.busy.Store(false)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.job(ctx)
	res := &RunResult{Started: start, Duration: time.Since(start)}
	s.runs.Add(1)

	if err != nil {
		s.failures.Add(1)
		res.Error = err.Error()
		s.logger.Error().Err(err).Dur("duration", res.Duration).Msg("Scheduled run failed")
	} else {
		s.logger.Info().Dur("duration", res.Duration).Msg("Scheduled run completed")
	}
	s.lastRun.Store(res)
	return true
}

// NextRun returns the next scheduled time after now
func (s *WatchScheduler) NextRun() time.Time {
	return s.sched.Next(time.Now())
}

// IsRunning reports whether the scheduler is started
func (s *WatchScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns scheduler counters for the admin API
func (s *WatchScheduler) Status() map[string]interface{} {
	status := map[string]interface{}{
		"running":  s.IsRunning(),
		"schedule": s.schedule,
		"runs":     s.runs.Load(),
		"failures": s.failures.Load(),
		"skipped":  s.skipped.Load(),
		"next_run": s.NextRun().UTC().Format(time.RFC3339),
	}
	if last := s.lastRun.Load(); last != nil {
		status["last_run"] = last
	}
	return status
}
