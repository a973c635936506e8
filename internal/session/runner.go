package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basekick-labs/fluxq/internal/events"
	"github.com/basekick-labs/fluxq/internal/fluxcsv"
	"github.com/basekick-labs/fluxq/internal/metrics"
	"github.com/basekick-labs/fluxq/internal/queryregistry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Dispatcher sends a query and returns the live response body
type Dispatcher interface {
	Query(ctx context.Context, query string) (io.ReadCloser, error)
}

// RunnerConfig configures the sessions a Runner creates
type RunnerConfig struct {
	Org         string
	Decode      fluxcsv.Options
	ChunkSize   int
	MaxSessions int64 // Concurrent sessions; Run blocks while all slots are taken
}

// Runner dispatches queries and binds each response to a new Session
type Runner struct {
	cfg        RunnerConfig
	dispatcher Dispatcher
	registry   *queryregistry.Registry
	pub        events.Publisher
	sem        *semaphore.Weighted
	logger     zerolog.Logger
}

// NewRunner creates a runner. pub may be nil.
func NewRunner(cfg RunnerConfig, d Dispatcher, registry *queryregistry.Registry, pub events.Publisher, logger zerolog.Logger) *Runner {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 4
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if len(cfg.Decode.ValueDestinations) == 0 {
		cfg.Decode.ValueDestinations = fluxcsv.DefaultOptions().ValueDestinations
	}
	if registry == nil {
		registry = queryregistry.NewRegistry(nil, logger)
	}
	return &Runner{
		cfg:        cfg,
		dispatcher: d,
		registry:   registry,
		pub:        pub,
		sem:        semaphore.NewWeighted(cfg.MaxSessions),
		logger:     logger.With().Str("component", "session-runner").Logger(),
	}
}

// Registry returns the registry sessions are tracked in
func (r *Runner) Registry() *queryregistry.Registry { return r.registry }

// Run dispatches query and returns a session over its response. The session
// holds a runner slot until it finishes, so callers must drain or Close it.
// A dispatch failure publishes an error event and returns the error; no
// session is created.
func (r *Runner) Run(ctx context.Context, query string) (*Session, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	mode := r.cfg.Decode.Mode
	id, sctx := r.registry.Register(ctx, query, r.cfg.Org, mode.String())
	meta := Meta{ID: id, Query: query, Org: r.cfg.Org}

	m := metrics.Get()
	m.IncSessionsStarted()
	started := time.Now()

	r.logger.Debug().Str("session_id", id).Str("mode", mode.String()).Msg("Dispatching query")

	body, err := r.dispatcher.Query(sctx, query)
	if err != nil {
		sum := Summary{
			Meta:      meta,
			State:     StateErrored,
			Mode:      mode,
			StartedAt: started,
			Duration:  time.Since(started),
			Err:       err,
		}
		if errors.Is(err, context.Canceled) {
			sum.State = StateCancelled
			sum.Err = nil
		}
		r.logger.Error().Err(err).Str("session_id", id).Msg("Query dispatch failed")
		if r.pub != nil {
			r.pub.Publish(lifecycleEvent(sum))
		}
		r.finished(sum)
		return nil, err
	}

	opts := Options{
		Decode:   r.cfg.Decode,
		OnFinish: r.finished,
	}
	return New(sctx, NewReaderSource(body, r.cfg.ChunkSize), meta, opts, r.pub, r.logger), nil
}

// finished records the outcome of a session and frees its slot
func (r *Runner) finished(sum Summary) {
	defer r.sem.Release(1)

	stats := queryregistry.Stats{
		Records:   sum.Records,
		Tables:    sum.Tables,
		BytesRead: sum.BytesRead,
	}

	m := metrics.Get()
	m.IncRecords(int64(sum.Records))
	m.IncTables(int64(sum.Tables))
	m.IncBytesRead(sum.BytesRead)
	m.RecordSessionLatency(sum.Duration.Microseconds())

	switch sum.State {
	case StateCompleted:
		m.IncSessionsCompleted()
		r.registry.Complete(sum.ID, stats)
	case StateCancelled:
		m.IncSessionsCancelled()
		r.registry.Cancelled(sum.ID, stats)
	default:
		m.IncSessionsFailed()
		switch {
		case errors.Is(sum.Err, fluxcsv.ErrProtocol):
			m.IncProtocolErrors()
		case errors.Is(sum.Err, fluxcsv.ErrValue):
			m.IncValueErrors()
		case errors.Is(sum.Err, ErrTransport):
			m.IncTransportErrors()
		}
		if errors.Is(sum.Err, context.DeadlineExceeded) {
			r.registry.TimedOut(sum.ID, stats)
		} else {
			r.registry.Fail(sum.ID, stats, errString(sum.Err))
		}
	}
}

// RunAll executes queries strictly one after another in order. fn consumes
// each session; the session is closed when fn returns. RunAll stops at the
// first dispatch, consumer or session error.
func (r *Runner) RunAll(ctx context.Context, queries []string, fn func(*Session) error) error {
	for i, q := range queries {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, err := r.Run(ctx, q)
		if err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}

		ferr := fn(s)
		s.Close()
		if ferr != nil {
			return fmt.Errorf("query %d: %w", i, ferr)
		}
		if err := s.Err(); err != nil {
			return fmt.Errorf("query %d: %w", i, err)
		}
	}
	return nil
}

// Drain consumes every remaining item of s with fn and returns the session error
func Drain(s *Session, fn func(fluxcsv.Item) error) error {
	defer s.Close()
	for s.Next() {
		if err := fn(s.Item()); err != nil {
			return err
		}
	}
	return s.Err()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
