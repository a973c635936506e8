// Package session drives one query response from a live byte source through the
// annotated-CSV decoder and assembler, handing items to the consumer one at a
// time. Reads from the source are the only suspension point: the session never
// buffers more than one chunk ahead of what the consumer has pulled.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basekick-labs/fluxq/internal/events"
	"github.com/basekick-labs/fluxq/internal/fluxcsv"
	"github.com/basekick-labs/fluxq/pkg/models"
	"github.com/rs/zerolog"
)

// ErrTransport wraps genuine I/O failures reported by a Source
var ErrTransport = errors.New("transport failure")

// State is the lifecycle state of a session
type State int32

const (
	StateIdle State = iota
	StateReading
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// Meta identifies the query a session belongs to
type Meta struct {
	ID    string
	Query string
	Org   string
}

// Summary is the final accounting of a session, reported once
type Summary struct {
	Meta
	State     State
	Mode      fluxcsv.Mode
	StartedAt time.Time
	Duration  time.Duration
	Records   int
	Tables    int
	BytesRead int64
	Err       error
}

// Options configures a session
type Options struct {
	Decode   fluxcsv.Options
	OnFinish func(Summary) // Called once, after the lifecycle event
}

// Session is a pull cursor over the items of one query response:
//
//	s := session.New(ctx, src, meta, opts, bus, logger)
//	defer s.Close()
//	for s.Next() {
//		rec := s.Record()
//	}
//	if err := s.Err(); err != nil { ... }
//
// Next, Item, Record and Table belong to the consuming goroutine. Close may be
// called from any goroutine and unblocks a pending read.
type Session struct {
	meta   Meta
	opts   Options
	ctx    context.Context
	src    Source
	dec    *fluxcsv.Decoder
	asm    *fluxcsv.Assembler
	pub    events.Publisher
	logger zerolog.Logger

	queue   []fluxcsv.Item
	item    fluxcsv.Item
	decoded bool // end of the response reached

	started   time.Time
	stopped   atomic.Bool
	records   atomic.Int64
	tables    atomic.Int64
	bytesRead atomic.Int64

	mu       sync.Mutex
	state    State
	err      error
	stopCtx  func() bool
	finished chan struct{}
}

// New binds src to a new session. Cancelling ctx stops the session and
// releases src; a context deadline ends it as errored. pub may be nil.
func New(ctx context.Context, src Source, meta Meta, opts Options, pub events.Publisher, logger zerolog.Logger) *Session {
	if len(opts.Decode.ValueDestinations) == 0 {
		opts.Decode.ValueDestinations = fluxcsv.DefaultOptions().ValueDestinations
	}
	if ctx == nil {
		ctx = context.Background()
	}

	log := logger.With().
		Str("component", "session").
		Str("session_id", meta.ID).
		Logger()

	s := &Session{
		meta:     meta,
		opts:     opts,
		ctx:      ctx,
		src:      src,
		dec:      fluxcsv.NewDecoder(log),
		asm:      fluxcsv.NewAssembler(opts.Decode),
		pub:      pub,
		logger:   log,
		started:  time.Now(),
		finished: make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, func() {
		s.abort(ctx.Err())
	})

	s.mu.Lock()
	if s.state.Terminal() {
		// ctx was already done and the session finished before stop was stored
		s.mu.Unlock()
		stop()
		return s
	}
	s.stopCtx = stop
	s.mu.Unlock()
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.meta.ID }

// Meta returns the query metadata
func (s *Session) Meta() Meta { return s.meta }

// Next advances to the next item. It returns false once the response is
// exhausted, the session failed or it was cancelled; check Err afterwards.
func (s *Session) Next() bool {
	for {
		if s.stopped.Load() {
			s.queue = nil
			s.item = fluxcsv.Item{}
			return false
		}

		if len(s.queue) > 0 {
			s.item = s.queue[0]
			s.queue[0] = fluxcsv.Item{}
			s.queue = s.queue[1:]
			return true
		}
		s.item = fluxcsv.Item{}

		if s.decoded {
			return false
		}
		s.markReading()

		ev, err := s.dec.Next()
		if errors.Is(err, fluxcsv.ErrNeedMore) {
			if !s.pull() {
				return false
			}
			continue
		}
		if err != nil {
			s.finish(StateErrored, err)
			return false
		}

		var columns []models.ColumnHeader
		if ev.Kind == fluxcsv.EventHeader {
			columns = s.dec.Columns()
		}
		items, err := s.asm.Apply(ev, columns)
		if err != nil {
			s.finish(StateErrored, err)
			return false
		}
		s.records.Store(int64(s.asm.Records()))
		s.tables.Store(int64(s.asm.Tables()))
		s.queue = append(s.queue, items...)

		if ev.Kind == fluxcsv.EventEnd {
			// Items still queued are delivered after the session completes
			s.decoded = true
			s.finish(StateCompleted, nil)
		}
	}
}

// pull reads one chunk from the source into the decoder. It returns false when
// the session stopped while waiting.
func (s *Session) pull() bool {
	chunk, sig, err := s.src.Next()
	if s.stopped.Load() {
		return false
	}

	switch sig {
	case SignalMore:
		s.bytesRead.Add(int64(len(chunk)))
		s.dec.Feed(chunk)
	case SignalEnd:
		if err != nil && !errors.Is(err, io.EOF) {
			if n := s.dec.Buffered(); n > 0 {
				s.finish(StateErrored, fmt.Errorf("%w: stream closed with %d bytes of an incomplete line: %w", ErrTransport, n, err))
				return false
			}
			s.logger.Debug().Err(err).Msg("Remote closed stream, treating as end of response")
		}
		s.dec.CloseInput()
	default:
		s.finish(StateErrored, fmt.Errorf("%w: %w", ErrTransport, err))
		return false
	}
	return true
}

func (s *Session) markReading() {
	s.mu.Lock()
	if s.state == StateIdle {
		s.state = StateReading
	}
	s.mu.Unlock()
}

// Item returns the current item
func (s *Session) Item() fluxcsv.Item { return s.item }

// Record returns the current record (stream mode)
func (s *Session) Record() *models.Record { return s.item.Record }

// Table returns the current table (batch mode)
func (s *Session) Table() *models.Table { return s.item.Table }

// Err returns the error that ended the session, nil on completion or cancel
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has finished and reported its outcome
func (s *Session) Done() <-chan struct{} { return s.finished }

// Close cancels the session if it is still running. Items not yet pulled are
// discarded. Closing a finished session is a no-op.
func (s *Session) Close() error {
	s.abort(nil)
	return nil
}

// abort stops the session from any goroutine
func (s *Session) abort(cause error) {
	s.stopped.Store(true)
	if errors.Is(cause, context.DeadlineExceeded) {
		s.finish(StateErrored, cause)
	} else {
		s.finish(StateCancelled, nil)
	}
}

// finish moves the session to a terminal state exactly once, releases the
// source and publishes the lifecycle event.
func (s *Session) finish(state State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.err = err
	stop := s.stopCtx
	s.stopCtx = nil
	s.mu.Unlock()

	if state != StateCompleted {
		s.stopped.Store(true)
	}
	if stop != nil {
		stop()
	}
	if cerr := s.src.Close(); cerr != nil {
		s.logger.Debug().Err(cerr).Msg("Source close returned error")
	}

	sum := Summary{
		Meta:      s.meta,
		State:     state,
		Mode:      s.opts.Decode.Mode,
		StartedAt: s.started,
		Duration:  time.Since(s.started),
		Records:   int(s.records.Load()),
		Tables:    int(s.tables.Load()),
		BytesRead: s.bytesRead.Load(),
		Err:       err,
	}
	s.log(sum)

	if s.pub != nil {
		s.pub.Publish(lifecycleEvent(sum))
	}
	if s.opts.OnFinish != nil {
		s.opts.OnFinish(sum)
	}
	close(s.finished)
}

func (s *Session) log(sum Summary) {
	var e *zerolog.Event
	switch sum.State {
	case StateErrored:
		e = s.logger.Error().Err(sum.Err)
	case StateCancelled:
		e = s.logger.Info()
	default:
		e = s.logger.Debug()
	}
	e.Str("state", sum.State.String()).
		Str("mode", sum.Mode.String()).
		Int("records", sum.Records).
		Int("tables", sum.Tables).
		Int64("bytes", sum.BytesRead).
		Dur("duration", sum.Duration).
		Msg("Session finished")
}

func lifecycleEvent(sum Summary) events.Event {
	ev := events.Event{
		Kind:      events.KindSuccess,
		SessionID: sum.ID,
		Query:     sum.Query,
		Org:       sum.Org,
		Mode:      sum.Mode.String(),
		StartedAt: sum.StartedAt,
		Duration:  sum.Duration,
		Records:   sum.Records,
		Tables:    sum.Tables,
		BytesRead: sum.BytesRead,
		Cancelled: sum.State == StateCancelled,
	}
	if sum.State == StateErrored {
		ev.Kind = events.KindError
		ev.Err = sum.Err
	}
	return ev
}
