package queryregistry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status is the lifecycle state of a tracked session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// TrackedSession holds the metadata of one query session.
type TrackedSession struct {
	ID          string     `json:"id"`
	Query       string     `json:"query"`
	Org         string     `json:"org,omitempty"`
	Mode        string     `json:"mode"`
	Status      Status     `json:"status"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationMs  float64    `json:"duration_ms,omitempty"`
	RecordCount int        `json:"record_count"`
	TableCount  int        `json:"table_count,omitempty"`
	BytesRead   int64      `json:"bytes_read"`
	Error       string     `json:"error,omitempty"`
	CancelAsked bool       `json:"cancel_requested,omitempty"`
}

// Stats is the final accounting reported when a session ends.
type Stats struct {
	Records   int
	Tables    int
	BytesRead int64
}

type activeEntry struct {
	session *TrackedSession
	cancel  context.CancelFunc
}

// RegistryConfig holds configuration for the registry.
type RegistryConfig struct {
	HistorySize int // Ring buffer size for finished sessions (default: 100)
}

// Registry tracks running and recently finished query sessions.
type Registry struct {
	mu       sync.RWMutex
	active   map[string]*activeEntry
	history  []*TrackedSession // Ring buffer
	histSize int
	histHead int // Next write position
	histLen  int
	logger   zerolog.Logger
}

// NewRegistry creates a new registry.
func NewRegistry(cfg *RegistryConfig, logger zerolog.Logger) *Registry {
	histSize := 100
	if cfg != nil && cfg.HistorySize > 0 {
		histSize = cfg.HistorySize
	}
	return &Registry{
		active:   make(map[string]*activeEntry),
		history:  make([]*TrackedSession, histSize),
		histSize: histSize,
		logger:   logger.With().Str("component", "session-registry").Logger(),
	}
}

// Register records a new running session. It returns the session ID and a
// context derived from parentCtx that Cancel will cancel.
func (r *Registry) Register(parentCtx context.Context, query, org, mode string) (string, context.Context) {
	id := uuid.New().String()[:12]
	ctx, cancel := context.WithCancel(parentCtx)

	s := &TrackedSession{
		ID:        id,
		Query:     query,
		Org:       org,
		Mode:      mode,
		Status:    StatusRunning,
		StartTime: time.Now(),
	}

	r.mu.Lock()
	r.active[id] = &activeEntry{session: s, cancel: cancel}
	r.mu.Unlock()

	r.logger.Debug().
		Str("session_id", id).
		Str("mode", mode).
		Msg("Session registered")

	return id, ctx
}

// Complete moves a session to history as completed.
func (r *Registry) Complete(id string, stats Stats) {
	r.finish(id, StatusCompleted, stats, "")
}

// Fail moves a session to history as failed.
func (r *Registry) Fail(id string, stats Stats, errMsg string) {
	r.finish(id, StatusFailed, stats, errMsg)
}

// TimedOut moves a session to history as timed out.
func (r *Registry) TimedOut(id string, stats Stats) {
	r.finish(id, StatusTimedOut, stats, "Session timed out")
}

// Cancelled moves a session to history as cancelled.
func (r *Registry) Cancelled(id string, stats Stats) {
	r.finish(id, StatusCancelled, stats, "")
}

func (r *Registry) finish(id string, status Status, stats Stats, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[id]
	if !ok {
		return
	}
	// Release the derived context
	entry.cancel()

	now := time.Now()
	s := entry.session
	s.Status = status
	s.EndTime = &now
	s.DurationMs = float64(now.Sub(s.StartTime).Milliseconds())
	s.RecordCount = stats.Records
	s.TableCount = stats.Tables
	s.BytesRead = stats.BytesRead
	s.Error = errMsg

	r.addToHistory(s)
	delete(r.active, id)
}

// Cancel requests cancellation of a running session. The session stays active
// until it reports its final state. Returns false if the ID is not running.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	entry, ok := r.active[id]
	if ok {
		entry.session.CancelAsked = true
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	entry.cancel()

	r.logger.Info().
		Str("session_id", id).
		Msg("Session cancellation requested")
	return true
}

// CancelAll requests cancellation of every running session.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Cancel(id) {
			n++
		}
	}
	return n
}

// GetActive returns a snapshot of all running sessions.
func (r *Registry) GetActive() []*TrackedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*TrackedSession, 0, len(r.active))
	now := time.Now()
	for _, entry := range r.active {
		s := *entry.session // copy
		s.DurationMs = float64(now.Sub(s.StartTime).Milliseconds())
		result = append(result, &s)
	}
	return result
}

// GetHistory returns the most recent finished sessions, newest first.
func (r *Registry) GetHistory(limit int) []*TrackedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := r.histLen
	if limit > 0 && limit < count {
		count = limit
	}

	result := make([]*TrackedSession, 0, count)
	for i := 0; i < count; i++ {
		idx := (r.histHead - 1 - i + r.histSize) % r.histSize
		if r.history[idx] != nil {
			s := *r.history[idx]
			result = append(result, &s)
		}
	}
	return result
}

// Get returns a session by ID, checking running sessions first.
func (r *Registry) Get(id string) *TrackedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.active[id]; ok {
		s := *entry.session
		s.DurationMs = float64(time.Since(s.StartTime).Milliseconds())
		return &s
	}

	for i := 0; i < r.histLen; i++ {
		idx := (r.histHead - 1 - i + r.histSize) % r.histSize
		if r.history[idx] != nil && r.history[idx].ID == id {
			s := *r.history[idx]
			return &s
		}
	}
	return nil
}

// ActiveCount returns the number of running sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// HistoryLen returns the number of sessions in the history buffer.
func (r *Registry) HistoryLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histLen
}

// addToHistory appends to the ring buffer. Must be called with mu held.
func (r *Registry) addToHistory(s *TrackedSession) {
	r.history[r.histHead] = s
	r.histHead = (r.histHead + 1) % r.histSize
	if r.histLen < r.histSize {
		r.histLen++
	}
}
