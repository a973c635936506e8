// Package events carries per-session lifecycle notifications. Every session
// publishes exactly one Event; subscribers filter by Kind.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Kind tags a lifecycle event
type Kind int

const (
	KindSuccess Kind = iota
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON payloads
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is the lifecycle notification published once per session
type Event struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"session_id"`
	Query     string        `json:"query"`
	Org       string        `json:"org,omitempty"`
	Mode      string        `json:"mode,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	Records   int           `json:"records"`
	Tables    int           `json:"tables"`
	BytesRead int64         `json:"bytes_read"`
	Cancelled bool          `json:"cancelled,omitempty"` // consumer stopped the session early
	Error     string        `json:"error,omitempty"`
	Err       error         `json:"-"`
}

// Publisher accepts lifecycle events
type Publisher interface {
	Publish(ev Event)
}

// Subscription receives the events of the kinds it asked for
type Subscription struct {
	C <-chan Event

	id  uint64
	bus *Bus
}

// Close detaches the subscription and closes C
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool // nil means every kind
}

// Bus fans events out to subscribers without blocking publishers. A subscriber
// whose buffer is full misses the event; the drop is counted and logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	published atomic.Int64
	dropped   atomic.Int64

	logger zerolog.Logger
}

// NewBus creates an open bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers a subscriber with the given channel buffer. With no kinds
// the subscriber receives every event. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.closed {
		close(ch)
		return &Subscription{C: ch, id: id, bus: b}
	}

	sub := &subscriber{ch: ch}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.subs[id] = sub

	return &Subscription{C: ch, id: id, bus: b}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every matching subscriber
func (b *Bus) Publish(ev Event) {
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for id, sub := range b.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn().
				Uint64("subscriber", id).
				Str("kind", ev.Kind.String()).
				Str("session_id", ev.SessionID).
				Msg("Subscriber buffer full, event dropped")
		}
	}

	b.logger.Debug().
		Str("kind", ev.Kind.String()).
		Str("session_id", ev.SessionID).
		Int("subscribers", len(b.subs)).
		Msg("Published lifecycle event")
}

// Close completes every subscription; later publishes are ignored
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.logger.Info().Msg("Disposed all event subscribers")
}

// IsClosed reports whether Close has been called
func (b *Bus) IsClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Published returns the number of events accepted by the bus
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the number of per-subscriber deliveries lost to full buffers
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
