package queryregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testQuery = `from(bucket:"telegraf") |> range(start: -5m)`

func newTestRegistry(historySize int) *Registry {
	return NewRegistry(&RegistryConfig{HistorySize: historySize}, zerolog.Nop())
}

func TestRegistry_RegisterAndGetActive(t *testing.T) {
	r := newTestRegistry(10)

	id, ctx := r.Register(context.Background(), testQuery, "my-org", "stream")
	if id == "" {
		t.Fatal("expected non-empty session ID")
	}
	if len(id) != 12 {
		t.Fatalf("expected 12 character ID, got %q", id)
	}
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}

	active := r.GetActive()
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}
	if active[0].ID != id {
		t.Fatalf("expected ID %s, got %s", id, active[0].ID)
	}
	if active[0].Status != StatusRunning {
		t.Fatalf("expected status running, got %s", active[0].Status)
	}
	if active[0].Query != testQuery || active[0].Org != "my-org" || active[0].Mode != "stream" {
		t.Fatalf("unexpected metadata: %+v", active[0])
	}
}

func TestRegistry_Complete(t *testing.T) {
	r := newTestRegistry(10)

	id, ctx := r.Register(context.Background(), testQuery, "", "batch")
	r.Complete(id, Stats{Records: 42, Tables: 3, BytesRead: 2048})

	if r.ActiveCount() != 0 {
		t.Fatalf("expected 0 active after complete, got %d", r.ActiveCount())
	}

	history := r.GetHistory(0)
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	h := history[0]
	if h.Status != StatusCompleted {
		t.Fatalf("expected status completed, got %s", h.Status)
	}
	if h.RecordCount != 42 || h.TableCount != 3 || h.BytesRead != 2048 {
		t.Fatalf("unexpected stats: %+v", h)
	}
	if h.EndTime == nil {
		t.Fatal("expected non-nil EndTime")
	}

	// Finishing releases the derived context
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be released")
	}
}

func TestRegistry_Fail(t *testing.T) {
	r := newTestRegistry(10)

	id, _ := r.Register(context.Background(), testQuery, "", "stream")
	r.Fail(id, Stats{Records: 2}, "protocol error")

	history := r.GetHistory(0)
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].Status != StatusFailed {
		t.Fatalf("expected status failed, got %s", history[0].Status)
	}
	if history[0].Error != "protocol error" {
		t.Fatalf("expected error 'protocol error', got %s", history[0].Error)
	}
	if history[0].RecordCount != 2 {
		t.Fatalf("expected partial record count 2, got %d", history[0].RecordCount)
	}
}

func TestRegistry_TimedOut(t *testing.T) {
	r := newTestRegistry(10)

	id, _ := r.Register(context.Background(), testQuery, "", "stream")
	r.TimedOut(id, Stats{})

	history := r.GetHistory(0)
	if len(history) != 1 || history[0].Status != StatusTimedOut {
		t.Fatalf("expected one timed_out entry, got %+v", history)
	}
}

func TestRegistry_CancelKeepsSessionUntilReported(t *testing.T) {
	r := newTestRegistry(10)

	id, ctx := r.Register(context.Background(), testQuery, "", "stream")

	if !r.Cancel(id) {
		t.Fatal("expected Cancel to return true")
	}

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled")
	}

	// Still active until the session reports back
	s := r.Get(id)
	if s == nil || s.Status != StatusRunning || !s.CancelAsked {
		t.Fatalf("expected running session with cancel requested, got %+v", s)
	}

	r.Cancelled(id, Stats{Records: 1})
	if r.ActiveCount() != 0 {
		t.Fatalf("expected 0 active after cancel reported, got %d", r.ActiveCount())
	}
	history := r.GetHistory(0)
	if len(history) != 1 || history[0].Status != StatusCancelled {
		t.Fatalf("expected one cancelled entry, got %+v", history)
	}
}

func TestRegistry_Cancel_NotFound(t *testing.T) {
	r := newTestRegistry(10)

	if r.Cancel("nonexistent") {
		t.Fatal("expected Cancel to return false for nonexistent session")
	}
}

func TestRegistry_CancelAll(t *testing.T) {
	r := newTestRegistry(10)

	_, ctx1 := r.Register(context.Background(), testQuery, "", "stream")
	_, ctx2 := r.Register(context.Background(), testQuery, "", "stream")

	if n := r.CancelAll(); n != 2 {
		t.Fatalf("expected 2 cancellations, got %d", n)
	}
	for _, ctx := range []context.Context{ctx1, ctx2} {
		if ctx.Err() == nil {
			t.Fatal("expected every context to be cancelled")
		}
	}
}

func TestRegistry_Get(t *testing.T) {
	r := newTestRegistry(10)

	id, _ := r.Register(context.Background(), testQuery, "", "stream")
	if s := r.Get(id); s == nil || s.Status != StatusRunning {
		t.Fatalf("expected running session, got %+v", s)
	}

	r.Complete(id, Stats{Records: 5})
	if s := r.Get(id); s == nil || s.Status != StatusCompleted {
		t.Fatalf("expected completed session in history, got %+v", s)
	}

	if s := r.Get("nonexistent"); s != nil {
		t.Fatal("expected nil for nonexistent session")
	}
}

func TestRegistry_HistoryRingBuffer_Overflow(t *testing.T) {
	r := newTestRegistry(3)

	for i := 0; i < 5; i++ {
		id, _ := r.Register(context.Background(), testQuery, "", "stream")
		r.Complete(id, Stats{Records: i})
	}

	if r.HistoryLen() != 3 {
		t.Fatalf("expected HistoryLen=3, got %d", r.HistoryLen())
	}

	history := r.GetHistory(0)
	if len(history) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(history))
	}

	// Newest first: record counts 4, 3, 2
	if history[0].RecordCount != 4 {
		t.Fatalf("expected newest entry RecordCount=4, got %d", history[0].RecordCount)
	}
	if history[2].RecordCount != 2 {
		t.Fatalf("expected oldest entry RecordCount=2, got %d", history[2].RecordCount)
	}
}

func TestRegistry_HistoryLimit(t *testing.T) {
	r := newTestRegistry(10)

	for i := 0; i < 5; i++ {
		id, _ := r.Register(context.Background(), testQuery, "", "stream")
		r.Complete(id, Stats{Records: i})
	}

	if history := r.GetHistory(2); len(history) != 2 {
		t.Fatalf("expected 2 history entries with limit, got %d", len(history))
	}
}

func TestRegistry_DefaultHistorySize(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	if r.histSize != 100 {
		t.Fatalf("expected default histSize=100, got %d", r.histSize)
	}
}

func TestRegistry_ActiveDurationMs(t *testing.T) {
	r := newTestRegistry(10)

	r.Register(context.Background(), testQuery, "", "stream")
	time.Sleep(10 * time.Millisecond)

	active := r.GetActive()
	if len(active) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active))
	}
	if active[0].DurationMs < 10 {
		t.Fatalf("expected DurationMs >= 10, got %f", active[0].DurationMs)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := newTestRegistry(100)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := r.Register(context.Background(), testQuery, "", "stream")
			r.Complete(id, Stats{Records: 1})
		}()
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := r.Register(context.Background(), testQuery, "", "stream")
			r.Cancel(id)
			r.Cancelled(id, Stats{})
		}()
	}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.GetActive()
			r.GetHistory(0)
			r.ActiveCount()
		}()
	}

	wg.Wait()

	if r.ActiveCount() != 0 {
		t.Fatalf("expected 0 active sessions after concurrent test, got %d", r.ActiveCount())
	}
}

func TestRegistry_FinishNonexistent(t *testing.T) {
	r := newTestRegistry(10)

	r.Complete("nonexistent", Stats{})
	r.Fail("nonexistent", Stats{}, "error")
	r.TimedOut("nonexistent", Stats{})
	r.Cancelled("nonexistent", Stats{})

	if r.HistoryLen() != 0 {
		t.Fatalf("expected 0 history entries, got %d", r.HistoryLen())
	}
}
