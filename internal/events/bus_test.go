package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOutByKind(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	all := bus.Subscribe(4)
	errorsOnly := bus.Subscribe(4, KindError)

	bus.Publish(Event{Kind: KindSuccess, SessionID: "a"})
	bus.Publish(Event{Kind: KindError, SessionID: "b", Err: errors.New("boom")})

	require.Len(t, all.C, 2)
	assert.Equal(t, "a", (<-all.C).SessionID)
	ev := <-all.C
	assert.Equal(t, "b", ev.SessionID)
	assert.Equal(t, "boom", ev.Error, "Error text filled from Err")

	require.Len(t, errorsOnly.C, 1)
	assert.Equal(t, KindError, (<-errorsOnly.C).Kind)
	assert.EqualValues(t, 2, bus.Published())
}

func TestBus_FullSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	slow := bus.Subscribe(1)
	fast := bus.Subscribe(8)

	for i := 0; i < 3; i++ {
		bus.Publish(Event{Kind: KindSuccess})
	}

	assert.Len(t, slow.C, 1)
	assert.Len(t, fast.C, 3)
	assert.EqualValues(t, 2, bus.Dropped())
}

func TestBus_CloseCompletesSubscriptions(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(1)

	assert.False(t, bus.IsClosed())
	bus.Close()
	bus.Close()
	assert.True(t, bus.IsClosed())

	_, ok := <-sub.C
	assert.False(t, ok, "channel closed")

	// Publishing after close is ignored
	bus.Publish(Event{Kind: KindSuccess})
	assert.Zero(t, bus.Published())

	late := bus.Subscribe(1)
	_, ok = <-late.C
	assert.False(t, ok)

	// Closing a subscription of a closed bus is harmless
	sub.Close()
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	bus.Publish(Event{Kind: KindSuccess})
	assert.Zero(t, bus.Dropped())
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sub := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Kind: KindSuccess})
			}
		}()
	}
	wg.Wait()
	bus.Close()

	n := 0
	for range sub.C {
		n++
	}
	assert.Equal(t, 500, n)
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(Event{Kind: KindError, SessionID: "abc", Error: "bad", Err: errors.New("bad")})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["kind"])
	assert.Equal(t, "abc", decoded["session_id"])
	assert.Equal(t, "bad", decoded["error"])
	assert.NotContains(t, decoded, "Err")
}
