package logger

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_RingOrder(t *testing.T) {
	b := NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(LogEntry{Level: "info", Message: fmt.Sprintf("m%d", i)})
	}

	assert.Equal(t, 3, b.Count())
	recent := b.Recent(0, "", "")
	require.Len(t, recent, 3)
	assert.Equal(t, "m4", recent[0].Message)
	assert.Equal(t, "m2", recent[2].Message)

	assert.Len(t, b.Recent(2, "", ""), 2)
}

func TestLogBuffer_Filters(t *testing.T) {
	b := NewLogBuffer(10)
	b.Add(LogEntry{Level: "debug", Message: "a", SessionID: "s1"})
	b.Add(LogEntry{Level: "info", Message: "b", SessionID: "s2"})
	b.Add(LogEntry{Level: "error", Message: "c", SessionID: "s1"})

	warn := b.Recent(0, "warn", "")
	require.Len(t, warn, 1)
	assert.Equal(t, "c", warn[0].Message)

	s1 := b.Recent(0, "", "s1")
	require.Len(t, s1, 2)
	assert.Equal(t, "c", s1[0].Message)
	assert.Equal(t, "a", s1[1].Message)

	assert.Len(t, b.Recent(0, "info", "s1"), 1)
}

func TestBufferWriter_ParsesZerologLines(t *testing.T) {
	b := NewLogBuffer(10)
	l := zerolog.New(NewBufferWriter(b)).With().Timestamp().Logger()

	l.Error().Str("component", "session").Str("session_id", "abc").Err(fmt.Errorf("cut")).Msg("Session finished")
	_, err := NewBufferWriter(b).Write([]byte("not json\n"))
	require.NoError(t, err)

	entries := b.Recent(0, "", "")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "error", e.Level)
	assert.Equal(t, "session", e.Component)
	assert.Equal(t, "abc", e.SessionID)
	assert.Equal(t, "Session finished", e.Message)
	assert.Equal(t, "cut", e.Error)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSetupWriter(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	defer func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	}()

	var out bytes.Buffer
	SetupWriter("warn", "json", &out)

	l := Get("dispatch")
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"component":"dispatch"`)
	assert.Contains(t, out.String(), `"message":"shown"`)
	assert.Equal(t, "shown", GetBuffer().Recent(1, "", "")[0].Message)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, parseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}
