package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/basekick-labs/fluxq/internal/queryregistry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSessions(t *testing.T) (*Server, *queryregistry.Registry) {
	t.Helper()
	reg := queryregistry.NewRegistry(&queryregistry.RegistryConfig{HistorySize: 50}, zerolog.Nop())
	return setupServer(t, Deps{Registry: reg}), reg
}

func TestSessions_ListActive(t *testing.T) {
	s, reg := setupSessions(t)

	status, body := do(t, s, http.MethodGet, "/api/v1/sessions/active")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["count"])

	long := strings.Repeat("x", 300)
	id, _ := reg.Register(context.Background(), long, "acme", "stream")

	status, body = do(t, s, http.MethodGet, "/api/v1/sessions/active")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["count"])
	sess := body["sessions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, id, sess["id"])
	assert.Equal(t, "running", sess["status"])
	assert.Len(t, sess["query"], maxListedQuery+3)
}

func TestSessions_History(t *testing.T) {
	s, reg := setupSessions(t)
	for i := 0; i < 3; i++ {
		id, _ := reg.Register(context.Background(), "from(bucket:\"b\")", "acme", "batch")
		reg.Complete(id, queryregistry.Stats{Records: 6, Tables: 2})
	}

	status, body := do(t, s, http.MethodGet, "/api/v1/sessions/history?limit=2")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["count"])
	sess := body["sessions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "completed", sess["status"])
	assert.EqualValues(t, 6, sess["record_count"])
}

func TestSessions_Get(t *testing.T) {
	s, reg := setupSessions(t)
	id, _ := reg.Register(context.Background(), "q", "acme", "stream")
	reg.Fail(id, queryregistry.Stats{Records: 2}, "protocol error")

	status, body := do(t, s, http.MethodGet, "/api/v1/sessions/"+id)
	require.Equal(t, http.StatusOK, status)
	sess := body["session"].(map[string]interface{})
	assert.Equal(t, "failed", sess["status"])
	assert.Equal(t, "protocol error", sess["error"])

	status, body = do(t, s, http.MethodGet, "/api/v1/sessions/missing")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
}

func TestSessions_Cancel(t *testing.T) {
	s, reg := setupSessions(t)
	id, ctx := reg.Register(context.Background(), "q", "acme", "stream")

	status, body := do(t, s, http.MethodDelete, "/api/v1/sessions/"+id)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["success"])
	assert.Error(t, ctx.Err(), "session context cancelled")

	// Still active until the session reports back
	assert.True(t, reg.Get(id).CancelAsked)
	reg.Cancelled(id, queryregistry.Stats{})

	status, body = do(t, s, http.MethodDelete, "/api/v1/sessions/"+id)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Session already cancelled", body["error"])

	status, _ = do(t, s, http.MethodDelete, "/api/v1/sessions/unknown")
	assert.Equal(t, http.StatusNotFound, status)
}
