package api

import (
	"strconv"

	"github.com/basekick-labs/fluxq/internal/queryregistry"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

const maxListedQuery = 200

// SessionHandler exposes the session registry over HTTP
type SessionHandler struct {
	registry *queryregistry.Registry
	logger   zerolog.Logger
}

// NewSessionHandler creates a session handler
func NewSessionHandler(registry *queryregistry.Registry, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   logger.With().Str("handler", "sessions").Logger(),
	}
}

// RegisterRoutes registers session routes under /api/v1/sessions
func (h *SessionHandler) RegisterRoutes(app fiber.Router) {
	group := app.Group("/api/v1/sessions")
	group.Get("/active", h.listActive)
	group.Get("/history", h.listHistory)
	group.Get("/:id", h.getSession)
	group.Delete("/:id", h.cancelSession)
}

type sessionSummary struct {
	ID         string  `json:"id"`
	Query      string  `json:"query"`
	Org        string  `json:"org,omitempty"`
	Mode       string  `json:"mode"`
	Status     string  `json:"status"`
	StartTime  string  `json:"start_time"`
	DurationMs float64 `json:"duration_ms"`
	Records    int     `json:"record_count"`
	BytesRead  int64   `json:"bytes_read"`
	Cancelling bool    `json:"cancel_requested,omitempty"`
}

func (h *SessionHandler) listActive(c *fiber.Ctx) error {
	active := h.registry.GetActive()

	sessions := make([]sessionSummary, 0, len(active))
	for _, s := range active {
		query := s.Query
		if len(query) > maxListedQuery {
			query = query[:maxListedQuery] + "..."
		}
		sessions = append(sessions, sessionSummary{
			ID:         s.ID,
			Query:      query,
			Org:        s.Org,
			Mode:       s.Mode,
			Status:     string(s.Status),
			StartTime:  s.StartTime.UTC().Format("2006-01-02T15:04:05Z"),
			DurationMs: s.DurationMs,
			Records:    s.RecordCount,
			BytesRead:  s.BytesRead,
			Cancelling: s.CancelAsked,
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *SessionHandler) listHistory(c *fiber.Ctx) error {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}

	history := h.registry.GetHistory(limit)
	return c.JSON(fiber.Map{
		"success":  true,
		"sessions": history,
		"count":    len(history),
	})
}

func (h *SessionHandler) getSession(c *fiber.Ctx) error {
	s := h.registry.Get(c.Params("id"))
	if s == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"session": s,
	})
}

// cancelSession requests cancellation; the session reports its final state
// once it has stopped
func (h *SessionHandler) cancelSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if !h.registry.Cancel(id) {
		if s := h.registry.Get(id); s != nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"success": false,
				"error":   "Session already " + string(s.Status),
			})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "Session not found",
		})
	}

	h.logger.Info().Str("session_id", id).Msg("Session cancel requested via API")

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"message": "Cancellation requested",
	})
}
