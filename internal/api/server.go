package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/basekick-labs/fluxq/internal/circuitbreaker"
	"github.com/basekick-labs/fluxq/internal/events"
	"github.com/basekick-labs/fluxq/internal/logger"
	"github.com/basekick-labs/fluxq/internal/metrics"
	"github.com/basekick-labs/fluxq/internal/queryregistry"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Pinger checks that the query service is reachable
type Pinger interface {
	Ping(ctx context.Context) (bool, error)
}

// StatusReporter exposes a component's state as JSON-friendly values
type StatusReporter interface {
	Status() map[string]interface{}
}

// Deps are the components the admin server reports on. Nil fields disable
// the matching routes.
type Deps struct {
	Registry *queryregistry.Registry
	Breaker  *circuitbreaker.CircuitBreaker
	Bus      *events.Bus
	Pinger   Pinger
	Watch    StatusReporter
}

// ServerConfig holds admin server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

// DefaultServerConfig returns default admin server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingTimeout:  5 * time.Second,
	}
}

// Server is the local admin HTTP API
type Server struct {
	app    *fiber.App
	cfg    *ServerConfig
	deps   Deps
	logger zerolog.Logger
}

var startTime = time.Now()

// NewServer creates the admin server and registers its routes
func NewServer(cfg *ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	log := logger.With().Str("component", "admin-api").Logger()

	app := fiber.New(fiber.Config{
		AppName:               "fluxq admin",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(log),
	})

	app.Use(recover.New())
	app.Use(securityHeaders())
	app.Use(requestLogger(log))

	s := &Server{app: app, cfg: cfg, deps: deps, logger: log}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler)
	s.app.Get("/api/v1/logs", s.logsHandler)

	if s.deps.Breaker != nil {
		s.app.Get("/api/v1/breaker", s.breakerHandler)
		s.app.Post("/api/v1/breaker/reset", s.breakerResetHandler)
	}
	if s.deps.Watch != nil {
		s.app.Get("/api/v1/watch", s.watchHandler)
	}
	if s.deps.Registry != nil {
		NewSessionHandler(s.deps.Registry, s.logger).RegisterRoutes(s.app)
	}
}

// App returns the underlying Fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start listens in the background. Listen failures are logged.
func (s *Server) Start() {
	addr := s.Addr()
	s.logger.Info().Str("addr", addr).Msg("Starting admin server")

	go func() {
		if err := s.app.Listen(addr); err != nil {
			s.logger.Error().Err(err).Msg("Admin server stopped")
		}
	}()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Admin server stopped")
	return nil
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(startTime)
	return c.JSON(fiber.Map{
		"status":          "ok",
		"time":            time.Now().UTC().Format(time.RFC3339),
		"uptime":          uptime.String(),
		"uptime_sec":      uptime.Seconds(),
		"active_sessions": metrics.Get().ActiveSessions(),
	})
}

// readyHandler reports ready when the breaker is closed and the query
// service answers its ping
func (s *Server) readyHandler(c *fiber.Ctx) error {
	if s.deps.Breaker != nil && s.deps.Breaker.IsOpen() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"reason": "circuit breaker open",
		})
	}

	if s.deps.Pinger != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.PingTimeout)
		defer cancel()

		ok, err := s.deps.Pinger.Ping(ctx)
		if err != nil || !ok {
			reason := "query service unhealthy"
			if err != nil {
				reason = err.Error()
			}
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not_ready",
				"reason": reason,
			})
		}
	}

	return c.JSON(fiber.Map{
		"status":     "ready",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime_sec": time.Since(startTime).Seconds(),
	})
}

// metricsHandler returns metrics in Prometheus format, or JSON on request
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if s.deps.Bus != nil {
		m.SetEventsPublished(s.deps.Bus.Published())
		m.SetEventsDropped(s.deps.Bus.Dropped())
	}

	if c.Get("Accept") == "application/json" {
		return c.JSON(m.Snapshot())
	}

	c.Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

// logsHandler returns recent log entries, newest first
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	level := c.Query("level")
	sessionID := c.Query("session_id")

	entries := logger.GetBuffer().Recent(limit, level, sessionID)

	return c.JSON(fiber.Map{
		"success":        true,
		"count":          len(entries),
		"limit":          limit,
		"level_filter":   level,
		"session_filter": sessionID,
		"logs":           entries,
	})
}

func (s *Server) breakerHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"breaker": s.deps.Breaker.Stats(),
	})
}

func (s *Server) breakerResetHandler(c *fiber.Ctx) error {
	s.deps.Breaker.Reset()
	s.logger.Info().Msg("Circuit breaker reset via API")
	return c.JSON(fiber.Map{
		"success": true,
		"state":   s.deps.Breaker.State().String(),
	})
}

func (s *Server) watchHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"watch":   s.deps.Watch.Status(),
	})
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var e *fiber.Error
		if errors.As(err, &e) {
			code = e.Code
		}

		if code >= 500 {
			logger.Error().
				Err(err).
				Int("status", code).
				Str("method", c.Method()).
				Str("path", c.Path()).
				Msg("Request error")
		}

		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error":   err.Error(),
		})
	}
}

func securityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "no-referrer")
		c.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		return c.Next()
	}
}

// requestLogger logs failed requests only
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var e *fiber.Error
			if errors.As(err, &e) {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		if status < 400 {
			return err
		}

		ev := logger.Warn()
		if status >= 500 {
			ev = logger.Error()
		}
		ev.Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request error")
		return err
	}
}
