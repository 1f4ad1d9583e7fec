// Package diag exposes the local diagnostics server: liveness, readiness,
// a connectivity status snapshot, and Prometheus metrics. It binds to
// loopback in normal use; nothing here is part of the chat protocol.
package diag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/emberapp/chatlink/internal/health"
	"github.com/emberapp/chatlink/internal/metrics"
)

// StatusSource provides the connectivity snapshot rendered by /statusz.
// Satisfied by the session facade.
type StatusSource interface {
	StatusSnapshot() any
}

// Config holds diagnostics server configuration.
type Config struct {
	ListenAddr string
}

// Server is the diagnostics Fiber application.
type Server struct {
	app       *fiber.App
	cfg       Config
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates and configures the diagnostics server.
func NewServer(cfg Config, checker *health.Checker, m *metrics.Metrics, status StatusSource, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:       app,
		cfg:       cfg,
		logger:    logger.With().Str("component", "diag").Logger(),
		startTime: time.Now(),
	}

	app.Use(recover.New(recover.Config{EnableStackTrace: true}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"uptime": time.Since(s.startTime).Round(time.Second).String(),
		})
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
		defer cancel()
		if !checker.IsReady(ctx) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"checks": checker.Cached(),
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
			"checks": checker.Cached(),
		})
	})

	app.Get("/statusz", func(c *fiber.Ctx) error {
		if status == nil {
			return c.JSON(fiber.Map{})
		}
		return c.JSON(status.StatusSnapshot())
	})

	if m != nil {
		app.Get("/metrics", adaptor(m))
	}

	return s
}

// adaptor bridges the promhttp handler onto fasthttp.
func adaptor(m *metrics.Metrics) fiber.Handler {
	h := fasthttpadaptor.NewFastHTTPHandler(m.Handler())
	return func(c *fiber.Ctx) error {
		h(c.Context())
		return nil
	}
}

// App returns the underlying Fiber app (for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins serving. Blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("diagnostics server listening")
	return s.app.Listen(s.cfg.ListenAddr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(5 * time.Second)
}
