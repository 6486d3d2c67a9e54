// Package web is the presentation bridge: HTTP commands into the rig and a
// websocket stream of its events.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	json "github.com/json-iterator/go"

	"github.com/teslashibe/go-attend/internal/log"
	"github.com/teslashibe/go-attend/pkg/rig"
)

// Config holds server settings.
type Config struct {
	Addr            string        // Listen address
	AllowOrigins    string        // CORS origins, comma separated
	StaticDir       string        // Experiment UI served at /, empty disables
	ShutdownTimeout time.Duration // Grace for in-flight requests on shutdown
}

// DefaultConfig returns defaults for a local experiment UI.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		AllowOrigins:    "*",
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server exposes a rig over HTTP.
type Server struct {
	app    *fiber.App
	rig    *rig.Rig
	config Config
	logger *slog.Logger
}

// NewServer creates a server for r.
func NewServer(r *rig.Rig, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = log.L()
	}
	s := &Server{
		rig:    r,
		config: config,
		logger: logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "attend",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ErrorHandler:          s.handleError,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: config.AllowOrigins}))

	if config.StaticDir != "" {
		app.Static("/", config.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)

	cal := api.Group("/calibration", s.requireGaze)
	cal.Post("/start", s.handleCalibrationStart)
	cal.Post("/redo", s.handleCalibrationRedo)
	cal.Post("/cancel", s.handleCalibrationCancel)
	cal.Post("/point/begin", s.handlePointBegin)
	cal.Post("/point/end", s.handlePointEnd)
	cal.Get("/report", s.handleCalibrationReport)

	api.Get("/gaze/eyes", s.requireGaze, s.handleEyes)
	api.Get("/attention", s.handleAttention)
	api.Delete("/attention", s.handleClearFixation)
	api.Get("/tuning", s.handleGetTuning)
	api.Put("/tuning", s.handlePutTuning)
	api.Post("/gesture/grab-calibration", s.requireGesture, s.handleGrabCalibration)
	api.Get("/events", s.handleEvents)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/events", websocket.New(s.handleEventsWS))

	s.app = app
	return s
}

// App returns the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.config.Addr)
		errc <- s.app.Listen(s.config.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down")
		return s.app.ShutdownWithTimeout(s.config.ShutdownTimeout)
	}
}
