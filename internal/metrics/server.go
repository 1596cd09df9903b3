package metrics

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthFunc reports whether a dependency is healthy.
type HealthFunc func() error

// Server is the ops HTTP server exposing /health and /metrics.
type Server struct {
	App    *fiber.App
	port   int
	checks map[string]HealthFunc
}

func NewServer(port int, checks map[string]HealthFunc) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          fiberErrHandler,
		JSONEncoder:           sonic.Marshal,
		JSONDecoder:           sonic.Unmarshal,
	})
	app.Use(recover.New())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	s := &Server{App: app, port: port, checks: checks}
	app.Get("/health", s.health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	return s
}

func (s *Server) health(c *fiber.Ctx) error {
	status := fiber.StatusOK
	body := map[string]string{}
	for name, check := range s.checks {
		if err := check(); err != nil {
			status = fiber.StatusServiceUnavailable
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	return c.Status(status).JSON(body)
}

func fiberErrHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	log.Error().Err(err).Int("status_code", code).Str("path", ctx.Path()).Msg("ops server error")
	return ctx.Status(code).JSON(fiber.Map{"error": err.Error()})
}

// Start blocks until the server stops.
func (s *Server) Start() error {
	log.Info().Int("port", s.port).Msg("ops server listening")
	return s.App.Listen(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Shutdown() error {
	return s.App.Shutdown()
}
