package httpserver

import (
	"context"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/cristianortiz/livestockBidding/internal/shared/logger"
	sharedws "github.com/cristianortiz/livestockBidding/internal/shared/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logger.GetLogger() // Instancia logger para el pakg

// Options wires the server to the websocket hub and the readiness checks.
type Options struct {
	Hub      *sharedws.Hub
	Clock    clock.Clock
	Checkers []Checker
}

type Server struct {
	app    *fiber.App
	health *Health
	hub    *sharedws.Hub
	// cancelled on Shutdown, stops the websocket pumps
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app:    app,
		health: NewHealth(opts.Clock, opts.Checkers...),
		hub:    opts.Hub,
		ctx:    ctx,
		cancel: cancel,
	}

	// logging middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.Info("HTTP request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("remote_addr", c.IP()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("elapsed", time.Since(start)),
		)
		return err
	})

	app.Get("/health", s.health.Liveness)
	app.Get("/ready", s.health.Readiness)

	if s.hub != nil {
		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Get("/ws", websocket.New(s.serveWS))
	}

	return s
}

// serveWS owns one connection: the handler returning closes it, so ReadPump runs inline.
func (s *Server) serveWS(conn *websocket.Conn) {
	client := sharedws.NewClient(s.hub, conn, uuid.NewString())
	client.UserID = conn.Query("userId")
	if err := s.hub.Register(s.ctx, client); err != nil {
		log.Warn("Websocket connection refused", zap.String("clientID", client.ID), zap.Error(err))
		_ = conn.Close()
		return
	}
	go client.WritePump(s.ctx)
	client.ReadPump(s.ctx)
}

// App exposes the fiber app so bounded contexts can mount their routes.
func (s *Server) App() *fiber.App {
	return s.app
}

// SetReady flips /ready once the process finished wiring.
func (s *Server) SetReady(ready bool) {
	s.health.SetReady(ready)
}

// Start blocks serving addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	log.Info("HTTP server started", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests, closes websocket pumps and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down HTTP server...")
	s.health.SetReady(false)
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}
