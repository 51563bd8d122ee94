package httpserver

import (
	"context"
	"sync"
	"time"

	"github.com/cristianortiz/livestockBidding/internal/shared/clock"
	"github.com/gofiber/fiber/v2"
)

const checkTimeout = 5 * time.Second

// Status represents a health check result.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Checker defines a named health check function.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health serves /health and /ready.
type Health struct {
	mu       sync.RWMutex
	ready    bool
	checkers []Checker
	clock    clock.Clock
}

func NewHealth(clk clock.Clock, checkers ...Checker) *Health {
	return &Health{checkers: checkers, clock: clk}
}

// SetReady marks the service as ready to receive traffic.
func (h *Health) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Liveness answers 200 while the process is up.
func (h *Health) Liveness(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Status{Status: "ok", Timestamp: h.now()})
}

// Readiness answers 200 once SetReady(true) was called and every checker passes.
func (h *Health) Readiness(c *fiber.Ctx) error {
	h.mu.RLock()
	ready := h.ready
	h.mu.RUnlock()

	if !ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(Status{Status: "not_ready", Timestamp: h.now()})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), checkTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	allOK := true
	for _, chk := range h.checkers {
		if err := chk.Check(ctx); err != nil {
			checks[chk.Name] = err.Error()
			allOK = false
		} else {
			checks[chk.Name] = "ok"
		}
	}

	status, code := "ready", fiber.StatusOK
	if !allOK {
		status, code = "not_ready", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(Status{Status: status, Checks: checks, Timestamp: h.now()})
}

func (h *Health) now() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}
