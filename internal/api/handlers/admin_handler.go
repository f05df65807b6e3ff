package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/policyguard/backend/internal/pipeline"
)

type Reloader interface {
	Reload() (pipeline.ReloadResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type AdminHandler struct {
	reloader Reloader
	checks   map[string]Pinger
}

func NewAdminHandler(reloader Reloader, checks map[string]Pinger) *AdminHandler {
	return &AdminHandler{reloader: reloader, checks: checks}
}

func (h *AdminHandler) Reload(c *fiber.Ctx) error {
	res, err := h.reloader.Reload()
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(res)
}

func (h *AdminHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy"})
}

// Ready fails when any dependency check fails; the audit sink is one of them,
// since no query can be answered without it.
func (h *AdminHandler) Ready(c *fiber.Ctx) error {
	status := fiber.StatusOK
	results := make(map[string]string, len(h.checks))

	for name, p := range h.checks {
		if err := p.Ping(c.UserContext()); err != nil {
			results[name] = "unavailable"
			status = fiber.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != fiber.StatusOK {
		state = "not_ready"
	}
	return c.Status(status).JSON(fiber.Map{"status": state, "checks": results})
}
