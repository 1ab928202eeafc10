package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/ottermq/ottermon/internal/monitor/stats"
)

type HealthSource interface {
	Health() stats.Health
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Stale       bool      `json:"stale"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	LastAttempt time.Time `json:"last_attempt"`
}

// GetHealth answers 200 while the snapshot is fresh and 503 once it is stale.
func GetHealth(c *fiber.Ctx, h HealthSource) error {
	health := h.Health()
	resp := HealthResponse{
		Status:      "ok",
		Stale:       health.Stale,
		LastError:   health.LastError,
		LastSuccess: health.LastSuccess,
		LastAttempt: health.LastAttempt,
	}
	if health.Stale {
		resp.Status = "stale"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}
