package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Registry *platform.Registry
}

// Health pings PostgreSQL and Redis and reports per-provider connection health. Provider
// trouble never degrades the process: an unhealthy bot socket is the project's problem, not a
// reason to restart the server.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c, 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if err := h.DB.Ping(ctx); err != nil {
		pgStatus = "unavailable"
	}

	redisStatus := "ok"
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus != "ok" || redisStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	body := fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"redis":    redisStatus,
	}
	if h.Registry != nil {
		body["platforms"] = h.Registry.Health()
	}

	return httputil.SuccessStatus(c, status, body)
}
