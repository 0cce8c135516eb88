package api

import (
	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
)

// defaultRecentErrors is how many recent error entries a stats response carries.
const defaultRecentErrors = 10

// LogHandler serves per-platform operational logs.
type LogHandler struct {
	logs platformlog.Repository
	log  zerolog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(logs platformlog.Repository, logger zerolog.Logger) *LogHandler {
	return &LogHandler{logs: logs, log: logger}
}

// List handles GET /api/v1/projects/:project/logs.
func (h *LogHandler) List(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}
	configID, err := queryUUID(c, "platformConfigId")
	if err != nil {
		return failValidation(c, err)
	}
	start, err := queryTime(c, "startDate")
	if err != nil {
		return failValidation(c, err)
	}
	end, err := queryTime(c, "endDate")
	if err != nil {
		return failValidation(c, err)
	}
	level := optString(c, "level")
	if level != nil && !platformlog.ValidLevel(*level) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "level must be debug, info, warn, or error")
	}
	category := optString(c, "category")
	if category != nil && !platformlog.ValidCategory(*category) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "unknown log category")
	}

	entries, err := h.logs.List(c, proj.ID, platformlog.Filter{
		Platform:         optString(c, "platform"),
		PlatformConfigID: configID,
		Level:            level,
		Category:         category,
		StartDate:        start,
		EndDate:          end,
		Limit:            pg.Limit,
		Offset:           pg.Offset,
	})
	if err != nil {
		h.log.Error().Err(err).Str("handler", "logs").Msg("platform log query failed")
		return failInternal(c)
	}
	if entries == nil {
		entries = []platformlog.Entry{}
	}
	return httputil.Success(c, entries)
}

// Stats handles GET /api/v1/projects/:project/logs/stats.
func (h *LogHandler) Stats(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	stats, err := h.logs.Stats(c, proj.ID, defaultRecentErrors)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "logs").Msg("platform log stats failed")
		return failInternal(c)
	}
	return httputil.Success(c, stats)
}
