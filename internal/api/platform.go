package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// PlatformHandler serves the provider catalog and per-project platform configs.
type PlatformHandler struct {
	configs  *platformconfig.Service
	registry *platform.Registry
	log      zerolog.Logger
}

// NewPlatformHandler creates a new platform handler.
func NewPlatformHandler(configs *platformconfig.Service, registry *platform.Registry, logger zerolog.Logger) *PlatformHandler {
	return &PlatformHandler{configs: configs, registry: registry, log: logger}
}

type createPlatformRequest struct {
	Platform    string            `json:"platform"`
	Credentials map[string]string `json:"credentials"`
	IsActive    *bool             `json:"isActive"`
	TestMode    bool              `json:"testMode"`
}

type updatePlatformRequest struct {
	Credentials map[string]string `json:"credentials"`
	IsActive    *bool             `json:"isActive"`
	TestMode    *bool             `json:"testMode"`
}

// platformModel is a config as the API shows it. Credentials never leave the ciphertext column;
// the webhook token does, since the owner needs it to point the provider at us.
type platformModel struct {
	ID           uuid.UUID `json:"id"`
	ProjectID    uuid.UUID `json:"projectId"`
	Platform     string    `json:"platform"`
	WebhookToken uuid.UUID `json:"webhookToken"`
	IsActive     bool      `json:"isActive"`
	TestMode     bool      `json:"testMode"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type platformStatusModel struct {
	Registered bool   `json:"registered"`
	Healthy    bool   `json:"healthy"`
	State      string `json:"state,omitempty"`
	QRCode     string `json:"qrCode,omitempty"`
}

func toPlatformModel(cfg *platformconfig.Config) platformModel {
	return platformModel{
		ID:           cfg.ID,
		ProjectID:    cfg.ProjectID,
		Platform:     cfg.Platform,
		WebhookToken: cfg.WebhookToken,
		IsActive:     cfg.IsActive,
		TestMode:     cfg.TestMode,
		CreatedAt:    cfg.CreatedAt,
		UpdatedAt:    cfg.UpdatedAt,
	}
}

// ListRegistry handles GET /api/v1/platforms: the adapter catalog, not any project's configs.
func (h *PlatformHandler) ListRegistry(c fiber.Ctx) error {
	return httputil.Success(c, h.registry.Infos())
}

// Create handles POST /api/v1/projects/:project/platforms.
func (h *PlatformHandler) Create(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body createPlatformRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	cfg, err := h.configs.Create(c, proj.ID, platformconfig.CreateInput{
		Platform:    body.Platform,
		Credentials: body.Credentials,
		IsActive:    body.IsActive,
		TestMode:    body.TestMode,
	})
	if err != nil {
		return h.mapPlatformError(c, err)
	}

	h.lifecycle(c, platform.LifecycleCreated, cfg)

	return httputil.SuccessStatus(c, fiber.StatusCreated, toPlatformModel(cfg))
}

// List handles GET /api/v1/projects/:project/platforms.
func (h *PlatformHandler) List(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	configs, err := h.configs.List(c, proj.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.mapPlatformError(c, err)
	}

	result := make([]platformModel, 0, len(configs))
	for i := range configs {
		result = append(result, toPlatformModel(&configs[i]))
	}
	return httputil.Success(c, result)
}

// Get handles GET /api/v1/projects/:project/platforms/:id.
func (h *PlatformHandler) Get(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapPlatformError(c, platformconfig.ErrNotFound)
	}

	cfg, err := h.configs.Get(c, proj.ID, id)
	if err != nil {
		return h.mapPlatformError(c, err)
	}
	return httputil.Success(c, toPlatformModel(cfg))
}

// Update handles PATCH /api/v1/projects/:project/platforms/:id. The lifecycle transition depends
// on what changed: flipping isActive maps to activated/deactivated, anything else is an update
// that forces a reconnect with the new credentials.
func (h *PlatformHandler) Update(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapPlatformError(c, platformconfig.ErrNotFound)
	}

	var body updatePlatformRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	prev, cur, err := h.configs.Update(c, proj.ID, id, platformconfig.UpdateInput{
		Credentials: body.Credentials,
		IsActive:    body.IsActive,
		TestMode:    body.TestMode,
	})
	if err != nil {
		return h.mapPlatformError(c, err)
	}

	switch {
	case !prev.IsActive && cur.IsActive:
		h.lifecycle(c, platform.LifecycleActivated, cur)
	case prev.IsActive && !cur.IsActive:
		h.lifecycle(c, platform.LifecycleDeactivated, cur)
	default:
		h.lifecycle(c, platform.LifecycleUpdated, cur)
	}

	return httputil.Success(c, toPlatformModel(cur))
}

// Delete handles DELETE /api/v1/projects/:project/platforms/:id.
func (h *PlatformHandler) Delete(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapPlatformError(c, platformconfig.ErrNotFound)
	}

	cfg, err := h.configs.Delete(c, proj.ID, id)
	if err != nil {
		return h.mapPlatformError(c, err)
	}

	h.lifecycle(c, platform.LifecycleDeleted, cfg)

	return c.SendStatus(fiber.StatusNoContent)
}

// Status handles GET /api/v1/projects/:project/platforms/:id/status.
func (h *PlatformHandler) Status(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapPlatformError(c, platformconfig.ErrNotFound)
	}

	cfg, err := h.configs.Get(c, proj.ID, id)
	if err != nil {
		return h.mapPlatformError(c, err)
	}

	status := platformStatusModel{}
	if p, ok := h.registry.Provider(cfg.Platform); ok {
		conn, live := p.Lookup(platform.ConnectionKey(proj.ID, cfg.ID))
		if live {
			status.Registered = true
			status.Healthy = conn.Healthy()
			if s, ok := conn.(interface{ State() string }); ok {
				status.State = s.State()
			}
			if q, ok := conn.(interface{ QRCode() string }); ok {
				status.QRCode = q.QRCode()
			}
		}
	}

	return httputil.Success(c, status)
}

// lifecycle notifies the registry of a config transition. Connection failures are the adapter's
// problem to report through platform logs; the config write has already committed and stands.
func (h *PlatformHandler) lifecycle(c fiber.Ctx, transition string, cfg *platformconfig.Config) {
	if err := h.registry.HandleLifecycle(c, transition, cfg); err != nil {
		h.log.Warn().
			Err(err).
			Str("platform", cfg.Platform).
			Str("config_id", cfg.ID.String()).
			Str("transition", transition).
			Msg("Platform lifecycle hook failed")
	}
}

func (h *PlatformHandler) mapPlatformError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, platformconfig.ErrPlatformFormat),
		errors.Is(err, platformconfig.ErrNoCredentials):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, platformconfig.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Platform config not found")
	default:
		h.log.Error().Err(err).Str("handler", "platform").Msg("unhandled platform config error")
		return failInternal(c)
	}
}
