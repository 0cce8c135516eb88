package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/webhook"
)

// WebhookHandler serves outbound webhook subscriptions and their delivery history.
type WebhookHandler struct {
	webhooks webhook.Repository
	log      zerolog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(webhooks webhook.Repository, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, log: logger}
}

type createWebhookRequest struct {
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type updateWebhookRequest struct {
	Name     *string  `json:"name"`
	URL      *string  `json:"url"`
	Events   []string `json:"events"`
	Secret   *string  `json:"secret"`
	IsActive *bool    `json:"isActive"`
}

// Create handles POST /api/v1/projects/:project/webhooks. Subscribers verify payload signatures
// with the secret, so it is returned here and on reads, to the project's own admins only.
func (h *WebhookHandler) Create(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body createWebhookRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	name, err := webhook.ValidateName(body.Name)
	if err != nil {
		return h.mapWebhookError(c, err)
	}
	u, err := webhook.ValidateURL(body.URL)
	if err != nil {
		return h.mapWebhookError(c, err)
	}
	events, err := webhook.ValidateEvents(body.Events)
	if err != nil {
		return h.mapWebhookError(c, err)
	}

	hook, err := h.webhooks.Create(c, webhook.CreateParams{
		ProjectID: proj.ID,
		Name:      name,
		URL:       u,
		Events:    events,
		Secret:    body.Secret,
	})
	if err != nil {
		return h.mapWebhookError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, hook)
}

// List handles GET /api/v1/projects/:project/webhooks.
func (h *WebhookHandler) List(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	hooks, err := h.webhooks.List(c, proj.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.mapWebhookError(c, err)
	}
	if hooks == nil {
		hooks = []webhook.Webhook{}
	}
	return httputil.Success(c, hooks)
}

// Get handles GET /api/v1/projects/:project/webhooks/:id.
func (h *WebhookHandler) Get(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapWebhookError(c, webhook.ErrNotFound)
	}

	hook, err := h.webhooks.Get(c, proj.ID, id)
	if err != nil {
		return h.mapWebhookError(c, err)
	}
	return httputil.Success(c, hook)
}

// Update handles PATCH /api/v1/projects/:project/webhooks/:id.
func (h *WebhookHandler) Update(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapWebhookError(c, webhook.ErrNotFound)
	}

	var body updateWebhookRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	params := webhook.UpdateParams{Secret: body.Secret, IsActive: body.IsActive}
	if body.Name != nil {
		name, err := webhook.ValidateName(*body.Name)
		if err != nil {
			return h.mapWebhookError(c, err)
		}
		params.Name = &name
	}
	if body.URL != nil {
		u, err := webhook.ValidateURL(*body.URL)
		if err != nil {
			return h.mapWebhookError(c, err)
		}
		params.URL = &u
	}
	if body.Events != nil {
		events, err := webhook.ValidateEvents(body.Events)
		if err != nil {
			return h.mapWebhookError(c, err)
		}
		params.Events = events
	}

	hook, err := h.webhooks.Update(c, proj.ID, id, params)
	if err != nil {
		return h.mapWebhookError(c, err)
	}
	return httputil.Success(c, hook)
}

// Delete handles DELETE /api/v1/projects/:project/webhooks/:id.
func (h *WebhookHandler) Delete(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapWebhookError(c, webhook.ErrNotFound)
	}

	if err := h.webhooks.Delete(c, proj.ID, id); err != nil {
		return h.mapWebhookError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListDeliveries handles GET /api/v1/projects/:project/webhooks/:id/deliveries.
func (h *WebhookHandler) ListDeliveries(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapWebhookError(c, webhook.ErrNotFound)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}
	status := optString(c, "status")
	if status != nil && !webhook.ValidDeliveryStatus(*status) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "status must be pending, success, or failed")
	}

	deliveries, err := h.webhooks.ListDeliveries(c, proj.ID, id, webhook.DeliveryFilter{
		Event:  optString(c, "event"),
		Status: status,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
	if err != nil {
		return h.mapWebhookError(c, err)
	}
	if deliveries == nil {
		deliveries = []webhook.Delivery{}
	}
	return httputil.Success(c, deliveries)
}

func (h *WebhookHandler) mapWebhookError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, webhook.ErrNameLength),
		errors.Is(err, webhook.ErrInvalidURL),
		errors.Is(err, webhook.ErrNoEvents),
		errors.Is(err, webhook.ErrUnknownEvent):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, webhook.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Webhook not found")
	default:
		h.log.Error().Err(err).Str("handler", "webhook").Msg("unhandled webhook repository error")
		return failInternal(c)
	}
}
