package api

import (
	"bytes"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// ingressAck is the bare acknowledgement body for provider callbacks.
type ingressAck struct {
	OK bool `json:"ok"`
}

// IngressHandler receives provider webhook callbacks. The route is public; the webhook token in
// the path is the credential.
type IngressHandler struct {
	registry *platform.Registry
	log      zerolog.Logger
}

// NewIngressHandler creates a new ingress handler.
func NewIngressHandler(registry *platform.Registry, logger zerolog.Logger) *IngressHandler {
	return &IngressHandler{registry: registry, log: logger}
}

// Receive handles POST /api/v1/webhooks/:platform/:webhookToken. Token resolution failures are
// not-found; once the token resolves, processing failures still answer 200 so providers do not
// retry payloads we have already judged. The body is acknowledged bare, without the response
// envelope, since provider retry logic only reads the status code.
func (h *IngressHandler) Receive(c fiber.Ctx) error {
	platformName := c.Params("platform")
	// Tokens are minted as v4 UUIDs; anything else misses before touching the database.
	token, err := uuid.Parse(c.Params("webhookToken"))
	if err != nil || token.Version() != 4 {
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Webhook not found")
	}

	// The fasthttp buffer behind Body is recycled after the handler returns; the payload must
	// outlive it for async processing and raw storage.
	body := bytes.Clone(c.Body())

	if err := h.registry.DispatchWebhook(c, platformName, token, body); err != nil {
		switch {
		case errors.Is(err, platformconfig.ErrNotFound),
			errors.Is(err, platform.ErrPlatformMismatch),
			errors.Is(err, platform.ErrConfigInactive),
			errors.Is(err, platform.ErrUnknownPlatform):
			return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Webhook not found")
		default:
			h.log.Warn().
				Err(err).
				Str("platform", platformName).
				Msg("Inbound webhook processing failed")
		}
	}

	return c.JSON(ingressAck{OK: true})
}
