package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/scope"
)

// KeyHandler serves API-key management under a project.
type KeyHandler struct {
	keys *apikey.Service
	log  zerolog.Logger
}

// NewKeyHandler creates a new API-key handler.
func NewKeyHandler(keys *apikey.Service, logger zerolog.Logger) *KeyHandler {
	return &KeyHandler{keys: keys, log: logger}
}

type createKeyRequest struct {
	Name          string   `json:"name"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays *int     `json:"expiresInDays"`
}

// createdKeyModel is the one response that carries the plaintext key.
type createdKeyModel struct {
	ID        uuid.UUID      `json:"id"`
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Prefix    string         `json:"prefix"`
	Scopes    []string       `json:"scopes"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	RevokesAt *time.Time     `json:"revokesAt,omitempty"`
	Revoked   *keyEventModel `json:"revokedKey,omitempty"`
}

type keyEventModel struct {
	ID        uuid.UUID `json:"id"`
	MaskedKey string    `json:"maskedKey"`
}

type keyModel struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	MaskedKey  string     `json:"maskedKey"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func toCreatedKeyModel(created *apikey.Created) createdKeyModel {
	k := created.Key
	return createdKeyModel{
		ID:        k.ID,
		Key:       created.Token,
		Name:      k.Name,
		Prefix:    k.KeyPrefix,
		Scopes:    k.Scopes,
		ExpiresAt: k.ExpiresAt,
		CreatedAt: k.CreatedAt,
	}
}

func toKeyModel(k *apikey.Key) keyModel {
	return keyModel{
		ID:         k.ID,
		Name:       k.Name,
		MaskedKey:  k.Masked(),
		Scopes:     k.Scopes,
		ExpiresAt:  k.ExpiresAt,
		RevokedAt:  k.RevokedAt,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// Create handles POST /api/v1/projects/:project/keys. The response is the only place the
// plaintext key ever appears.
func (h *KeyHandler) Create(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body createKeyRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	input := apikey.CreateInput{Name: body.Name, Scopes: body.Scopes, ExpiresInDays: body.ExpiresInDays}
	if p := auth.PrincipalFromContext(c); p != nil && p.Kind == auth.KindJWT {
		id := p.UserID
		input.CreatedBy = &id
	}

	created, err := h.keys.CreateKey(c, proj, input)
	if err != nil {
		return h.mapKeyError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toCreatedKeyModel(created))
}

// List handles GET /api/v1/projects/:project/keys. Only masked forms appear; the plaintext is
// gone the moment Create returns.
func (h *KeyHandler) List(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	keys, err := h.keys.ListKeys(c, proj.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.mapKeyError(c, err)
	}

	result := make([]keyModel, 0, len(keys))
	for i := range keys {
		result = append(result, toKeyModel(&keys[i]))
	}
	return httputil.Success(c, result)
}

// Roll handles POST /api/v1/projects/:project/keys/:keyId/roll. The old key keeps working
// through its grace window; the response carries the replacement plaintext plus the outgoing
// key's identity.
func (h *KeyHandler) Roll(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	keyID, ok := paramUUID(c, "keyId")
	if !ok {
		return h.mapKeyError(c, apikey.ErrNotFound)
	}

	var actor *uuid.UUID
	if p := auth.PrincipalFromContext(c); p != nil && p.Kind == auth.KindJWT {
		id := p.UserID
		actor = &id
	}

	created, err := h.keys.RollKey(c, proj, keyID, actor)
	if err != nil {
		return h.mapKeyError(c, err)
	}

	resp := toCreatedKeyModel(created)
	old, err := h.keys.GetKey(c, proj.ID, keyID)
	if err == nil {
		resp.RevokesAt = old.RevokedAt
		resp.Revoked = &keyEventModel{ID: old.ID, MaskedKey: old.Masked()}
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, resp)
}

// Revoke handles DELETE /api/v1/projects/:project/keys/:keyId. Revoking an already-revoked key
// succeeds; the end state is what matters.
func (h *KeyHandler) Revoke(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	keyID, ok := paramUUID(c, "keyId")
	if !ok {
		return h.mapKeyError(c, apikey.ErrNotFound)
	}

	if err := h.keys.RevokeKey(c, proj.ID, keyID); err != nil {
		return h.mapKeyError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *KeyHandler) mapKeyError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, apikey.ErrNameLength),
		errors.Is(err, apikey.ErrNoScopes),
		errors.Is(err, apikey.ErrInvalidExpiry),
		errors.Is(err, scope.ErrUnknown):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, apikey.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "API key not found")
	default:
		h.log.Error().Err(err).Str("handler", "apikey").Msg("unhandled api key service error")
		return failInternal(c)
	}
}
