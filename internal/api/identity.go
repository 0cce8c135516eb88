package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/identity"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// IdentityHandler serves cross-platform identities and their provider aliases.
type IdentityHandler struct {
	identities identity.Repository
	configs    *platformconfig.Service
	messages   message.Repository
	log        zerolog.Logger
}

// NewIdentityHandler creates a new identity handler.
func NewIdentityHandler(identities identity.Repository, configs *platformconfig.Service, messages message.Repository, logger zerolog.Logger) *IdentityHandler {
	return &IdentityHandler{identities: identities, configs: configs, messages: messages, log: logger}
}

type createIdentityRequest struct {
	DisplayName *string         `json:"displayName"`
	Email       *string         `json:"email"`
	Metadata    json.RawMessage `json:"metadata"`
}

type updateIdentityRequest struct {
	DisplayName *string         `json:"displayName"`
	Email       *string         `json:"email"`
	Metadata    json.RawMessage `json:"metadata"`
}

type addAliasRequest struct {
	PlatformConfigID    string  `json:"platformConfigId"`
	ProviderUserID      string  `json:"providerUserId"`
	ProviderUserDisplay *string `json:"providerUserDisplay"`
	LinkMethod          string  `json:"linkMethod"`
}

// identityDetailModel is an identity together with its alias set.
type identityDetailModel struct {
	Identity *identity.Identity `json:"identity"`
	Aliases  []identity.Alias   `json:"aliases"`
}

// Create handles POST /api/v1/projects/:project/identities.
func (h *IdentityHandler) Create(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body createIdentityRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	if err := h.normalize(&body.DisplayName, &body.Email); err != nil {
		return h.mapIdentityError(c, err)
	}

	ident, err := h.identities.Create(c, identity.CreateParams{
		ProjectID:   proj.ID,
		DisplayName: body.DisplayName,
		Email:       body.Email,
		Metadata:    body.Metadata,
	})
	if err != nil {
		return h.mapIdentityError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, ident)
}

// List handles GET /api/v1/projects/:project/identities.
func (h *IdentityHandler) List(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	identities, err := h.identities.List(c, proj.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.mapIdentityError(c, err)
	}
	if identities == nil {
		identities = []identity.Identity{}
	}
	return httputil.Success(c, identities)
}

// Get handles GET /api/v1/projects/:project/identities/:id. The alias set rides along; the
// identity is only meaningful as the join of its aliases.
func (h *IdentityHandler) Get(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}

	ident, err := h.identities.Get(c, proj.ID, id)
	if err != nil {
		return h.mapIdentityError(c, err)
	}
	aliases, err := h.identities.ListAliases(c, proj.ID, id)
	if err != nil {
		return h.mapIdentityError(c, err)
	}
	if aliases == nil {
		aliases = []identity.Alias{}
	}

	return httputil.Success(c, identityDetailModel{Identity: ident, Aliases: aliases})
}

// Update handles PATCH /api/v1/projects/:project/identities/:id.
func (h *IdentityHandler) Update(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}

	var body updateIdentityRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	if err := h.normalize(&body.DisplayName, &body.Email); err != nil {
		return h.mapIdentityError(c, err)
	}

	ident, err := h.identities.Update(c, proj.ID, id, identity.UpdateParams{
		DisplayName: body.DisplayName,
		Email:       body.Email,
		Metadata:    body.Metadata,
	})
	if err != nil {
		return h.mapIdentityError(c, err)
	}
	return httputil.Success(c, ident)
}

// Delete handles DELETE /api/v1/projects/:project/identities/:id. Aliases go with it; message
// history stays, keyed by provider user ids.
func (h *IdentityHandler) Delete(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}

	if err := h.identities.Delete(c, proj.ID, id); err != nil {
		return h.mapIdentityError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListAliases handles GET /api/v1/projects/:project/identities/:id/aliases.
func (h *IdentityHandler) ListAliases(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}

	if _, err := h.identities.Get(c, proj.ID, id); err != nil {
		return h.mapIdentityError(c, err)
	}
	aliases, err := h.identities.ListAliases(c, proj.ID, id)
	if err != nil {
		return h.mapIdentityError(c, err)
	}
	if aliases == nil {
		aliases = []identity.Alias{}
	}
	return httputil.Success(c, aliases)
}

// AddAlias handles POST /api/v1/projects/:project/identities/:id/aliases. The platform name is
// derived from the config, never trusted from the caller.
func (h *IdentityHandler) AddAlias(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}

	var body addAliasRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	configID, err := uuid.Parse(body.PlatformConfigID)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "platformConfigId must be a UUID")
	}
	if body.ProviderUserID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "providerUserId is required")
	}
	method := body.LinkMethod
	if method == "" {
		method = identity.LinkManual
	}
	if !identity.ValidLinkMethod(method) {
		return h.mapIdentityError(c, identity.ErrInvalidLinkMethod)
	}

	cfg, err := h.configs.Get(c, proj.ID, configID)
	if err != nil {
		if errors.Is(err, platformconfig.ErrNotFound) {
			return h.mapIdentityError(c, identity.ErrConfigNotFound)
		}
		return h.mapIdentityError(c, err)
	}

	alias, err := h.identities.AddAlias(c, proj.ID, id, identity.AddAliasParams{
		PlatformConfigID:    cfg.ID,
		Platform:            cfg.Platform,
		ProviderUserID:      body.ProviderUserID,
		ProviderUserDisplay: body.ProviderUserDisplay,
		LinkMethod:          method,
	})
	if err != nil {
		return h.mapIdentityError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, alias)
}

// RemoveAlias handles DELETE /api/v1/projects/:project/identities/:id/aliases/:aliasId.
func (h *IdentityHandler) RemoveAlias(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}
	aliasID, ok := paramUUID(c, "aliasId")
	if !ok {
		return h.mapIdentityError(c, identity.ErrAliasNotFound)
	}

	if err := h.identities.RemoveAlias(c, proj.ID, id, aliasID); err != nil {
		return h.mapIdentityError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Messages handles GET /api/v1/projects/:project/identities/:id/messages: the identity's
// received history across every linked platform, pivoted through its alias set.
func (h *IdentityHandler) Messages(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapIdentityError(c, identity.ErrNotFound)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	if _, err := h.identities.Get(c, proj.ID, id); err != nil {
		return h.mapIdentityError(c, err)
	}
	aliases, err := h.identities.ListAliases(c, proj.ID, id)
	if err != nil {
		return h.mapIdentityError(c, err)
	}

	refs := make([]message.AliasRef, 0, len(aliases))
	for _, a := range aliases {
		refs = append(refs, message.AliasRef{
			PlatformConfigID: a.PlatformConfigID,
			ProviderUserID:   a.ProviderUserID,
		})
	}

	msgs, err := h.messages.ListReceivedForAliases(c, proj.ID, refs, pg.Limit, pg.Offset)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "identity").Msg("alias message pivot failed")
		return failInternal(c)
	}

	result := make([]receivedModel, 0, len(msgs))
	for i := range msgs {
		result = append(result, toReceivedModel(&msgs[i]))
	}
	return httputil.Success(c, result)
}

// normalize validates and canonicalises optional display name and email fields in place.
func (h *IdentityHandler) normalize(displayName, email **string) error {
	if *displayName != nil {
		name, err := identity.ValidateDisplayName(**displayName)
		if err != nil {
			return err
		}
		**displayName = name
	}
	if *email != nil {
		addr, err := identity.ValidateEmail(**email)
		if err != nil {
			return err
		}
		**email = addr
	}
	return nil
}

func (h *IdentityHandler) mapIdentityError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, identity.ErrDisplayNameLength),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrInvalidLinkMethod):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, identity.ErrAliasTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Identity not found")
	case errors.Is(err, identity.ErrAliasNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Alias not found")
	case errors.Is(err, identity.ErrConfigNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Platform config not found")
	default:
		h.log.Error().Err(err).Str("handler", "identity").Msg("unhandled identity repository error")
		return failInternal(c)
	}
}
