package api

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/invite"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/user"
)

var errMemberTarget = errors.New("userId or email is required")

// inviteMailer sends invite notification mail. *email.Client satisfies it; a nil mailer means
// the deployment has no SMTP configured and invites are link-only.
type inviteMailer interface {
	SendProjectInvite(to, projectName, role, token, baseURL string, expiresAt time.Time) error
}

// MemberHandler serves project membership and invites.
type MemberHandler struct {
	projects project.Repository
	users    user.Repository
	invites  invite.Repository
	roles    *project.RoleResolver
	mailer   inviteMailer
	baseURL  string
	log      zerolog.Logger
}

// NewMemberHandler creates a new member handler. mailer may be nil.
func NewMemberHandler(projects project.Repository, users user.Repository, invites invite.Repository, roles *project.RoleResolver, mailer inviteMailer, baseURL string, logger zerolog.Logger) *MemberHandler {
	return &MemberHandler{
		projects: projects,
		users:    users,
		invites:  invites,
		roles:    roles,
		mailer:   mailer,
		baseURL:  baseURL,
		log:      logger,
	}
}

type addMemberRequest struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

type updateMemberRequest struct {
	Role string `json:"role"`
}

type createInviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// memberModel is one membership as the API shows it. The synthesised owner entry has no
// member-row id.
type memberModel struct {
	ID          *uuid.UUID   `json:"id,omitempty"`
	UserID      uuid.UUID    `json:"userId"`
	Email       string       `json:"email"`
	DisplayName *string      `json:"displayName,omitempty"`
	Role        project.Role `json:"role"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type inviteModel struct {
	ID        uuid.UUID    `json:"id"`
	Email     string       `json:"email"`
	Role      project.Role `json:"role"`
	Token     string       `json:"token,omitempty"`
	Status    string       `json:"status"`
	ExpiresAt time.Time    `json:"expiresAt"`
	CreatedAt time.Time    `json:"createdAt"`
}

func toInviteModel(inv *invite.Invite, includeToken bool, now time.Time) inviteModel {
	m := inviteModel{
		ID:        inv.ID,
		Email:     inv.Email,
		Role:      inv.Role,
		Status:    inv.Status(now),
		ExpiresAt: inv.ExpiresAt,
		CreatedAt: inv.CreatedAt,
	}
	if includeToken {
		m.Token = inv.Token
	}
	return m
}

// ListMembers handles GET /api/v1/projects/:project/members. The owner is synthesised first;
// ownership lives on the project row, never in project_members.
func (h *MemberHandler) ListMembers(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	owner := memberModel{
		UserID:    proj.OwnerID,
		Role:      project.RoleOwner,
		CreatedAt: proj.CreatedAt,
	}
	if u, err := h.users.GetByID(c, proj.OwnerID); err == nil {
		owner.Email = u.Email
		owner.DisplayName = u.DisplayName
	} else if !errors.Is(err, user.ErrNotFound) {
		return h.mapMemberError(c, err)
	}

	members, err := h.projects.ListMembers(c, proj.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	result := make([]memberModel, 0, len(members)+1)
	result = append(result, owner)
	for i := range members {
		m := members[i]
		id := m.ID
		result = append(result, memberModel{
			ID:          &id,
			UserID:      m.UserID,
			Email:       m.Email,
			DisplayName: m.DisplayName,
			Role:        m.Role,
			CreatedAt:   m.CreatedAt,
		})
	}
	return httputil.Success(c, result)
}

// AddMember handles POST /api/v1/projects/:project/members: a direct add of an existing user by
// id or email. Unknown users get an invite instead, through the invites endpoint.
func (h *MemberHandler) AddMember(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body addMemberRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	role := project.Role(body.Role)
	if !project.ValidAssignableRole(role) {
		return h.mapMemberError(c, project.ErrInvalidRole)
	}

	target, err := h.resolveUser(c, body.UserID, body.Email)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	if target.ID == proj.OwnerID {
		return h.mapMemberError(c, project.ErrOwnerImmutable)
	}

	m, err := h.projects.AddMember(c, proj.ID, target.ID, role)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	h.roles.Invalidate(c, proj.ID, target.ID)

	id := m.ID
	return httputil.SuccessStatus(c, fiber.StatusCreated, memberModel{
		ID:          &id,
		UserID:      m.UserID,
		Email:       target.Email,
		DisplayName: target.DisplayName,
		Role:        m.Role,
		CreatedAt:   m.CreatedAt,
	})
}

// UpdateMember handles PATCH /api/v1/projects/:project/members/:userId.
func (h *MemberHandler) UpdateMember(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	userID, ok := paramUUID(c, "userId")
	if !ok {
		return h.mapMemberError(c, project.ErrNotMember)
	}

	var body updateMemberRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	role := project.Role(body.Role)
	if !project.ValidAssignableRole(role) {
		return h.mapMemberError(c, project.ErrInvalidRole)
	}
	if userID == proj.OwnerID {
		return h.mapMemberError(c, project.ErrOwnerImmutable)
	}

	m, err := h.projects.UpdateMemberRole(c, proj.ID, userID, role)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	h.roles.Invalidate(c, proj.ID, userID)

	resp := memberModel{UserID: m.UserID, Role: m.Role, CreatedAt: m.CreatedAt}
	id := m.ID
	resp.ID = &id
	if u, err := h.users.GetByID(c, m.UserID); err == nil {
		resp.Email = u.Email
		resp.DisplayName = u.DisplayName
	}
	return httputil.Success(c, resp)
}

// RemoveMember handles DELETE /api/v1/projects/:project/members/:userId.
func (h *MemberHandler) RemoveMember(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	userID, ok := paramUUID(c, "userId")
	if !ok {
		return h.mapMemberError(c, project.ErrNotMember)
	}
	if userID == proj.OwnerID {
		return h.mapMemberError(c, project.ErrOwnerImmutable)
	}

	if err := h.projects.RemoveMember(c, proj.ID, userID); err != nil {
		return h.mapMemberError(c, err)
	}
	h.roles.Invalidate(c, proj.ID, userID)

	return c.SendStatus(fiber.StatusNoContent)
}

// CreateInvite handles POST /api/v1/projects/:project/invites. The token is always returned so
// the caller can hand it over out-of-band; mail is a best-effort extra when SMTP is configured.
func (h *MemberHandler) CreateInvite(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body createInviteRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	email, err := auth.ValidateEmail(body.Email)
	if err != nil {
		return h.mapMemberError(c, err)
	}
	role := project.Role(body.Role)
	if !project.ValidAssignableRole(role) {
		return h.mapMemberError(c, project.ErrInvalidRole)
	}

	params := invite.CreateParams{ProjectID: proj.ID, Email: email, Role: role}
	if p := auth.PrincipalFromContext(c); p != nil && p.Kind == auth.KindJWT {
		id := p.UserID
		params.InvitedBy = &id
	}

	inv, err := h.invites.Create(c, params)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	h.mailInvite(proj, inv)

	return httputil.SuccessStatus(c, fiber.StatusCreated, toInviteModel(inv, true, time.Now()))
}

// ListInvites handles GET /api/v1/projects/:project/invites. Only pending invites are listed;
// used and expired ones are history, not actionable state.
func (h *MemberHandler) ListInvites(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}

	invites, err := h.invites.ListByProject(c, proj.ID, pg.Limit, pg.Offset)
	if err != nil {
		return h.mapMemberError(c, err)
	}

	now := time.Now()
	result := make([]inviteModel, 0, len(invites))
	for i := range invites {
		if invites[i].Status(now) != invite.StatusPending {
			continue
		}
		result = append(result, toInviteModel(&invites[i], false, now))
	}
	return httputil.Success(c, result)
}

// DeleteInvite handles DELETE /api/v1/projects/:project/invites/:id.
func (h *MemberHandler) DeleteInvite(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	id, ok := paramUUID(c, "id")
	if !ok {
		return h.mapMemberError(c, invite.ErrNotFound)
	}

	if err := h.invites.Delete(c, proj.ID, id); err != nil {
		return h.mapMemberError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// resolveUser finds the user a member mutation refers to, by id or email.
func (h *MemberHandler) resolveUser(ctx context.Context, rawID, email string) (*user.User, error) {
	switch {
	case rawID != "":
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, user.ErrNotFound
		}
		return h.users.GetByID(ctx, id)
	case email != "":
		creds, err := h.users.GetByEmail(ctx, user.NormalizeEmail(email))
		if err != nil {
			return nil, err
		}
		return &creds.User, nil
	default:
		return nil, errMemberTarget
	}
}

// mailInvite sends the invite notification in the background. Failures are logged and otherwise
// ignored; the invite already exists and its token was returned.
func (h *MemberHandler) mailInvite(proj *project.Project, inv *invite.Invite) {
	if h.mailer == nil {
		return
	}
	mailer, log := h.mailer, h.log
	name, role, email, token, baseURL, expires := proj.Name, string(inv.Role), inv.Email, inv.Token, h.baseURL, inv.ExpiresAt
	go func() {
		if err := mailer.SendProjectInvite(email, name, role, token, baseURL, expires); err != nil {
			log.Warn().Err(err).Str("project", name).Msg("Failed to send invite email")
		}
	}()
}

func (h *MemberHandler) mapMemberError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, project.ErrInvalidRole),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, errMemberTarget):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, project.ErrAlreadyMember),
		errors.Is(err, project.ErrOwnerImmutable):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, err.Error())
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "User not found")
	case errors.Is(err, project.ErrNotMember):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Member not found")
	case errors.Is(err, invite.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Invite not found")
	case errors.Is(err, project.ErrNotFound), errors.Is(err, invite.ErrProjectNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Project not found")
	default:
		h.log.Error().Err(err).Str("handler", "member").Msg("unhandled membership error")
		return failInternal(c)
	}
}
