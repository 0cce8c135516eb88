package api

import (
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

// AuthHandler serves the public auth endpoints and whoami.
type AuthHandler struct {
	auth     *auth.Service
	projects project.Repository
	users    user.Repository
	log      zerolog.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(svc *auth.Service, projects project.Repository, users user.Repository, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, projects: projects, users: users, log: logger}
}

type signupRequest struct {
	Email    string  `json:"email"`
	Password string  `json:"password"`
	Name     *string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type acceptInviteRequest struct {
	Token    string  `json:"token"`
	Password string  `json:"password"`
	Name     *string `json:"name"`
}

type userModel struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type authResponse struct {
	AccessToken string        `json:"accessToken"`
	User        userModel     `json:"user"`
	Project     *projectModel `json:"project,omitempty"`
}

type whoamiResponse struct {
	AuthType    string           `json:"authType"`
	Permissions []string         `json:"permissions"`
	Project     *projectModel    `json:"project,omitempty"`
	User        *userModel       `json:"user,omitempty"`
	APIKey      *whoamiKeyDetail `json:"apiKey,omitempty"`
}

type whoamiKeyDetail struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

func toUserModel(u *user.User) userModel {
	return userModel{ID: u.ID, Email: u.Email, Name: u.DisplayName, CreatedAt: u.CreatedAt}
}

func toAuthResponse(result *auth.AuthResult) authResponse {
	resp := authResponse{AccessToken: result.AccessToken, User: toUserModel(result.User)}
	if result.Project != nil {
		m := toProjectModel(result.Project)
		resp.Project = &m
	}
	return resp
}

// Signup handles POST /api/v1/auth/signup.
func (h *AuthHandler) Signup(c fiber.Ctx) error {
	var body signupRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	result, err := h.auth.Signup(c, auth.SignupRequest{
		Email:    body.Email,
		Password: body.Password,
		Name:     body.Name,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toAuthResponse(result))
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}

	result, err := h.auth.Login(c, auth.LoginRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, toAuthResponse(result))
}

// AcceptInvite handles POST /api/v1/auth/accept-invite.
func (h *AuthHandler) AcceptInvite(c fiber.Ctx) error {
	var body acceptInviteRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	if body.Token == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "token is required")
	}

	result, err := h.auth.AcceptInvite(c, auth.AcceptInviteRequest{
		Token:    body.Token,
		Password: body.Password,
		Name:     body.Name,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, toAuthResponse(result))
}

// Whoami handles GET /api/v1/auth/whoami. It echoes the resolved principal so integrators can
// verify which credential a request rode in on and what it may do.
func (h *AuthHandler) Whoami(c fiber.Ctx) error {
	p := auth.PrincipalFromContext(c)
	if p == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
	}

	resp := whoamiResponse{AuthType: p.Kind, Permissions: p.Scopes}
	if resp.Permissions == nil {
		resp.Permissions = []string{}
	}

	switch p.Kind {
	case auth.KindAPIKey:
		resp.APIKey = &whoamiKeyDetail{ID: p.KeyID, Name: p.KeyName}
		proj, err := h.projects.GetByID(c, p.ProjectID)
		if err != nil {
			if !errors.Is(err, project.ErrNotFound) {
				h.log.Error().Err(err).Str("handler", "auth").Msg("whoami project lookup failed")
				return failInternal(c)
			}
		} else {
			m := toProjectModel(proj)
			resp.Project = &m
		}
	case auth.KindJWT:
		u, err := h.users.GetByID(c, p.UserID)
		if err != nil {
			if !errors.Is(err, user.ErrNotFound) {
				h.log.Error().Err(err).Str("handler", "auth").Msg("whoami user lookup failed")
				return failInternal(c)
			}
			// Token outlived the account.
			resp.User = &userModel{ID: p.UserID, Email: p.Email}
		} else {
			m := toUserModel(u)
			resp.User = &m
		}
	}

	return httputil.Success(c, resp)
}

// mapAuthError converts auth-layer errors to HTTP responses. Dead invites answer not-found so a
// token probe learns nothing beyond "this token buys you nothing".
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong),
		errors.Is(err, auth.ErrEmailBlocked),
		errors.Is(err, user.ErrDisplayNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, auth.ErrEmailAlreadyTaken):
		return httputil.Fail(c, fiber.StatusConflict, httputil.CodeConflict, "An account with this email already exists")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, err.Error())
	case errors.Is(err, auth.ErrLoginDisabled):
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "User login is disabled on this deployment")
	case errors.Is(err, invite.ErrNotFound),
		errors.Is(err, invite.ErrExpired),
		errors.Is(err, invite.ErrAlreadyUsed):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Invite not found")
	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return failInternal(c)
	}
}

