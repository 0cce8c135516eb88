package auth

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/scope"
)

// HeaderAPIKey is the request header carrying a plaintext API key.
const HeaderAPIKey = "X-API-Key"

// KeyAuthenticator resolves a plaintext API-key token to its stored key. *apikey.Service
// satisfies it.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*apikey.Key, error)
}

// Authenticate returns Fiber middleware that builds a Principal from either an X-API-Key header
// or a JWT Bearer token and stores it in the request locals. A missing or rejected credential
// ends the request with 401; handlers behind this middleware can rely on a principal being
// present.
func Authenticate(keys KeyAuthenticator, cfg *config.Config) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token := c.Get(HeaderAPIKey); token != "" {
			key, err := keys.Authenticate(c, token)
			if err != nil {
				// Unknown, expired, and revoked keys are deliberately indistinguishable.
				if errors.Is(err, apikey.ErrNotFound) || errors.Is(err, apikey.ErrInvalid) {
					return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid API key")
				}
				return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
			}
			StorePrincipal(c, &Principal{
				Kind:      KindAPIKey,
				ProjectID: key.ProjectID,
				KeyID:     key.ID,
				KeyName:   key.Name,
				Scopes:    key.Scopes,
			})
			return c.Next()
		}

		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Missing credentials")
		}
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid authorization format")
		}
		if !cfg.JWTConfigured() {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "User login is disabled")
		}

		claims, err := ValidateAccessToken(header[len(prefix):], cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			code := httputil.CodeUnauthorized
			message := "Invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = httputil.CodeTokenExpired
				message = "Token has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, code, message)
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Invalid token subject")
		}

		StorePrincipal(c, &Principal{
			Kind:   KindJWT,
			UserID: userID,
			Email:  claims.Email,
			Scopes: claims.GrantedScopes(),
		})
		return c.Next()
	}
}

// RequireScopes returns Fiber middleware that rejects principals missing any of the required
// scopes. Must be placed after Authenticate.
func RequireScopes(required ...scope.Scope) fiber.Handler {
	return func(c fiber.Ctx) error {
		p := PrincipalFromContext(c)
		if p == nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
		}
		if !p.HasScopes(required...) {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeInsufficientScope, "Insufficient scope")
		}
		return c.Next()
	}
}

// ProjectAccess returns Fiber middleware that resolves the :project route parameter (slug or
// UUID) and enforces tenant access: an API-key principal must be bound to the resolved project,
// and a JWT principal must be the owner or hold a membership at or above minRole. Every access
// failure is reported as not-found so membership cannot leak project existence. The resolved
// project is stored in the request locals for handlers.
func ProjectAccess(projects project.Repository, roles *project.RoleResolver, minRole project.Role) fiber.Handler {
	return func(c fiber.Ctx) error {
		p := PrincipalFromContext(c)
		if p == nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
		}

		proj, err := resolveProject(c, projects, c.Params("project"))
		if err != nil {
			if errors.Is(err, project.ErrNotFound) {
				return failProjectNotFound(c)
			}
			return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
		}

		switch p.Kind {
		case KindAPIKey:
			if p.ProjectID != proj.ID {
				return failProjectNotFound(c)
			}
		case KindJWT:
			if proj.OwnerID != p.UserID {
				role, err := roles.Resolve(c, proj.ID, p.UserID)
				if err != nil {
					if errors.Is(err, project.ErrNotMember) {
						return failProjectNotFound(c)
					}
					return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
				}
				if !role.AtLeast(minRole) {
					return failProjectNotFound(c)
				}
			}
		default:
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthorized, "Authentication required")
		}

		StoreProject(c, proj)
		return c.Next()
	}
}

func resolveProject(ctx context.Context, projects project.Repository, ref string) (*project.Project, error) {
	if ref == "" {
		return nil, project.ErrNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return projects.GetByID(ctx, id)
	}
	return projects.GetBySlug(ctx, ref)
}

func failProjectNotFound(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Project not found")
}
