package auth

import (
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/scope"
)

// Principal kinds.
const (
	KindAPIKey = "api-key"
	KindJWT    = "jwt"
)

// Locals keys populated by the middleware chain.
const (
	principalKey = "principal"
	projectKey   = "project"
)

// Principal is the uniform identity attached to a request after authentication, whichever
// credential produced it. API-key principals are bound to a single project; JWT principals
// represent a dashboard user whose per-project authority is resolved by the project guard.
type Principal struct {
	Kind      string
	ProjectID uuid.UUID // api-key principals only
	KeyID     uuid.UUID // api-key principals only
	KeyName   string    // api-key principals only
	UserID    uuid.UUID // jwt principals only
	Email     string    // jwt principals only, when the token carries it
	Scopes    []string
}

// HasScopes reports whether the principal holds every required scope. Scopes are independent
// tokens; none implies another.
func (p *Principal) HasScopes(required ...scope.Scope) bool {
	return scope.ContainsAll(p.Scopes, required...)
}

// StorePrincipal attaches the principal to the request. Authenticate calls it on the real path;
// handler tests call it from a stub middleware.
func StorePrincipal(c fiber.Ctx, p *Principal) {
	c.Locals(principalKey, p)
}

// StoreProject attaches the resolved project to the request. ProjectAccess calls it on the real
// path; handler tests call it from a stub middleware.
func StoreProject(c fiber.Ctx, proj *project.Project) {
	c.Locals(projectKey, proj)
}

// PrincipalFromContext returns the principal stored by Authenticate, or nil when the request is
// unauthenticated.
func PrincipalFromContext(c fiber.Ctx) *Principal {
	p, _ := c.Locals(principalKey).(*Principal)
	return p
}

// ProjectFromContext returns the project resolved by ProjectAccess, or nil outside a project
// route.
func ProjectFromContext(c fiber.Ctx) *project.Project {
	p, _ := c.Locals(projectKey).(*project.Project)
	return p
}
