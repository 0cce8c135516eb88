package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/identity"
	"github.com/gatekit-io/gatekit-server/internal/outbound"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/ratelimit"
	"github.com/gatekit-io/gatekit-server/internal/scope"
	"github.com/gatekit-io/gatekit-server/internal/webhook"
)

// Route is one entry of the API contract. The table is the single authority on each endpoint's
// method, path, auth class, required scopes, role floor, rate limit, and wire schemas; nothing
// about access control lives in handlers.
type Route struct {
	Method string
	Path   string

	// Public routes skip authentication entirely.
	Public bool

	// Scopes a principal must hold. Empty means any authenticated principal.
	Scopes []scope.Scope

	// MinRole, when set, marks the route project-scoped: the :project parameter is resolved
	// and access-checked with this floor for JWT members. API keys pass on project match.
	MinRole project.Role

	// Limit is the route's rate limit, counted under LimitName. A nil Limit exempts the
	// route: inbound provider traffic and health probes must never be throttled.
	Limit     *ratelimit.Limit
	LimitName string

	// Pre runs before authentication. Used where the credential needs relocating first.
	Pre fiber.Handler

	// Input and Output are zero values of the request and response body types, carried so
	// contract tooling can enumerate schemas without reflection over handlers.
	Input  any
	Output any

	Handler fiber.Handler
}

// Handlers groups the constructed handlers for table assembly.
type Handlers struct {
	Auth       *AuthHandler
	Projects   *ProjectHandler
	Keys       *KeyHandler
	Platforms  *PlatformHandler
	Messages   *MessageHandler
	Identities *IdentityHandler
	Webhooks   *WebhookHandler
	Members    *MemberHandler
	Logs       *LogHandler
	Stream     *StreamHandler
	Ingress    *IngressHandler
	Health     *HealthHandler
}

// Limiter class names. Routes sharing a name share counting windows per client IP.
const (
	limitAPI  = "api"
	limitAuth = "auth"
)

// Table returns the complete route table. Rate limits come from configuration so the table
// carries the effective numbers, not symbols.
func Table(cfg *config.Config, h *Handlers) []Route {
	apiLimit := &ratelimit.Limit{Count: cfg.RateLimitDefaultLimit, Window: cfg.RateLimitDefaultWindow}
	authLimit := &ratelimit.Limit{Count: cfg.RateLimitAuthLimit, Window: cfg.RateLimitAuthWindow}

	return []Route{
		// Liveness. Exempt from limiting so orchestrator probes cannot be starved out.
		{Method: "GET", Path: "/health", Public: true, Handler: h.Health.Health},

		// Account auth. Stricter limiter: these endpoints are the brute-force surface.
		{Method: "POST", Path: "/api/v1/auth/signup", Public: true, Limit: authLimit, LimitName: limitAuth,
			Input: signupRequest{}, Output: authResponse{}, Handler: h.Auth.Signup},
		{Method: "POST", Path: "/api/v1/auth/login", Public: true, Limit: authLimit, LimitName: limitAuth,
			Input: loginRequest{}, Output: authResponse{}, Handler: h.Auth.Login},
		{Method: "POST", Path: "/api/v1/auth/accept-invite", Public: true, Limit: authLimit, LimitName: limitAuth,
			Input: acceptInviteRequest{}, Output: authResponse{}, Handler: h.Auth.AcceptInvite},
		{Method: "GET", Path: "/api/v1/auth/whoami", Limit: apiLimit, LimitName: limitAPI,
			Output: whoamiResponse{}, Handler: h.Auth.Whoami},

		// Provider catalog.
		{Method: "GET", Path: "/api/v1/platforms", Limit: apiLimit, LimitName: limitAPI,
			Output: []platform.Info{}, Handler: h.Platforms.ListRegistry},

		// Projects.
		{Method: "POST", Path: "/api/v1/projects", Scopes: []scope.Scope{scope.ProjectsWrite},
			Limit: apiLimit, LimitName: limitAPI,
			Input: createProjectRequest{}, Output: projectModel{}, Handler: h.Projects.Create},
		{Method: "GET", Path: "/api/v1/projects", Scopes: []scope.Scope{scope.ProjectsRead},
			Limit: apiLimit, LimitName: limitAPI,
			Output: []projectModel{}, Handler: h.Projects.List},
		{Method: "GET", Path: "/api/v1/projects/:project", Scopes: []scope.Scope{scope.ProjectsRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: projectModel{}, Handler: h.Projects.Get},
		{Method: "PATCH", Path: "/api/v1/projects/:project", Scopes: []scope.Scope{scope.ProjectsWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: updateProjectRequest{}, Output: projectModel{}, Handler: h.Projects.Update},
		{Method: "DELETE", Path: "/api/v1/projects/:project", Scopes: []scope.Scope{scope.ProjectsWrite},
			MinRole: project.RoleOwner, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Projects.Delete},

		// API keys.
		{Method: "POST", Path: "/api/v1/projects/:project/keys", Scopes: []scope.Scope{scope.KeysManage},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: createKeyRequest{}, Output: createdKeyModel{}, Handler: h.Keys.Create},
		{Method: "GET", Path: "/api/v1/projects/:project/keys", Scopes: []scope.Scope{scope.KeysRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []keyModel{}, Handler: h.Keys.List},
		{Method: "DELETE", Path: "/api/v1/projects/:project/keys/:keyId", Scopes: []scope.Scope{scope.KeysManage},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Keys.Revoke},
		{Method: "POST", Path: "/api/v1/projects/:project/keys/:keyId/roll", Scopes: []scope.Scope{scope.KeysManage},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Output: createdKeyModel{}, Handler: h.Keys.Roll},

		// Platform configs.
		{Method: "POST", Path: "/api/v1/projects/:project/platforms", Scopes: []scope.Scope{scope.PlatformsWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: createPlatformRequest{}, Output: platformModel{}, Handler: h.Platforms.Create},
		{Method: "GET", Path: "/api/v1/projects/:project/platforms", Scopes: []scope.Scope{scope.PlatformsRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []platformModel{}, Handler: h.Platforms.List},
		{Method: "GET", Path: "/api/v1/projects/:project/platforms/:id", Scopes: []scope.Scope{scope.PlatformsRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: platformModel{}, Handler: h.Platforms.Get},
		{Method: "PATCH", Path: "/api/v1/projects/:project/platforms/:id", Scopes: []scope.Scope{scope.PlatformsWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: updatePlatformRequest{}, Output: platformModel{}, Handler: h.Platforms.Update},
		{Method: "DELETE", Path: "/api/v1/projects/:project/platforms/:id", Scopes: []scope.Scope{scope.PlatformsWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Platforms.Delete},
		{Method: "GET", Path: "/api/v1/projects/:project/platforms/:id/status", Scopes: []scope.Scope{scope.PlatformsRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: platformStatusModel{}, Handler: h.Platforms.Status},

		// Messages.
		{Method: "POST", Path: "/api/v1/projects/:project/messages/send", Scopes: []scope.Scope{scope.MessagesSend},
			MinRole: project.RoleMember, Limit: apiLimit, LimitName: limitAPI,
			Input: outbound.SendRequest{}, Output: sendReceiptModel{}, Handler: h.Messages.Send},
		{Method: "GET", Path: "/api/v1/projects/:project/messages/status/:jobId", Scopes: []scope.Scope{scope.MessagesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: outbound.Status{}, Handler: h.Messages.Status},
		{Method: "POST", Path: "/api/v1/projects/:project/messages/retry/:jobId", Scopes: []scope.Scope{scope.MessagesSend},
			MinRole: project.RoleMember, Limit: apiLimit, LimitName: limitAPI,
			Output: sendReceiptModel{}, Handler: h.Messages.Retry},
		{Method: "GET", Path: "/api/v1/projects/:project/messages", Scopes: []scope.Scope{scope.MessagesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []receivedModel{}, Handler: h.Messages.ListReceived},
		{Method: "GET", Path: "/api/v1/projects/:project/messages/sent", Scopes: []scope.Scope{scope.MessagesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []sentModel{}, Handler: h.Messages.ListSent},
		{Method: "GET", Path: "/api/v1/projects/:project/messages/stats", Scopes: []scope.Scope{scope.MessagesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: statsModel{}, Handler: h.Messages.Stats},
		{Method: "DELETE", Path: "/api/v1/projects/:project/messages", Scopes: []scope.Scope{scope.MessagesWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: purgeRequest{}, Output: purgeResultModel{}, Handler: h.Messages.Purge},

		// Identities.
		{Method: "POST", Path: "/api/v1/projects/:project/identities", Scopes: []scope.Scope{scope.IdentitiesWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: createIdentityRequest{}, Output: identity.Identity{}, Handler: h.Identities.Create},
		{Method: "GET", Path: "/api/v1/projects/:project/identities", Scopes: []scope.Scope{scope.IdentitiesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []identity.Identity{}, Handler: h.Identities.List},
		{Method: "GET", Path: "/api/v1/projects/:project/identities/:id", Scopes: []scope.Scope{scope.IdentitiesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: identityDetailModel{}, Handler: h.Identities.Get},
		{Method: "PATCH", Path: "/api/v1/projects/:project/identities/:id", Scopes: []scope.Scope{scope.IdentitiesWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: updateIdentityRequest{}, Output: identity.Identity{}, Handler: h.Identities.Update},
		{Method: "DELETE", Path: "/api/v1/projects/:project/identities/:id", Scopes: []scope.Scope{scope.IdentitiesWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Identities.Delete},
		{Method: "GET", Path: "/api/v1/projects/:project/identities/:id/aliases", Scopes: []scope.Scope{scope.IdentitiesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []identity.Alias{}, Handler: h.Identities.ListAliases},
		{Method: "POST", Path: "/api/v1/projects/:project/identities/:id/aliases", Scopes: []scope.Scope{scope.IdentitiesWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: addAliasRequest{}, Output: identity.Alias{}, Handler: h.Identities.AddAlias},
		{Method: "DELETE", Path: "/api/v1/projects/:project/identities/:id/aliases/:aliasId", Scopes: []scope.Scope{scope.IdentitiesWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Identities.RemoveAlias},
		{Method: "GET", Path: "/api/v1/projects/:project/identities/:id/messages",
			Scopes:  []scope.Scope{scope.IdentitiesRead, scope.MessagesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []receivedModel{}, Handler: h.Identities.Messages},

		// Webhook subscriptions.
		{Method: "POST", Path: "/api/v1/projects/:project/webhooks", Scopes: []scope.Scope{scope.WebhooksWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: createWebhookRequest{}, Output: webhook.Webhook{}, Handler: h.Webhooks.Create},
		{Method: "GET", Path: "/api/v1/projects/:project/webhooks", Scopes: []scope.Scope{scope.WebhooksRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []webhook.Webhook{}, Handler: h.Webhooks.List},
		{Method: "GET", Path: "/api/v1/projects/:project/webhooks/:id", Scopes: []scope.Scope{scope.WebhooksRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: webhook.Webhook{}, Handler: h.Webhooks.Get},
		{Method: "PATCH", Path: "/api/v1/projects/:project/webhooks/:id", Scopes: []scope.Scope{scope.WebhooksWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: updateWebhookRequest{}, Output: webhook.Webhook{}, Handler: h.Webhooks.Update},
		{Method: "DELETE", Path: "/api/v1/projects/:project/webhooks/:id", Scopes: []scope.Scope{scope.WebhooksWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Webhooks.Delete},
		{Method: "GET", Path: "/api/v1/projects/:project/webhooks/:id/deliveries", Scopes: []scope.Scope{scope.WebhooksRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []webhook.Delivery{}, Handler: h.Webhooks.ListDeliveries},

		// Members and invites.
		{Method: "GET", Path: "/api/v1/projects/:project/members", Scopes: []scope.Scope{scope.MembersRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []memberModel{}, Handler: h.Members.ListMembers},
		{Method: "POST", Path: "/api/v1/projects/:project/members", Scopes: []scope.Scope{scope.MembersWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: addMemberRequest{}, Output: memberModel{}, Handler: h.Members.AddMember},
		{Method: "PATCH", Path: "/api/v1/projects/:project/members/:userId", Scopes: []scope.Scope{scope.MembersWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: updateMemberRequest{}, Output: memberModel{}, Handler: h.Members.UpdateMember},
		{Method: "DELETE", Path: "/api/v1/projects/:project/members/:userId", Scopes: []scope.Scope{scope.MembersWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Members.RemoveMember},
		{Method: "POST", Path: "/api/v1/projects/:project/invites", Scopes: []scope.Scope{scope.MembersWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Input: createInviteRequest{}, Output: inviteModel{}, Handler: h.Members.CreateInvite},
		{Method: "GET", Path: "/api/v1/projects/:project/invites", Scopes: []scope.Scope{scope.MembersRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []inviteModel{}, Handler: h.Members.ListInvites},
		{Method: "DELETE", Path: "/api/v1/projects/:project/invites/:id", Scopes: []scope.Scope{scope.MembersWrite},
			MinRole: project.RoleAdmin, Limit: apiLimit, LimitName: limitAPI,
			Handler: h.Members.DeleteInvite},

		// Platform logs.
		{Method: "GET", Path: "/api/v1/projects/:project/logs", Scopes: []scope.Scope{scope.PlatformsRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: []platformlog.Entry{}, Handler: h.Logs.List},
		{Method: "GET", Path: "/api/v1/projects/:project/logs/stats", Scopes: []scope.Scope{scope.PlatformsRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Output: platformlog.Stats{}, Handler: h.Logs.Stats},

		// Event stream. The pre-auth shim lets browsers pass the key as a query parameter.
		{Method: "GET", Path: "/api/v1/projects/:project/stream", Scopes: []scope.Scope{scope.MessagesRead},
			MinRole: project.RoleViewer, Limit: apiLimit, LimitName: limitAPI,
			Pre: StreamKeyFromQuery, Handler: h.Stream.Upgrade},

		// Inbound provider callbacks. Unlimited: providers burst far past any sane per-IP
		// window and back off on their own when we answer 2xx.
		{Method: "POST", Path: "/api/v1/webhooks/:platform/:webhookToken", Public: true,
			Input: json.RawMessage{}, Output: ingressAck{}, Handler: h.Ingress.Receive},
	}
}

// Deps are the cross-cutting dependencies Register needs to assemble middleware chains.
type Deps struct {
	Config   *config.Config
	Keys     auth.KeyAuthenticator
	Projects project.Repository
	Roles    *project.RoleResolver
	Limiter  ratelimit.Store
	Log      zerolog.Logger
}

// Register mounts every table route on app. Each chain is assembled in fixed order: pre-auth
// shim, rate limit, authentication, scope check, project access, handler.
func Register(app *fiber.App, h *Handlers, d Deps) []Route {
	routes := Table(d.Config, h)
	authenticate := auth.Authenticate(d.Keys, d.Config)

	for _, r := range routes {
		var chain []any
		if r.Pre != nil {
			chain = append(chain, r.Pre)
		}
		if r.Limit != nil {
			chain = append(chain, ratelimit.Middleware(r.LimitName, d.Limiter, *r.Limit, d.Log))
		}
		if !r.Public {
			chain = append(chain, authenticate)
			if len(r.Scopes) > 0 {
				chain = append(chain, auth.RequireScopes(r.Scopes...))
			}
			if r.MinRole != "" {
				chain = append(chain, auth.ProjectAccess(d.Projects, d.Roles, r.MinRole))
			}
		}
		chain = append(chain, r.Handler)
		app.Add([]string{r.Method}, r.Path, chain[0], chain[1:]...)
	}
	return routes
}
