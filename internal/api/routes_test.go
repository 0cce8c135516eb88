package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/ratelimit"
	"github.com/gatekit-io/gatekit-server/internal/scope"
	"github.com/gatekit-io/gatekit-server/internal/stream"
)

func testRoutesConfig() *config.Config {
	cfg := testAuthConfig()
	cfg.RateLimitDefaultLimit = 100
	cfg.RateLimitDefaultWindow = time.Minute
	cfg.RateLimitAuthLimit = 50
	cfg.RateLimitAuthWindow = time.Minute
	return cfg
}

// --- table sanity ---

func TestRouteTable(t *testing.T) {
	t.Parallel()
	routes := Table(testRoutesConfig(), &Handlers{})

	seen := make(map[string]bool, len(routes))
	var unlimited []string
	for _, r := range routes {
		key := r.Method + " " + r.Path
		if r.Method == "" || r.Path == "" {
			t.Errorf("route %q has an empty method or path", key)
		}
		if r.Handler == nil {
			t.Errorf("route %q has no handler", key)
		}
		if seen[key] {
			t.Errorf("route %q appears twice", key)
		}
		seen[key] = true

		if r.Public && (len(r.Scopes) > 0 || r.MinRole != "") {
			t.Errorf("route %q is public but declares scopes or a role floor", key)
		}

		projectScoped := strings.Contains(r.Path, ":project")
		if r.MinRole != "" && !projectScoped {
			t.Errorf("route %q has a role floor but no :project parameter", key)
		}
		if projectScoped && !r.Public && r.MinRole == "" {
			t.Errorf("route %q is project-scoped but has no role floor", key)
		}

		if r.Limit == nil {
			unlimited = append(unlimited, key)
			if !r.Public {
				t.Errorf("route %q skips the rate limiter but is not public", key)
			}
		} else if r.LimitName == "" {
			t.Errorf("route %q has a rate limit but no limiter name", key)
		}
	}

	// Only the liveness probe and inbound provider callbacks may bypass limiting.
	sort.Strings(unlimited)
	want := []string{
		"GET /health",
		"POST /api/v1/webhooks/:platform/:webhookToken",
	}
	if len(unlimited) != len(want) {
		t.Fatalf("unlimited routes = %v, want %v", unlimited, want)
	}
	for i := range want {
		if unlimited[i] != want[i] {
			t.Errorf("unlimited routes = %v, want %v", unlimited, want)
			break
		}
	}
}

func TestRouteTableRoleFloors(t *testing.T) {
	t.Parallel()
	routes := Table(testRoutesConfig(), &Handlers{})

	find := func(method, path string) *Route {
		for i := range routes {
			if routes[i].Method == method && routes[i].Path == path {
				return &routes[i]
			}
		}
		t.Fatalf("route %s %s not in table", method, path)
		return nil
	}

	tests := []struct {
		method string
		path   string
		want   project.Role
	}{
		{"GET", "/api/v1/projects/:project", project.RoleViewer},
		{"PATCH", "/api/v1/projects/:project", project.RoleAdmin},
		{"DELETE", "/api/v1/projects/:project", project.RoleOwner},
		{"POST", "/api/v1/projects/:project/messages/send", project.RoleMember},
		{"DELETE", "/api/v1/projects/:project/messages", project.RoleAdmin},
		{"POST", "/api/v1/projects/:project/keys", project.RoleAdmin},
		{"GET", "/api/v1/projects/:project/stream", project.RoleViewer},
	}
	for _, tt := range tests {
		if got := find(tt.method, tt.path).MinRole; got != tt.want {
			t.Errorf("%s %s role floor = %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

// --- middleware chain integration ---

// registerFixture is a Register-mounted app with the real authentication, scope, role, and
// rate-limit chains in front of a handful of live handlers.
type registerFixture struct {
	app      *fiber.App
	cfg      *config.Config
	users    *fakeUserRepo
	projects *fakeProjectRepo
	keys     *apikey.Service
}

func newRegisterFixture(t *testing.T, cfg *config.Config) *registerFixture {
	t.Helper()
	users := newFakeUserRepo()
	projects := newFakeProjectRepo()
	invites := newFakeInviteRepo()
	keySvc := apikey.NewService(newFakeKeyRepo(), zerolog.Nop())
	roles := project.NewRoleResolver(projects, nil, zerolog.Nop())
	authSvc := auth.NewService(users, projects, invites, nil, cfg, zerolog.Nop())
	hub := stream.New(bus.New(), zerolog.Nop())

	// Routes not probed here keep nil handlers; the chains reject before dispatch.
	h := &Handlers{
		Auth:     NewAuthHandler(authSvc, projects, users, zerolog.Nop()),
		Projects: NewProjectHandler(projects, roles, zerolog.Nop()),
		Stream:   NewStreamHandler(hub),
	}

	app := fiber.New()
	Register(app, h, Deps{
		Config:   cfg,
		Keys:     keySvc,
		Projects: projects,
		Roles:    roles,
		Limiter:  ratelimit.NewMemoryStore(),
		Log:      zerolog.Nop(),
	})
	return &registerFixture{app: app, cfg: cfg, users: users, projects: projects, keys: keySvc}
}

func (f *registerFixture) jwtFor(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := auth.NewAccessToken(userID, "caller@example.com", allScopeStrings(),
		f.cfg.JWTSecret, f.cfg.JWTAccessTTL, f.cfg.JWTIssuer)
	if err != nil {
		t.Fatalf("mint access token: %v", err)
	}
	return token
}

func (f *registerFixture) keyFor(t *testing.T, proj *project.Project, scopes ...scope.Scope) string {
	t.Helper()
	created, err := f.keys.CreateKey(t.Context(), proj, apikey.CreateInput{
		Name:   "Chain Test Key",
		Scopes: scopeStrings(scopes...),
	})
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	return created.Token
}

func TestRegister_Authentication(t *testing.T) {
	t.Parallel()
	f := newRegisterFixture(t, testRoutesConfig())

	t.Run("missing credentials", func(t *testing.T) {
		t.Parallel()
		resp := doReq(t, f.app, httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil))
		body := readBody(t, resp)

		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusUnauthorized, body)
		}
		env := parseError(t, body)
		if env.Error.Code != string(httputil.CodeUnauthorized) {
			t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeUnauthorized)
		}
	})

	t.Run("garbage bearer token", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		resp := doReq(t, f.app, req)

		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
		}
	})

	t.Run("valid jwt reaches the handler", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+f.jwtFor(t, uuid.New()))
		resp := doReq(t, f.app, req)
		body := readBody(t, resp)

		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
		}
		env := parseSuccess(t, body)
		var got struct {
			AuthType string `json:"authType"`
		}
		if err := json.Unmarshal(env.Data, &got); err != nil {
			t.Fatalf("unmarshal whoami: %v", err)
		}
		if got.AuthType != auth.KindJWT {
			t.Errorf("authType = %q, want %q", got.AuthType, auth.KindJWT)
		}
	})
}

func TestRegister_APIKeyChain(t *testing.T) {
	t.Parallel()
	f := newRegisterFixture(t, testRoutesConfig())
	proj := seedProject(f.projects, "acme", uuid.New())
	other := seedProject(f.projects, "rival", uuid.New())

	t.Run("scoped key passes", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme", nil)
		req.Header.Set(auth.HeaderAPIKey, f.keyFor(t, proj, scope.ProjectsRead))
		resp := doReq(t, f.app, req)
		body := readBody(t, resp)

		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
		}
	})

	t.Run("missing scope", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme", nil)
		req.Header.Set(auth.HeaderAPIKey, f.keyFor(t, proj, scope.MessagesSend))
		resp := doReq(t, f.app, req)
		body := readBody(t, resp)

		if resp.StatusCode != fiber.StatusForbidden {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusForbidden, body)
		}
		env := parseError(t, body)
		if env.Error.Code != string(httputil.CodeInsufficientScope) {
			t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeInsufficientScope)
		}
	})

	t.Run("key cannot cross projects", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/"+other.Slug, nil)
		req.Header.Set(auth.HeaderAPIKey, f.keyFor(t, proj, scope.ProjectsRead))
		resp := doReq(t, f.app, req)
		body := readBody(t, resp)

		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusNotFound, body)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme", nil)
		req.Header.Set(auth.HeaderAPIKey, "gk_dev_neverissuedneverstored")
		resp := doReq(t, f.app, req)

		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUnauthorized)
		}
	})
}

func TestRegister_RoleFloors(t *testing.T) {
	t.Parallel()
	f := newRegisterFixture(t, testRoutesConfig())
	owner := uuid.New()
	viewer := uuid.New()
	outsider := uuid.New()
	proj := seedProject(f.projects, "acme", owner)
	if _, err := f.projects.AddMember(t.Context(), proj.ID, viewer, project.RoleViewer); err != nil {
		t.Fatalf("seed viewer: %v", err)
	}

	t.Run("owner may update", func(t *testing.T) {
		t.Parallel()
		req := jsonReq(http.MethodPatch, "/api/v1/projects/acme", `{"name":"Renamed"}`)
		req.Header.Set("Authorization", "Bearer "+f.jwtFor(t, owner))
		resp := doReq(t, f.app, req)
		body := readBody(t, resp)

		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
		}
	})

	t.Run("viewer may read", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme", nil)
		req.Header.Set("Authorization", "Bearer "+f.jwtFor(t, viewer))
		resp := doReq(t, f.app, req)

		if resp.StatusCode != fiber.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
		}
	})

	t.Run("viewer below admin floor", func(t *testing.T) {
		t.Parallel()
		req := jsonReq(http.MethodPatch, "/api/v1/projects/acme", `{"name":"Hijacked"}`)
		req.Header.Set("Authorization", "Bearer "+f.jwtFor(t, viewer))
		resp := doReq(t, f.app, req)
		body := readBody(t, resp)

		// Insufficient role reads as not-found so probing cannot map memberships.
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusNotFound, body)
		}
		env := parseError(t, body)
		if env.Error.Code != string(httputil.CodeNotFound) {
			t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeNotFound)
		}
	})

	t.Run("non-member", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme", nil)
		req.Header.Set("Authorization", "Bearer "+f.jwtFor(t, outsider))
		resp := doReq(t, f.app, req)

		if resp.StatusCode != fiber.StatusNotFound {
			t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusNotFound)
		}
	})
}

func TestRegister_AuthRateLimit(t *testing.T) {
	t.Parallel()
	cfg := testRoutesConfig()
	cfg.RateLimitAuthLimit = 2
	f := newRegisterFixture(t, cfg)

	login := func() *http.Response {
		return doReq(t, f.app, jsonReq(http.MethodPost, "/api/v1/auth/login",
			`{"email":"nobody@example.com","password":"wrong-password"}`))
	}

	for i := 0; i < 2; i++ {
		resp := login()
		readBody(t, resp)
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Fatalf("request %d status = %d, want %d", i+1, resp.StatusCode, fiber.StatusUnauthorized)
		}
	}

	resp := login()
	body := readBody(t, resp)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusTooManyRequests, body)
	}
	env := parseError(t, body)
	if env.Error.Code != string(httputil.CodeRateLimited) {
		t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeRateLimited)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing on limited response")
	}
	if got := resp.Header.Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want %q", got, "0")
	}
}

func TestRegister_StreamKeyQueryRelay(t *testing.T) {
	t.Parallel()
	f := newRegisterFixture(t, testRoutesConfig())
	proj := seedProject(f.projects, "acme", uuid.New())
	token := f.keyFor(t, proj, scope.MessagesRead)

	// The key rides the query string, as a browser WebSocket dial must. Passing authentication
	// proves the pre-auth shim ran first; the plain GET then stops at the upgrade check.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/acme/stream?api_key="+token, nil)
	resp := doReq(t, f.app, req)

	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusUpgradeRequired)
	}
}
