package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/invite"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/scope"
	"github.com/gatekit-io/gatekit-server/internal/user"
)

// fakeMailer records invite mail sends. Sends happen on a background goroutine, so delivery is
// observed through a buffered channel.
type fakeMailer struct {
	mu    sync.Mutex
	sends []string
	done  chan struct{}
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{done: make(chan struct{}, 8)}
}

func (m *fakeMailer) SendProjectInvite(to, _, _, token, _ string, _ time.Time) error {
	m.mu.Lock()
	m.sends = append(m.sends, to+":"+token)
	m.mu.Unlock()
	m.done <- struct{}{}
	return nil
}

func (m *fakeMailer) waitForSend(t *testing.T) string {
	t.Helper()
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		t.Fatal("invite mail was never sent")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sends[len(m.sends)-1]
}

func seedUser(t *testing.T, repo *fakeUserRepo, email string) *user.User {
	t.Helper()
	u, err := repo.Create(t.Context(), user.CreateParams{Email: email, PasswordHash: "x"})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func testMemberApp(t *testing.T, projects *fakeProjectRepo, users *fakeUserRepo, invites *fakeInviteRepo, mailer inviteMailer, p *auth.Principal, proj *project.Project) *fiber.App {
	t.Helper()
	roles := project.NewRoleResolver(projects, nil, zerolog.Nop())
	handler := NewMemberHandler(projects, users, invites, roles, mailer, "https://app.example.com", zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(p, proj))

	app.Get("/projects/:project/members", handler.ListMembers)
	app.Post("/projects/:project/members", handler.AddMember)
	app.Patch("/projects/:project/members/:userId", handler.UpdateMember)
	app.Delete("/projects/:project/members/:userId", handler.RemoveMember)
	app.Post("/projects/:project/invites", handler.CreateInvite)
	app.Get("/projects/:project/invites", handler.ListInvites)
	app.Delete("/projects/:project/invites/:id", handler.DeleteInvite)
	return app
}

type memberResponse struct {
	ID        *uuid.UUID   `json:"id"`
	UserID    uuid.UUID    `json:"userId"`
	Email     string       `json:"email"`
	Role      project.Role `json:"role"`
	CreatedAt time.Time    `json:"createdAt"`
}

func TestListMembers_OwnerFirst(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	admin := seedUser(t, users, "admin@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	if _, err := projects.AddMember(t.Context(), proj.ID, admin.ID, project.RoleAdmin); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/projects/acme/members", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got []memberResponse
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal members: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("members = %d, want owner plus one member", len(got))
	}
	// Ownership lives on the project row, so the owner entry is synthesised without a member id.
	if got[0].ID != nil || got[0].UserID != owner.ID || got[0].Role != project.RoleOwner {
		t.Errorf("first entry = %+v, want the synthesised owner", got[0])
	}
	if got[0].Email != "owner@example.com" {
		t.Errorf("owner email = %q, want resolved from the user record", got[0].Email)
	}
	if got[1].ID == nil || got[1].UserID != admin.ID || got[1].Role != project.RoleAdmin {
		t.Errorf("second entry = %+v, want the admin membership", got[1])
	}
}

func TestAddMember(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	grace := seedUser(t, users, "grace@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/projects/acme/members",
		`{"email":"Grace@Example.com","role":"member"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got memberResponse
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}
	if got.ID == nil || got.UserID != grace.ID || got.Role != project.RoleMember {
		t.Errorf("member = %+v, want grace as member", got)
	}
	if got.Email != "grace@example.com" {
		t.Errorf("email = %q, want the resolved user's address", got.Email)
	}
	if len(projects.members) != 1 {
		t.Errorf("stored members = %d, want 1", len(projects.members))
	}
}

func TestAddMember_ByUserID(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	grace := seedUser(t, users, "grace@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/projects/acme/members",
		`{"userId":"`+grace.ID.String()+`","role":"viewer"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got memberResponse
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}
	if got.UserID != grace.ID || got.Role != project.RoleViewer {
		t.Errorf("member = %+v, want grace as viewer", got)
	}
}

func TestAddMember_Errors(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	grace := seedUser(t, users, "grace@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	if _, err := projects.AddMember(t.Context(), proj.ID, grace.ID, project.RoleMember); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   httputil.Code
	}{
		{
			name:       "owner role not assignable",
			body:       `{"email":"grace@example.com","role":"owner"}`,
			wantStatus: fiber.StatusBadRequest,
			wantCode:   httputil.CodeValidation,
		},
		{
			name:       "unknown role",
			body:       `{"email":"grace@example.com","role":"boss"}`,
			wantStatus: fiber.StatusBadRequest,
			wantCode:   httputil.CodeValidation,
		},
		{
			name:       "no target",
			body:       `{"role":"member"}`,
			wantStatus: fiber.StatusBadRequest,
			wantCode:   httputil.CodeValidation,
		},
		{
			name:       "unknown user",
			body:       `{"email":"nobody@example.com","role":"member"}`,
			wantStatus: fiber.StatusNotFound,
			wantCode:   httputil.CodeNotFound,
		},
		{
			name:       "malformed user id",
			body:       `{"userId":"not-a-uuid","role":"member"}`,
			wantStatus: fiber.StatusNotFound,
			wantCode:   httputil.CodeNotFound,
		},
		{
			name:       "owner as target",
			body:       `{"email":"owner@example.com","role":"admin"}`,
			wantStatus: fiber.StatusConflict,
			wantCode:   httputil.CodeConflict,
		},
		{
			name:       "already a member",
			body:       `{"email":"grace@example.com","role":"admin"}`,
			wantStatus: fiber.StatusConflict,
			wantCode:   httputil.CodeConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodPost, "/projects/acme/members", tt.body))
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, body)
			}
			env := parseError(t, body)
			if env.Error.Code != string(tt.wantCode) {
				t.Errorf("error code = %q, want %q", env.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestUpdateMember(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	grace := seedUser(t, users, "grace@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	if _, err := projects.AddMember(t.Context(), proj.ID, grace.ID, project.RoleMember); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	resp := doReq(t, app, jsonReq(http.MethodPatch, "/projects/acme/members/"+grace.ID.String(),
		`{"role":"admin"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got memberResponse
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}
	if got.Role != project.RoleAdmin || got.Email != "grace@example.com" {
		t.Errorf("member = %+v, want grace promoted to admin", got)
	}
}

func TestUpdateMember_Errors(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	tests := []struct {
		name       string
		userID     string
		body       string
		wantStatus int
	}{
		{"owner demotion", owner.ID.String(), `{"role":"viewer"}`, fiber.StatusConflict},
		{"not a member", uuid.NewString(), `{"role":"admin"}`, fiber.StatusNotFound},
		{"bad role", uuid.NewString(), `{"role":"owner"}`, fiber.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodPatch, "/projects/acme/members/"+tt.userID, tt.body))
			body := readBody(t, resp)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, tt.wantStatus, body)
			}
		})
	}
}

func TestRemoveMember(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	owner := seedUser(t, users, "owner@example.com")
	grace := seedUser(t, users, "grace@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	if _, err := projects.AddMember(t.Context(), proj.ID, grace.ID, project.RoleMember); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	app := testMemberApp(t, projects, users, newFakeInviteRepo(), nil, jwtPrincipal(owner.ID), proj)

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/projects/acme/members/"+grace.ID.String(), ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if len(projects.members) != 0 {
		t.Errorf("members = %d, want none left", len(projects.members))
	}

	again := doReq(t, app, jsonReq(http.MethodDelete, "/projects/acme/members/"+grace.ID.String(), ""))
	if again.StatusCode != fiber.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", again.StatusCode, fiber.StatusNotFound)
	}

	ownerResp := doReq(t, app, jsonReq(http.MethodDelete, "/projects/acme/members/"+owner.ID.String(), ""))
	if ownerResp.StatusCode != fiber.StatusConflict {
		t.Errorf("owner delete status = %d, want %d", ownerResp.StatusCode, fiber.StatusConflict)
	}
}

func TestCreateInvite(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	users := newFakeUserRepo()
	invites := newFakeInviteRepo()
	mailer := newFakeMailer()
	owner := seedUser(t, users, "owner@example.com")
	proj := seedProject(projects, "acme", owner.ID)
	app := testMemberApp(t, projects, users, invites, mailer, jwtPrincipal(owner.ID), proj)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/projects/acme/invites",
		`{"email":"New.Hire@Example.COM","role":"member"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	var got inviteModel
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal invite: %v", err)
	}
	if got.Email != "new.hire@example.com" || got.Role != project.RoleMember {
		t.Errorf("invite = %+v, want normalised email and member role", got)
	}
	if got.Status != invite.StatusPending || got.Token == "" {
		t.Errorf("invite = %+v, want pending with its token returned", got)
	}
	if !got.ExpiresAt.After(time.Now()) {
		t.Errorf("expiresAt = %v, want in the future", got.ExpiresAt)
	}

	// The JWT caller is recorded as the inviter.
	if len(invites.invites) != 1 {
		t.Fatalf("stored invites = %d, want 1", len(invites.invites))
	}
	if inv := invites.invites[0]; inv.InvitedBy == nil || *inv.InvitedBy != owner.ID {
		t.Errorf("invitedBy = %v, want %s", inv.InvitedBy, owner.ID)
	}

	if sent := mailer.waitForSend(t); sent != "new.hire@example.com:"+got.Token {
		t.Errorf("mail = %q, want the invite token mailed to the invitee", sent)
	}
}

func TestCreateInvite_APIKeyLeavesInviterEmpty(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	invites := newFakeInviteRepo()
	proj := seedProject(projects, "acme", uuid.New())
	app := testMemberApp(t, projects, newFakeUserRepo(), invites, nil, apiKeyPrincipal(proj, scope.MembersWrite), proj)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/projects/acme/invites",
		`{"email":"hire@example.com","role":"viewer"}`))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusCreated, body)
	}
	if inv := invites.invites[0]; inv.InvitedBy != nil {
		t.Errorf("invitedBy = %v, want nil for key-authenticated calls", inv.InvitedBy)
	}
}

func TestCreateInvite_Validation(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	proj := seedProject(projects, "acme", uuid.New())
	app := testMemberApp(t, projects, newFakeUserRepo(), newFakeInviteRepo(), nil,
		apiKeyPrincipal(proj, scope.MembersWrite), proj)

	tests := []struct {
		name string
		body string
	}{
		{"bad email", `{"email":"not-an-email","role":"member"}`},
		{"bad role", `{"email":"hire@example.com","role":"owner"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodPost, "/projects/acme/invites", tt.body))
			body := readBody(t, resp)

			if resp.StatusCode != fiber.StatusBadRequest {
				t.Errorf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusBadRequest, body)
			}
			env := parseError(t, body)
			if env.Error.Code != string(httputil.CodeValidation) {
				t.Errorf("error code = %q, want %q", env.Error.Code, httputil.CodeValidation)
			}
		})
	}
}

func TestListInvites_PendingOnly(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	invites := newFakeInviteRepo()
	proj := seedProject(projects, "acme", uuid.New())

	pending, err := invites.Create(t.Context(), invite.CreateParams{
		ProjectID: proj.ID, Email: "pending@example.com", Role: project.RoleMember,
	})
	if err != nil {
		t.Fatalf("seed invite: %v", err)
	}
	if _, err := invites.Create(t.Context(), invite.CreateParams{
		ProjectID: proj.ID, Email: "expired@example.com", Role: project.RoleMember,
	}); err != nil {
		t.Fatalf("seed invite: %v", err)
	}
	used, err := invites.Create(t.Context(), invite.CreateParams{
		ProjectID: proj.ID, Email: "used@example.com", Role: project.RoleMember,
	})
	if err != nil {
		t.Fatalf("seed invite: %v", err)
	}
	if _, err := invites.Accept(t.Context(), used.Token, uuid.New()); err != nil {
		t.Fatalf("use invite: %v", err)
	}
	invites.invites[1].ExpiresAt = time.Now().Add(-time.Hour)

	app := testMemberApp(t, projects, newFakeUserRepo(), invites, nil,
		apiKeyPrincipal(proj, scope.MembersRead), proj)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/projects/acme/invites", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got []inviteModel
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal invites: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending.ID {
		t.Errorf("list = %+v, want only the pending invite", got)
	}

	// Tokens are shown once at creation, never in listings.
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(parseSuccess(t, body).Data, &raw); err != nil {
		t.Fatalf("unmarshal raw invites: %v", err)
	}
	if _, leaked := raw[0]["token"]; leaked {
		t.Error("listing leaked the invite token")
	}
}

func TestDeleteInvite(t *testing.T) {
	t.Parallel()
	projects := newFakeProjectRepo()
	invites := newFakeInviteRepo()
	proj := seedProject(projects, "acme", uuid.New())
	inv, err := invites.Create(t.Context(), invite.CreateParams{
		ProjectID: proj.ID, Email: "hire@example.com", Role: project.RoleMember,
	})
	if err != nil {
		t.Fatalf("seed invite: %v", err)
	}
	app := testMemberApp(t, projects, newFakeUserRepo(), invites, nil,
		apiKeyPrincipal(proj, scope.MembersWrite), proj)

	resp := doReq(t, app, jsonReq(http.MethodDelete, "/projects/acme/invites/"+inv.ID.String(), ""))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, fiber.StatusNoContent)
	}
	if len(invites.invites) != 0 {
		t.Errorf("invites = %d, want none left", len(invites.invites))
	}

	again := doReq(t, app, jsonReq(http.MethodDelete, "/projects/acme/invites/"+inv.ID.String(), ""))
	if again.StatusCode != fiber.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", again.StatusCode, fiber.StatusNotFound)
	}
}
