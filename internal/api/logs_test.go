package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/scope"
)

// fakeLogRepo implements platformlog.Repository for handler tests.
type fakeLogRepo struct {
	entries []platformlog.Entry
}

func newFakeLogRepo() *fakeLogRepo {
	return &fakeLogRepo{}
}

func (r *fakeLogRepo) Create(_ context.Context, params platformlog.CreateParams) (*platformlog.Entry, error) {
	e := platformlog.Entry{
		ID:               uuid.New(),
		ProjectID:        params.ProjectID,
		PlatformConfigID: params.PlatformConfigID,
		Platform:         params.Platform,
		Level:            params.Level,
		Category:         params.Category,
		Message:          params.Message,
		Metadata:         params.Metadata,
		Error:            params.Error,
		Timestamp:        time.Now(),
	}
	r.entries = append(r.entries, e)
	cpy := e
	return &cpy, nil
}

func (r *fakeLogRepo) List(_ context.Context, projectID uuid.UUID, filter platformlog.Filter) ([]platformlog.Entry, error) {
	var out []platformlog.Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.ProjectID != projectID {
			continue
		}
		if filter.Platform != nil && e.Platform != *filter.Platform {
			continue
		}
		if filter.PlatformConfigID != nil && (e.PlatformConfigID == nil || *e.PlatformConfigID != *filter.PlatformConfigID) {
			continue
		}
		if filter.Level != nil && e.Level != *filter.Level {
			continue
		}
		if filter.Category != nil && e.Category != *filter.Category {
			continue
		}
		if filter.StartDate != nil && e.Timestamp.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && e.Timestamp.After(*filter.EndDate) {
			continue
		}
		out = append(out, e)
	}
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if l := platformlog.ClampLimit(filter.Limit); l < len(out) {
		out = out[:l]
	}
	return out, nil
}

func (r *fakeLogRepo) Stats(_ context.Context, projectID uuid.UUID, recentErrors int) (*platformlog.Stats, error) {
	var stats platformlog.Stats
	counts := make(map[[2]string]int64)
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if e.ProjectID != projectID {
			continue
		}
		counts[[2]string{e.Level, e.Category}]++
		if e.Level == platformlog.LevelError && len(stats.RecentErrors) < recentErrors {
			stats.RecentErrors = append(stats.RecentErrors, e)
		}
	}
	for key, n := range counts {
		stats.Counts = append(stats.Counts, platformlog.LevelCategoryCount{Level: key[0], Category: key[1], Count: n})
	}
	sort.Slice(stats.Counts, func(i, j int) bool {
		if stats.Counts[i].Level != stats.Counts[j].Level {
			return stats.Counts[i].Level < stats.Counts[j].Level
		}
		return stats.Counts[i].Category < stats.Counts[j].Category
	})
	return &stats, nil
}

func seedLog(t *testing.T, repo *fakeLogRepo, projectID uuid.UUID, platform, level, category, msg string) *platformlog.Entry {
	t.Helper()
	e, err := repo.Create(t.Context(), platformlog.CreateParams{
		ProjectID: projectID,
		Platform:  platform,
		Level:     level,
		Category:  category,
		Message:   msg,
	})
	if err != nil {
		t.Fatalf("seed log: %v", err)
	}
	return e
}

func testLogApp(t *testing.T, repo *fakeLogRepo, p *auth.Principal, proj *project.Project) *fiber.App {
	t.Helper()
	handler := NewLogHandler(repo, zerolog.Nop())

	app := fiber.New()
	app.Use(fakeAuth(p, proj))

	app.Get("/projects/:project/logs", handler.List)
	app.Get("/projects/:project/logs/stats", handler.Stats)
	return app
}

func TestListLogs(t *testing.T) {
	t.Parallel()
	repo := newFakeLogRepo()
	proj := seedProject(newFakeProjectRepo(), "acme", uuid.New())
	connected := seedLog(t, repo, proj.ID, "telegram", platformlog.LevelInfo, platformlog.CategoryConnection, "connected")
	failed := seedLog(t, repo, proj.ID, "discord", platformlog.LevelError, platformlog.CategoryMessage, "send failed")
	seedLog(t, repo, uuid.New(), "telegram", platformlog.LevelInfo, platformlog.CategoryConnection, "other project")
	app := testLogApp(t, repo, apiKeyPrincipal(proj, scope.PlatformsRead), proj)

	list := func(t *testing.T, query string) []platformlog.Entry {
		t.Helper()
		resp := doReq(t, app, jsonReq(http.MethodGet, "/projects/acme/logs"+query, ""))
		body := readBody(t, resp)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
		}
		var got []platformlog.Entry
		if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
			t.Fatalf("unmarshal entries: %v", err)
		}
		return got
	}

	t.Run("all newest first", func(t *testing.T) {
		t.Parallel()
		got := list(t, "")
		if len(got) != 2 || got[0].ID != failed.ID || got[1].ID != connected.ID {
			t.Errorf("list = %+v, want the project's entries newest first", got)
		}
	})

	t.Run("level filter", func(t *testing.T) {
		t.Parallel()
		got := list(t, "?level=error")
		if len(got) != 1 || got[0].ID != failed.ID {
			t.Errorf("list = %+v, want only the error entry", got)
		}
	})

	t.Run("category filter", func(t *testing.T) {
		t.Parallel()
		got := list(t, "?category=connection")
		if len(got) != 1 || got[0].ID != connected.ID {
			t.Errorf("list = %+v, want only the connection entry", got)
		}
	})

	t.Run("platform filter", func(t *testing.T) {
		t.Parallel()
		got := list(t, "?platform=discord")
		if len(got) != 1 || got[0].Platform != "discord" {
			t.Errorf("list = %+v, want only discord entries", got)
		}
	})
}

func TestListLogs_Validation(t *testing.T) {
	t.Parallel()
	proj := seedProject(newFakeProjectRepo(), "acme", uuid.New())
	app := testLogApp(t, newFakeLogRepo(), apiKeyPrincipal(proj, scope.PlatformsRead), proj)

	tests := []struct {
		name  string
		query string
	}{
		{"unknown level", "?level=fatal"},
		{"unknown category", "?category=billing"},
		{"bad config id", "?platformConfigId=nope"},
		{"bad start date", "?startDate=yesterday"},
		{"negative offset", "?offset=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodGet, "/projects/acme/logs"+tt.query, ""))
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

func TestLogStats(t *testing.T) {
	t.Parallel()
	repo := newFakeLogRepo()
	proj := seedProject(newFakeProjectRepo(), "acme", uuid.New())
	seedLog(t, repo, proj.ID, "telegram", platformlog.LevelInfo, platformlog.CategoryConnection, "connected")
	seedLog(t, repo, proj.ID, "telegram", platformlog.LevelInfo, platformlog.CategoryConnection, "reconnected")
	older := seedLog(t, repo, proj.ID, "discord", platformlog.LevelError, platformlog.CategoryMessage, "send failed")
	newest := seedLog(t, repo, proj.ID, "discord", platformlog.LevelError, platformlog.CategoryMessage, "send failed again")
	app := testLogApp(t, repo, apiKeyPrincipal(proj, scope.PlatformsRead), proj)

	resp := doReq(t, app, jsonReq(http.MethodGet, "/projects/acme/logs/stats", ""))
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, fiber.StatusOK, body)
	}
	var got platformlog.Stats
	if err := json.Unmarshal(parseSuccess(t, body).Data, &got); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if len(got.Counts) != 2 {
		t.Fatalf("counts = %+v, want two level/category cells", got.Counts)
	}
	if got.Counts[0].Level != platformlog.LevelError || got.Counts[0].Count != 2 {
		t.Errorf("counts[0] = %+v, want 2 errors", got.Counts[0])
	}
	if got.Counts[1].Level != platformlog.LevelInfo || got.Counts[1].Count != 2 {
		t.Errorf("counts[1] = %+v, want 2 infos", got.Counts[1])
	}
	if len(got.RecentErrors) != 2 || got.RecentErrors[0].ID != newest.ID || got.RecentErrors[1].ID != older.ID {
		t.Errorf("recentErrors = %+v, want both errors newest first", got.RecentErrors)
	}
}
