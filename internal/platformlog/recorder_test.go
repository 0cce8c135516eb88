package platformlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeRepo struct {
	Repository

	entries   []CreateParams
	createErr error
}

func (f *fakeRepo) Create(_ context.Context, params CreateParams) (*Entry, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.entries = append(f.entries, params)
	return &Entry{ID: uuid.New(), ProjectID: params.ProjectID}, nil
}

func TestRecorderCategories(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	rec := NewRecorder(repo, zerolog.Nop())
	origin := Origin{ProjectID: uuid.New(), Platform: "telegram"}
	ctx := context.Background()

	rec.LogConnection(ctx, origin, "connected", nil)
	rec.LogWebhook(ctx, origin, "update received", nil)
	rec.LogMessage(ctx, origin, "message sent", nil)
	rec.LogAuth(ctx, origin, "token refreshed", nil)
	rec.ErrorConnection(ctx, origin, "gateway closed", errors.New("close 4004"))
	rec.Error(ctx, origin, "unclassified", errors.New("boom"))

	want := []struct {
		level    string
		category string
	}{
		{LevelInfo, CategoryConnection},
		{LevelInfo, CategoryWebhook},
		{LevelInfo, CategoryMessage},
		{LevelInfo, CategoryAuth},
		{LevelError, CategoryConnection},
		{LevelError, CategoryError},
	}
	if len(repo.entries) != len(want) {
		t.Fatalf("persisted %d entries, want %d", len(repo.entries), len(want))
	}
	for i, w := range want {
		if repo.entries[i].Level != w.level || repo.entries[i].Category != w.category {
			t.Errorf("entry %d = (%s, %s), want (%s, %s)",
				i, repo.entries[i].Level, repo.entries[i].Category, w.level, w.category)
		}
	}

	if repo.entries[4].Error == nil || *repo.entries[4].Error != "close 4004" {
		t.Errorf("error entry cause = %v, want close 4004", repo.entries[4].Error)
	}
}

func TestRecorderMetadata(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	rec := NewRecorder(repo, zerolog.Nop())
	configID := uuid.New()
	origin := Origin{ProjectID: uuid.New(), PlatformConfigID: &configID, Platform: "discord"}

	rec.LogConnection(context.Background(), origin, "connected", map[string]any{"guilds": 3})

	if len(repo.entries) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(repo.entries))
	}
	entry := repo.entries[0]
	if entry.PlatformConfigID == nil || *entry.PlatformConfigID != configID {
		t.Errorf("platform config id = %v, want %v", entry.PlatformConfigID, configID)
	}

	var meta map[string]any
	if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
		t.Fatalf("metadata is not valid JSON: %v", err)
	}
	if meta["guilds"] != float64(3) {
		t.Errorf("metadata guilds = %v, want 3", meta["guilds"])
	}
}

func TestRecorderPersistFailureIgnored(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{createErr: errors.New("connection reset")}
	rec := NewRecorder(repo, zerolog.Nop())

	// Must not panic or propagate; the process log is the fallback.
	rec.LogConnection(context.Background(), Origin{ProjectID: uuid.New(), Platform: "telegram"}, "connected", nil)
}

func TestRecorderNilRepo(t *testing.T) {
	t.Parallel()

	rec := NewRecorder(nil, zerolog.Nop())
	rec.LogMessage(context.Background(), Origin{ProjectID: uuid.New(), Platform: "discord"}, "sent", nil)
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "zero uses default", limit: 0, want: DefaultLimit},
		{name: "in range", limit: 800, want: 800},
		{name: "above maximum", limit: 2000, want: MaxLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ClampLimit(tt.limit); got != tt.want {
				t.Errorf("ClampLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}

func TestValidLevelAndCategory(t *testing.T) {
	t.Parallel()

	for _, level := range []string{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if !ValidLevel(level) {
			t.Errorf("ValidLevel(%q) = false, want true", level)
		}
	}
	if ValidLevel("fatal") || ValidLevel("") {
		t.Error("ValidLevel accepts unknown levels")
	}

	for _, cat := range []string{CategoryConnection, CategoryWebhook, CategoryMessage, CategoryError, CategoryAuth, CategoryGeneral} {
		if !ValidCategory(cat) {
			t.Errorf("ValidCategory(%q) = false, want true", cat)
		}
	}
	if ValidCategory("metrics") || ValidCategory("") {
		t.Error("ValidCategory accepts unknown categories")
	}
}
