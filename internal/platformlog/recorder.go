package platformlog

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Origin identifies which connection a log entry comes from. Adapters hold one per connection.
type Origin struct {
	ProjectID        uuid.UUID
	PlatformConfigID *uuid.UUID
	Platform         string
}

// Recorder is the write side of the platform log. It persists entries and mirrors them to the
// process logger, keeping the category authoritative in one place. Persistence is best-effort:
// a failed insert never fails the caller.
type Recorder struct {
	repo Repository
	log  zerolog.Logger
}

// NewRecorder creates a platform log recorder.
func NewRecorder(repo Repository, logger zerolog.Logger) *Recorder {
	return &Recorder{repo: repo, log: logger}
}

// LogConnection records connection lifecycle activity.
func (r *Recorder) LogConnection(ctx context.Context, origin Origin, msg string, metadata map[string]any) {
	r.record(ctx, origin, LevelInfo, CategoryConnection, msg, metadata, nil)
}

// LogWebhook records inbound webhook activity.
func (r *Recorder) LogWebhook(ctx context.Context, origin Origin, msg string, metadata map[string]any) {
	r.record(ctx, origin, LevelInfo, CategoryWebhook, msg, metadata, nil)
}

// LogMessage records message traffic activity.
func (r *Recorder) LogMessage(ctx context.Context, origin Origin, msg string, metadata map[string]any) {
	r.record(ctx, origin, LevelInfo, CategoryMessage, msg, metadata, nil)
}

// LogAuth records credential and token activity.
func (r *Recorder) LogAuth(ctx context.Context, origin Origin, msg string, metadata map[string]any) {
	r.record(ctx, origin, LevelInfo, CategoryAuth, msg, metadata, nil)
}

// ErrorConnection records a connection failure.
func (r *Recorder) ErrorConnection(ctx context.Context, origin Origin, msg string, err error) {
	r.record(ctx, origin, LevelError, CategoryConnection, msg, nil, err)
}

// ErrorWebhook records an inbound webhook failure.
func (r *Recorder) ErrorWebhook(ctx context.Context, origin Origin, msg string, err error) {
	r.record(ctx, origin, LevelError, CategoryWebhook, msg, nil, err)
}

// ErrorMessage records a message delivery or ingest failure.
func (r *Recorder) ErrorMessage(ctx context.Context, origin Origin, msg string, err error) {
	r.record(ctx, origin, LevelError, CategoryMessage, msg, nil, err)
}

// Error records a failure that fits no other category.
func (r *Recorder) Error(ctx context.Context, origin Origin, msg string, err error) {
	r.record(ctx, origin, LevelError, CategoryError, msg, nil, err)
}

func (r *Recorder) record(ctx context.Context, origin Origin, level, category, msg string, metadata map[string]any, cause error) {
	var meta json.RawMessage
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			meta = b
		}
	}
	var causeText *string
	if cause != nil {
		s := cause.Error()
		causeText = &s
	}

	event := r.log.WithLevel(zerologLevel(level)).
		Str("project_id", origin.ProjectID.String()).
		Str("platform", origin.Platform).
		Str("category", category)
	if origin.PlatformConfigID != nil {
		event = event.Str("platform_config_id", origin.PlatformConfigID.String())
	}
	if cause != nil {
		event = event.Err(cause)
	}
	event.Msg(msg)

	if r.repo == nil {
		return
	}
	_, err := r.repo.Create(ctx, CreateParams{
		ProjectID:        origin.ProjectID,
		PlatformConfigID: origin.PlatformConfigID,
		Platform:         origin.Platform,
		Level:            level,
		Category:         category,
		Message:          msg,
		Metadata:         meta,
		Error:            causeText,
	})
	if err != nil {
		r.log.Warn().Err(err).Str("platform", origin.Platform).Msg("failed to persist platform log")
	}
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
