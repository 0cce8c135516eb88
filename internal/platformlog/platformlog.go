// Package platformlog persists per-platform operational logs so project owners can see what
// their connections are doing without access to process logs.
package platformlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidFilter is returned when a log query filter contains unknown values.
var ErrInvalidFilter = errors.New("invalid log filter")

// Log levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Log categories.
const (
	CategoryConnection = "connection"
	CategoryWebhook    = "webhook"
	CategoryMessage    = "message"
	CategoryError      = "error"
	CategoryAuth       = "auth"
	CategoryGeneral    = "general"
)

// Entry is one platform log record.
type Entry struct {
	ID               uuid.UUID       `json:"id"`
	ProjectID        uuid.UUID       `json:"projectId"`
	PlatformConfigID *uuid.UUID      `json:"platformConfigId,omitempty"`
	Platform         string          `json:"platform"`
	Level            string          `json:"level"`
	Category         string          `json:"category"`
	Message          string          `json:"message"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	Error            *string         `json:"error,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// CreateParams are the fields for appending a log entry.
type CreateParams struct {
	ProjectID        uuid.UUID
	PlatformConfigID *uuid.UUID
	Platform         string
	Level            string
	Category         string
	Message          string
	Metadata         json.RawMessage
	Error            *string
}

// Filter narrows a log listing.
type Filter struct {
	Platform         *string
	PlatformConfigID *uuid.UUID
	Level            *string
	Category         *string
	StartDate        *time.Time
	EndDate          *time.Time
	Limit            int
	Offset           int
}

// LevelCategoryCount is one cell of the stats grouping.
type LevelCategoryCount struct {
	Level    string `json:"level"`
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Stats summarises a project's log volume and most recent errors.
type Stats struct {
	Counts       []LevelCategoryCount `json:"counts"`
	RecentErrors []Entry              `json:"recentErrors"`
}

// ValidLevel reports whether s is a known log level.
func ValidLevel(s string) bool {
	switch s {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// ValidCategory reports whether s is a known log category.
func ValidCategory(s string) bool {
	switch s {
	case CategoryConnection, CategoryWebhook, CategoryMessage, CategoryError, CategoryAuth, CategoryGeneral:
		return true
	}
	return false
}

// Pagination bounds. Log listings allow larger pages than entity listings because they feed
// debugging sessions, not UIs.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ClampLimit clamps a requested page size to [1, MaxLimit], applying DefaultLimit when
// the requested value is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the storage operations for platform logs.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Entry, error)
	List(ctx context.Context, projectID uuid.UUID, filter Filter) ([]Entry, error)
	Stats(ctx context.Context, projectID uuid.UUID, recentErrors int) (*Stats, error)
}
