package message

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the message package.
var (
	ErrNotFound    = errors.New("message not found")
	ErrDuplicate   = errors.New("message already recorded")
	ErrInvalidKind = errors.New("kind must be received, sent, or all")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Received message types.
const (
	TypeText     = "text"
	TypeCallback = "callback"
	TypeOther    = "other"
)

// Sent message statuses. Rows only ever move pending -> sent or pending -> failed.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Purge kinds for the delete-before operation.
const (
	KindReceived = "received"
	KindSent     = "sent"
	KindAll      = "all"
)

// Received holds the fields read from the received_messages table.
type Received struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderChatID    string
	ProviderUserID    string
	UserDisplay       *string
	MessageText       *string
	MessageType       string
	RawData           json.RawMessage
	ReceivedAt        time.Time
}

// Reaction holds the fields read from the received_reactions table. Rows are append-only
// events; the visible state is computed at query time.
type Reaction struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	ProviderMessageID string
	ProviderUserID    string
	UserDisplay       *string
	Emoji             string
	ReactionType      string
	ReceivedAt        time.Time
}

// Sent holds the fields read from the sent_messages table. One row is written per target at
// enqueue time and driven to a terminal status by the outbound worker.
type Sent struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	JobID             uuid.UUID
	ProviderMessageID *string
	TargetType        string
	TargetChatID      string
	TargetUserID      *string
	MessageText       *string
	MessageContent    json.RawMessage
	Status            string
	ErrorMessage      *string
	SentAt            *time.Time
	CreatedAt         time.Time
}

// ReactionState is one currently-visible reaction group on a received message.
type ReactionState struct {
	Emoji   string
	Count   int
	UserIDs []string
}

// Stats is the aggregate view for a project's message traffic.
type Stats struct {
	Received   int64
	Sent       SentStats
	Reactions  int64
	ByPlatform []PlatformCount
}

// SentStats breaks sent-message totals down by status.
type SentStats struct {
	Total   int64
	Pending int64
	Sent    int64
	Failed  int64
}

// PlatformCount pairs a platform name with its traffic counts.
type PlatformCount struct {
	Platform string
	Received int64
	Sent     int64
}

// PurgeResult reports how many rows a delete-before operation removed.
type PurgeResult struct {
	DeletedReceived int64
	DeletedSent     int64
}

// AliasRef keys received traffic by its provider-side author, used to pivot an identity's
// alias set into its message history.
type AliasRef struct {
	PlatformConfigID uuid.UUID
	ProviderUserID   string
}

// ReceivedFilter narrows received-message listings. Nil fields are ignored.
type ReceivedFilter struct {
	Platform         *string
	PlatformConfigID *uuid.UUID
	ChatID           *string
	UserID           *string
	Since            *time.Time
	Until            *time.Time
	Limit            int
	Offset           int
}

// SentFilter narrows sent-message listings. Nil fields are ignored.
type SentFilter struct {
	Status           *string
	Platform         *string
	PlatformConfigID *uuid.UUID
	Limit            int
	Offset           int
}

// CreateReceivedParams groups the inputs for recording an inbound message.
type CreateReceivedParams struct {
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderChatID    string
	ProviderUserID    string
	UserDisplay       *string
	MessageText       *string
	MessageType       string
	RawData           json.RawMessage
}

// CreateReactionParams groups the inputs for recording a reaction event.
type CreateReactionParams struct {
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	ProviderMessageID string
	ProviderUserID    string
	UserDisplay       *string
	Emoji             string
	ReactionType      string
}

// CreateSentParams groups the inputs for one pending sent-message row.
type CreateSentParams struct {
	ProjectID        uuid.UUID
	PlatformConfigID uuid.UUID
	Platform         string
	JobID            uuid.UUID
	TargetType       string
	TargetChatID     string
	TargetUserID     *string
	MessageText      *string
	MessageContent   json.RawMessage
}

// ValidType reports whether t names a known received-message type.
func ValidType(t string) bool {
	switch t {
	case TypeText, TypeCallback, TypeOther:
		return true
	}
	return false
}

// ValidStatus reports whether s names a known sent-message status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// ValidateKind checks a purge kind, defaulting empty input to KindAll.
func ValidateKind(kind string) (string, error) {
	switch kind {
	case "":
		return KindAll, nil
	case KindReceived, KindSent, KindAll:
		return kind, nil
	}
	return "", ErrInvalidKind
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when
// the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message traffic.
type Repository interface {
	CreateReceived(ctx context.Context, params CreateReceivedParams) (*Received, error)
	ListReceived(ctx context.Context, projectID uuid.UUID, filter ReceivedFilter) ([]Received, error)
	ListReceivedForAliases(ctx context.Context, projectID uuid.UUID, refs []AliasRef, limit, offset int) ([]Received, error)

	CreateReaction(ctx context.Context, params CreateReactionParams) (*Reaction, error)
	VisibleReactions(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]ReactionState, error)

	CreateSentBatch(ctx context.Context, params []CreateSentParams) ([]Sent, error)
	ListByJob(ctx context.Context, projectID, jobID uuid.UUID) ([]Sent, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	ListSent(ctx context.Context, projectID uuid.UUID, filter SentFilter) ([]Sent, error)

	Stats(ctx context.Context, projectID uuid.UUID) (*Stats, error)
	Purge(ctx context.Context, projectID uuid.UUID, before time.Time, kind string) (*PurgeResult, error)
}
