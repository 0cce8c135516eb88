package invite

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/project"
)

// Sentinel errors for the invite package.
var (
	ErrNotFound        = errors.New("invite not found")
	ErrExpired         = errors.New("invite has expired")
	ErrAlreadyUsed     = errors.New("invite has already been used")
	ErrProjectNotFound = errors.New("project not found")
)

// DefaultTTL is how long an invite remains acceptable after creation.
const DefaultTTL = 7 * 24 * time.Hour

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Invite statuses reported to API consumers.
const (
	StatusPending = "pending"
	StatusExpired = "expired"
	StatusUsed    = "used"
)

// Invite holds the fields read from the invites table.
type Invite struct {
	ID        uuid.UUID
	ProjectID uuid.UUID
	Email     string
	Role      project.Role
	Token     string
	InvitedBy *uuid.UUID
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Status reports the lifecycle state of the invite at the given instant. A used invite stays
// "used" even after its expiry passes.
func (i *Invite) Status(now time.Time) string {
	switch {
	case i.UsedAt != nil:
		return StatusUsed
	case !i.ExpiresAt.After(now):
		return StatusExpired
	default:
		return StatusPending
	}
}

// CreateParams groups the inputs for creating a new invite. InvitedBy is nil when the invite
// was issued with an API key rather than by a user.
type CreateParams struct {
	ProjectID uuid.UUID
	Email     string
	Role      project.Role
	InvitedBy *uuid.UUID
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

// Repository defines the data-access contract for invite operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Invite, error)
	GetByToken(ctx context.Context, token string) (*Invite, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Invite, error)
	Delete(ctx context.Context, projectID, id uuid.UUID) error
	Accept(ctx context.Context, token string, userID uuid.UUID) (*Invite, error)
}
