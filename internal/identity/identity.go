package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
)

var (
	// ErrNotFound is returned when an identity does not exist.
	ErrNotFound = errors.New("identity not found")
	// ErrAliasNotFound is returned when an alias does not exist.
	ErrAliasNotFound = errors.New("identity alias not found")
	// ErrAliasTaken is returned when the provider user is already linked to an identity.
	ErrAliasTaken = errors.New("provider user is already linked to an identity")
	// ErrProjectNotFound is returned when the referenced project does not exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrConfigNotFound is returned when the referenced platform config does not exist.
	ErrConfigNotFound = errors.New("platform config not found")
	// ErrDisplayNameLength is returned when a display name is empty or too long.
	ErrDisplayNameLength = errors.New("display name must be 1-200 characters")
	// ErrInvalidEmail is returned when an email address fails validation.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidLinkMethod is returned when a link method is not manual or automatic.
	ErrInvalidLinkMethod = errors.New("link method must be manual or automatic")
)

// Link methods for identity aliases.
const (
	LinkManual    = "manual"
	LinkAutomatic = "automatic"
)

const (
	maxDisplayNameLength = 200
	maxEmailLength       = 254
)

// Identity is a unified cross-platform user within a project.
type Identity struct {
	ID          uuid.UUID       `json:"id"`
	ProjectID   uuid.UUID       `json:"projectId"`
	DisplayName *string         `json:"displayName,omitempty"`
	Email       *string         `json:"email,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Alias links one provider user tuple to an identity. A (platformConfigId, providerUserId)
// pair maps to at most one alias.
type Alias struct {
	ID                  uuid.UUID `json:"id"`
	IdentityID          uuid.UUID `json:"identityId"`
	PlatformConfigID    uuid.UUID `json:"platformConfigId"`
	Platform            string    `json:"platform"`
	ProviderUserID      string    `json:"providerUserId"`
	ProviderUserDisplay *string   `json:"providerUserDisplay,omitempty"`
	LinkMethod          string    `json:"linkMethod"`
	LinkedAt            time.Time `json:"linkedAt"`
}

// CreateParams are the fields for creating an identity.
type CreateParams struct {
	ProjectID   uuid.UUID
	DisplayName *string
	Email       *string
	Metadata    json.RawMessage
}

// UpdateParams are the updatable identity fields. Nil fields are left unchanged.
type UpdateParams struct {
	DisplayName *string
	Email       *string
	Metadata    json.RawMessage
}

// AddAliasParams are the fields for linking a provider user to an identity.
type AddAliasParams struct {
	PlatformConfigID    uuid.UUID
	Platform            string
	ProviderUserID      string
	ProviderUserDisplay *string
	LinkMethod          string
}

// displayPolicy strips all markup. Display names come from dashboards and from provider
// payloads, and both end up rendered; they are sanitised once at ingestion.
var displayPolicy = bluemonday.StrictPolicy()

// ValidateDisplayName strips any markup and checks the result is 1-200 characters, returning
// it trimmed.
func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(displayPolicy.Sanitize(name))
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLength {
		return "", ErrDisplayNameLength
	}
	return name, nil
}

// SanitizeDisplayName cleans a provider-supplied display name: markup is stripped, whitespace
// trimmed, and overlong names truncated rather than rejected, since inbound processing must not
// fail on a hostile username. Returns nil when nothing printable remains.
func SanitizeDisplayName(display *string) *string {
	if display == nil {
		return nil
	}
	clean := strings.TrimSpace(displayPolicy.Sanitize(*display))
	if clean == "" {
		return nil
	}
	if utf8.RuneCountInString(clean) > maxDisplayNameLength {
		clean = string([]rune(clean)[:maxDisplayNameLength])
	}
	return &clean
}

// ValidateEmail parses and normalises an email address.
func ValidateEmail(email string) (string, error) {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", ErrInvalidEmail
	}
	normalised := strings.ToLower(addr.Address)
	if len(normalised) > maxEmailLength {
		return "", ErrInvalidEmail
	}
	return normalised, nil
}

// ValidLinkMethod reports whether s is a known link method.
func ValidLinkMethod(s string) bool {
	return s == LinkManual || s == LinkAutomatic
}

// Pagination bounds for identity listings.
const (
	DefaultLimit = 50
	MaxLimit     = 100
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

// Repository defines the storage operations for identities and their aliases.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Identity, error)
	Get(ctx context.Context, projectID, id uuid.UUID) (*Identity, error)
	List(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Identity, error)
	Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Identity, error)
	Delete(ctx context.Context, projectID, id uuid.UUID) error
	GetAliasByProvider(ctx context.Context, platformConfigID uuid.UUID, providerUserID string) (*Alias, error)
	ListAliases(ctx context.Context, projectID, identityID uuid.UUID) ([]Alias, error)
	AddAlias(ctx context.Context, projectID, identityID uuid.UUID, params AddAliasParams) (*Alias, error)
	RemoveAlias(ctx context.Context, projectID, identityID, aliasID uuid.UUID) error
}
