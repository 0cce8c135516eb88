package platformconfig

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the platformconfig package.
var (
	ErrNotFound        = errors.New("platform config not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrPlatformFormat  = errors.New("platform must be 1-64 lowercase letters, digits, and single hyphens")
	ErrNoCredentials   = errors.New("credentials are required")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Config is one configured provider instance inside a project. Credentials are stored as an
// opaque ciphertext; the webhook token doubles as the inbound URL secret. A project may hold
// several configs for the same provider.
type Config struct {
	ID                   uuid.UUID
	ProjectID            uuid.UUID
	Platform             string
	CredentialsEncrypted string
	WebhookToken         uuid.UUID
	IsActive             bool
	TestMode             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

var platformPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidatePlatform checks that a provider name is 1-64 characters of lowercase letters, digits,
// and interior hyphens. Whether the name is actually registered is the registry's concern.
func ValidatePlatform(platform string) error {
	if len(platform) < 1 || len(platform) > 64 || !platformPattern.MatchString(platform) {
		return ErrPlatformFormat
	}
	return nil
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

// CreateParams groups the storage-ready fields for inserting a config. Encryption happens in
// the Service; the webhook token is assigned by the database.
type CreateParams struct {
	ProjectID            uuid.UUID
	Platform             string
	CredentialsEncrypted string
	IsActive             bool
	TestMode             bool
}

// UpdateParams groups the optional fields for updating a config.
type UpdateParams struct {
	CredentialsEncrypted *string
	IsActive             *bool
	TestMode             *bool
}

// Repository defines the data-access contract for platform configs.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Config, error)
	GetByID(ctx context.Context, projectID, id uuid.UUID) (*Config, error)
	GetByWebhookToken(ctx context.Context, token uuid.UUID) (*Config, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Config, error)
	ListActive(ctx context.Context) ([]Config, error)
	Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Config, error)
	Delete(ctx context.Context, projectID, id uuid.UUID) error
}
