package project

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/crypto"
)

// Sentinel errors for the project package.
var (
	ErrNotFound           = errors.New("project not found")
	ErrSlugTaken          = errors.New("project slug is already in use")
	ErrSlugFormat         = errors.New("slug must be 1-64 lowercase letters, digits, and single hyphens")
	ErrNameLength         = errors.New("name must be between 1 and 100 characters")
	ErrInvalidEnvironment = errors.New("environment must be development, staging, or production")
	ErrNotMember          = errors.New("user is not a member of this project")
	ErrAlreadyMember      = errors.New("user is already a member")
	ErrInvalidRole        = errors.New("invalid member role")
	ErrOwnerImmutable     = errors.New("the project owner cannot be added, removed, or demoted")
)

// Project environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Project is the tenant boundary; every other entity hangs off one.
type Project struct {
	ID          uuid.UUID
	Slug        string
	Name        string
	Environment string
	OwnerID     uuid.UUID
	IsDefault   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// KeyEnv returns the API-key environment token for the project's environment.
func (p *Project) KeyEnv() string {
	return KeyEnv(p.Environment)
}

// KeyEnv maps a project environment to the short token embedded in API keys.
func KeyEnv(environment string) string {
	switch environment {
	case EnvProduction:
		return crypto.EnvLive
	case EnvStaging:
		return crypto.EnvStg
	default:
		return crypto.EnvDev
	}
}

// ValidEnvironment reports whether env names a known project environment.
func ValidEnvironment(env string) bool {
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
		return true
	}
	return false
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// ValidateSlug checks that a slug is URL-safe: 1-64 characters of lowercase letters, digits, and
// interior hyphens.
func ValidateSlug(slug string) error {
	if len(slug) < 1 || len(slug) > 64 || !slugPattern.MatchString(slug) {
		return ErrSlugFormat
	}
	return nil
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming
// whitespace. A nil pointer means "no change"; on success the pointed-to value is replaced with
// the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// DefaultSlug returns a fresh slug for an auto-created default project.
func DefaultSlug() string {
	return "default-" + crypto.RandomHex(4)
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

// CreateParams groups the fields needed to create a project.
type CreateParams struct {
	Slug        string
	Name        string
	Environment string
	OwnerID     uuid.UUID
	IsDefault   bool
}

// UpdateParams groups the optional fields for updating a project.
type UpdateParams struct {
	Name        *string
	Environment *string
}

// Repository defines the data-access contract for projects and their memberships.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Project, error)
	GetBySlug(ctx context.Context, slug string) (*Project, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Project, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Project, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Project, error)
	Delete(ctx context.Context, id uuid.UUID) error

	GetRole(ctx context.Context, projectID, userID uuid.UUID) (Role, error)
	ListMembers(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]MemberWithProfile, error)
	AddMember(ctx context.Context, projectID, userID uuid.UUID, role Role) (*Member, error)
	UpdateMemberRole(ctx context.Context, projectID, userID uuid.UUID, role Role) (*Member, error)
	RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error
}
