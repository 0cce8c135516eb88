package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrAlreadyExists     = errors.New("email already taken")
	ErrDisplayNameLength = errors.New("display name must be between 1 and 64 characters")
)

// User holds the core identity fields read from the database.
type User struct {
	ID          uuid.UUID
	Email       string
	DisplayName *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Credentials extends User with the password hash. Only repository methods serving the
// authentication path return this type; everything else returns *User so credentials cannot leak
// at the type level.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user.
type CreateParams struct {
	Email        string
	PasswordHash string
	DisplayName  *string
}

// UpdateParams groups the optional fields for updating a user profile.
type UpdateParams struct {
	DisplayName *string
}

// NormalizeEmail lowercases and trims an email address so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateDisplayName checks that a non-nil display name is between 1 and 64 Unicode characters
// after trimming whitespace. On success the pointed-to value is replaced with the trimmed result.
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 64 {
		return ErrDisplayNameLength
	}
	*name = trimmed
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error)
	UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error
}
