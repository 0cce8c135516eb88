package apikey

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the apikey package.
var (
	ErrNotFound        = errors.New("api key not found")
	ErrInvalid         = errors.New("api key is expired or revoked")
	ErrNameLength      = errors.New("name must be between 1 and 100 characters")
	ErrNoScopes        = errors.New("at least one scope is required")
	ErrInvalidExpiry   = errors.New("expiresInDays must be positive")
	ErrProjectNotFound = errors.New("project not found")
)

// RollGrace is the dual-live window after a roll during which the replaced key still
// authenticates alongside its successor.
const RollGrace = 24 * time.Hour

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Key holds the fields read from the api_keys table. The plaintext token is never stored:
// KeyHash is its SHA-256 digest, and KeyPrefix/KeySuffix are retained for display.
type Key struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	Name       string
	KeyHash    string
	KeyPrefix  string
	KeySuffix  string
	Scopes     []string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedBy  *uuid.UUID
	CreatedAt  time.Time
}

// Masked returns the display form of the key, e.g. "gk_live_…abcd".
func (k *Key) Masked() string {
	return k.KeyPrefix + "…" + k.KeySuffix
}

// Usable reports whether the key may authenticate requests at the given instant. Expiry is
// strict (expiresAt < now rejects) and revocation is inclusive (revokedAt <= now rejects), so a
// key with a future RevokedAt is inside the roll grace window and still authenticates.
func (k *Key) Usable(now time.Time) bool {
	if k.ExpiresAt != nil && k.ExpiresAt.Before(now) {
		return false
	}
	if k.RevokedAt != nil && !k.RevokedAt.After(now) {
		return false
	}
	return true
}

// ValidateName checks that a key name is 1-100 characters after trimming whitespace and returns
// the trimmed result.
func ValidateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
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

// CreateParams groups the storage-ready fields for inserting a key. Token digestion (hash,
// prefix, suffix) happens in the Service before the repository is involved.
type CreateParams struct {
	ProjectID uuid.UUID
	Name      string
	KeyHash   string
	KeyPrefix string
	KeySuffix string
	Scopes    []string
	ExpiresAt *time.Time
	CreatedBy *uuid.UUID
}

// RollParams carries the replacement key material for a roll. Name and scopes are copied from
// the key being replaced.
type RollParams struct {
	KeyHash   string
	KeyPrefix string
	KeySuffix string
	CreatedBy *uuid.UUID
}

// Repository defines the data-access contract for API keys.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Key, error)
	GetByID(ctx context.Context, projectID, id uuid.UUID) (*Key, error)
	GetByHash(ctx context.Context, keyHash string) (*Key, error)
	ListActive(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Key, error)
	Revoke(ctx context.Context, projectID, id uuid.UUID) error
	Roll(ctx context.Context, projectID, id uuid.UUID, params RollParams) (*Key, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}
