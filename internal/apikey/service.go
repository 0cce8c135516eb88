package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/crypto"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/scope"
)

// CreateInput is the caller-facing input for Service.CreateKey.
type CreateInput struct {
	Name          string
	Scopes        []string
	ExpiresInDays *int
	CreatedBy     *uuid.UUID
}

// Created pairs a stored key with its plaintext token. The token is surfaced to the caller
// exactly once and never persisted.
type Created struct {
	Key   *Key
	Token string
}

// Service implements API-key business logic: token generation and digestion on create and roll,
// and the validity rules applied during authentication.
type Service struct {
	repo Repository
	log  zerolog.Logger
}

// NewService creates a new API-key service.
func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

// CreateKey mints a key in the project's environment, stores its digest, and returns the
// plaintext once.
func (s *Service) CreateKey(ctx context.Context, proj *project.Project, input CreateInput) (*Created, error) {
	name, err := ValidateName(input.Name)
	if err != nil {
		return nil, err
	}
	scopes, err := scope.Normalize(input.Scopes)
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		return nil, ErrNoScopes
	}

	var expiresAt *time.Time
	if input.ExpiresInDays != nil {
		if *input.ExpiresInDays <= 0 {
			return nil, ErrInvalidExpiry
		}
		t := time.Now().AddDate(0, 0, *input.ExpiresInDays)
		expiresAt = &t
	}

	token, err := crypto.GenerateAPIKey(proj.KeyEnv())
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	key, err := s.repo.Create(ctx, CreateParams{
		ProjectID: proj.ID,
		Name:      name,
		KeyHash:   crypto.HashAPIKey(token),
		KeyPrefix: crypto.KeyPrefix(token),
		KeySuffix: crypto.KeySuffix(token),
		Scopes:    scopes,
		ExpiresAt: expiresAt,
		CreatedBy: input.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("key_id", key.ID.String()).
		Str("project_id", proj.ID.String()).
		Msg("API key created")
	return &Created{Key: key, Token: token}, nil
}

// Authenticate resolves a plaintext token to its stored key. Returns ErrNotFound when no key
// matches the digest and ErrInvalid when the matching key is expired or revoked. lastUsedAt is
// updated best-effort; a failed touch never rejects the request.
func (s *Service) Authenticate(ctx context.Context, token string) (*Key, error) {
	key, err := s.repo.GetByHash(ctx, crypto.HashAPIKey(token))
	if err != nil {
		return nil, err
	}
	if !key.Usable(time.Now()) {
		return nil, ErrInvalid
	}

	if err := s.repo.TouchLastUsed(ctx, key.ID); err != nil {
		s.log.Debug().Err(err).Str("key_id", key.ID.String()).Msg("Failed to update key last_used_at")
	}
	return key, nil
}

// RollKey replaces a key with a fresh one carrying the same name and scopes. The old key keeps
// authenticating until RollGrace elapses, giving integrations a window to swap credentials.
func (s *Service) RollKey(ctx context.Context, proj *project.Project, keyID uuid.UUID, actor *uuid.UUID) (*Created, error) {
	token, err := crypto.GenerateAPIKey(proj.KeyEnv())
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}

	key, err := s.repo.Roll(ctx, proj.ID, keyID, RollParams{
		KeyHash:   crypto.HashAPIKey(token),
		KeyPrefix: crypto.KeyPrefix(token),
		KeySuffix: crypto.KeySuffix(token),
		CreatedBy: actor,
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("old_key_id", keyID.String()).
		Str("new_key_id", key.ID.String()).
		Msg("API key rolled")
	return &Created{Key: key, Token: token}, nil
}

// RevokeKey revokes a key immediately. Revoking an already revoked key succeeds.
func (s *Service) RevokeKey(ctx context.Context, projectID, keyID uuid.UUID) error {
	if err := s.repo.Revoke(ctx, projectID, keyID); err != nil {
		return err
	}
	s.log.Debug().Str("key_id", keyID.String()).Msg("API key revoked")
	return nil
}

// GetKey returns a project's key by id.
func (s *Service) GetKey(ctx context.Context, projectID, keyID uuid.UUID) (*Key, error) {
	return s.repo.GetByID(ctx, projectID, keyID)
}

// ListKeys returns the project's active keys, newest first.
func (s *Service) ListKeys(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Key, error) {
	return s.repo.ListActive(ctx, projectID, limit, offset)
}
