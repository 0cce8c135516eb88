package platformconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/crypto"
)

// CreateInput is the caller-facing input for Service.Create.
type CreateInput struct {
	Platform    string
	Credentials map[string]string
	IsActive    *bool
	TestMode    bool
}

// UpdateInput is the caller-facing input for Service.Update. A nil Credentials map leaves the
// stored ciphertext untouched.
type UpdateInput struct {
	Credentials map[string]string
	IsActive    *bool
	TestMode    *bool
}

// Service wraps the repository with credential sealing. Plaintext credentials exist only in
// memory on their way in and out of the AES-GCM envelope.
type Service struct {
	repo      Repository
	masterKey string
	log       zerolog.Logger
}

// NewService creates a new platform-config service. masterKey is the 64-hex-char process-wide
// credentials encryption key.
func NewService(repo Repository, masterKey string, logger zerolog.Logger) *Service {
	return &Service{repo: repo, masterKey: masterKey, log: logger}
}

// Create validates and encrypts the credentials and inserts the config. New configs default to
// active unless the input says otherwise.
func (s *Service) Create(ctx context.Context, projectID uuid.UUID, input CreateInput) (*Config, error) {
	platform := strings.ToLower(strings.TrimSpace(input.Platform))
	if err := ValidatePlatform(platform); err != nil {
		return nil, err
	}
	if len(input.Credentials) == 0 {
		return nil, ErrNoCredentials
	}

	encrypted, err := s.encrypt(input.Credentials)
	if err != nil {
		return nil, err
	}

	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	cfg, err := s.repo.Create(ctx, CreateParams{
		ProjectID:            projectID,
		Platform:             platform,
		CredentialsEncrypted: encrypted,
		IsActive:             active,
		TestMode:             input.TestMode,
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("config_id", cfg.ID.String()).
		Str("platform", cfg.Platform).
		Msg("Platform config created")
	return cfg, nil
}

// Update applies the input and returns the config's state before and after, so callers can
// derive which lifecycle transitions occurred.
func (s *Service) Update(ctx context.Context, projectID, id uuid.UUID, input UpdateInput) (prev, cur *Config, err error) {
	prev, err = s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, nil, err
	}

	params := UpdateParams{IsActive: input.IsActive, TestMode: input.TestMode}
	if input.Credentials != nil {
		if len(input.Credentials) == 0 {
			return nil, nil, ErrNoCredentials
		}
		encrypted, err := s.encrypt(input.Credentials)
		if err != nil {
			return nil, nil, err
		}
		params.CredentialsEncrypted = &encrypted
	}

	cur, err = s.repo.Update(ctx, projectID, id, params)
	if err != nil {
		return nil, nil, err
	}
	return prev, cur, nil
}

// Delete removes a config and returns its final state, which callers need to tear down the
// adapter connection it was feeding.
func (s *Service) Delete(ctx context.Context, projectID, id uuid.UUID) (*Config, error) {
	cfg, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Delete(ctx, projectID, id); err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("config_id", cfg.ID.String()).
		Str("platform", cfg.Platform).
		Msg("Platform config deleted")
	return cfg, nil
}

// Get returns a project's config by id.
func (s *Service) Get(ctx context.Context, projectID, id uuid.UUID) (*Config, error) {
	return s.repo.GetByID(ctx, projectID, id)
}

// GetByWebhookToken returns the config owning the given webhook token.
func (s *Service) GetByWebhookToken(ctx context.Context, token uuid.UUID) (*Config, error) {
	return s.repo.GetByWebhookToken(ctx, token)
}

// List returns a project's configs, newest first.
func (s *Service) List(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Config, error) {
	return s.repo.ListByProject(ctx, projectID, limit, offset)
}

// ListActive returns every active config across all projects.
func (s *Service) ListActive(ctx context.Context) ([]Config, error) {
	return s.repo.ListActive(ctx)
}

// Decrypt returns the config's provider credentials in the clear.
func (s *Service) Decrypt(cfg *Config) (map[string]string, error) {
	plain, err := crypto.DecryptCredentials(cfg.CredentialsEncrypted, s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}

	var creds map[string]string
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func (s *Service) encrypt(creds map[string]string) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	encrypted, err := crypto.EncryptCredentials(raw, s.masterKey)
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return encrypted, nil
}
