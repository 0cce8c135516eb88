package platformconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/postgres"
)

const selectColumns = "id, project_id, platform, credentials_encrypted, webhook_token, is_active, test_mode, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed platform-config repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a config row. The webhook token is generated by the database default.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Config, error) {
	const query = `INSERT INTO platform_configs (project_id, platform, credentials_encrypted, is_active, test_mode)
		VALUES (@project_id, @platform, @credentials_encrypted, @is_active, @test_mode)
		RETURNING ` + selectColumns

	args := pgx.NamedArgs{
		"project_id":            params.ProjectID,
		"platform":              params.Platform,
		"credentials_encrypted": params.CredentialsEncrypted,
		"is_active":             params.IsActive,
		"test_mode":             params.TestMode,
	}

	cfg, err := scanConfig(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("insert platform config: %w", err)
	}
	return cfg, nil
}

// GetByID returns a project's config by id.
func (r *PGRepository) GetByID(ctx context.Context, projectID, id uuid.UUID) (*Config, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM platform_configs WHERE id = $1 AND project_id = $2", selectColumns),
		id, projectID)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config: %w", err)
	}
	return cfg, nil
}

// GetByWebhookToken returns the config owning the given webhook token. Inbound dispatch does
// not know the project, so this lookup is global; active-state checks stay with the caller.
func (r *PGRepository) GetByWebhookToken(ctx context.Context, token uuid.UUID) (*Config, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM platform_configs WHERE webhook_token = $1", selectColumns), token)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query platform config by webhook token: %w", err)
	}
	return cfg, nil
}

// ListByProject returns a project's configs ordered by creation time, newest first.
func (r *PGRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Config, error) {
	query := fmt.Sprintf(`SELECT %s FROM platform_configs
		WHERE project_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, selectColumns)

	rows, err := r.db.Query(ctx, query, projectID, ClampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query platform configs: %w", err)
	}
	return collectConfigs(rows)
}

// ListActive returns every active config across all projects, used to replay adapter
// lifecycle events on boot.
func (r *PGRepository) ListActive(ctx context.Context) ([]Config, error) {
	query := fmt.Sprintf("SELECT %s FROM platform_configs WHERE is_active ORDER BY created_at", selectColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active platform configs: %w", err)
	}
	return collectConfigs(rows)
}

// Update applies the non-nil fields in params and returns the updated config.
func (r *PGRepository) Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Config, error) {
	if params.CredentialsEncrypted == nil && params.IsActive == nil && params.TestMode == nil {
		return r.GetByID(ctx, projectID, id)
	}

	const query = `UPDATE platform_configs SET
		credentials_encrypted = COALESCE(@credentials_encrypted, credentials_encrypted),
		is_active             = COALESCE(@is_active, is_active),
		test_mode             = COALESCE(@test_mode, test_mode),
		updated_at            = now()
		WHERE id = @id AND project_id = @project_id
		RETURNING ` + selectColumns

	args := pgx.NamedArgs{
		"id":                    id,
		"project_id":            projectID,
		"credentials_encrypted": params.CredentialsEncrypted,
		"is_active":             params.IsActive,
		"test_mode":             params.TestMode,
	}

	cfg, err := scanConfig(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update platform config: %w", err)
	}
	return cfg, nil
}

// Delete removes a project's config by id. Returns ErrNotFound if no matching config exists.
func (r *PGRepository) Delete(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM platform_configs WHERE id = $1 AND project_id = $2", id, projectID)
	if err != nil {
		return fmt.Errorf("delete platform config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func collectConfigs(rows pgx.Rows) ([]Config, error) {
	defer rows.Close()

	var configs []Config
	for rows.Next() {
		var cfg Config
		if err := rows.Scan(
			&cfg.ID, &cfg.ProjectID, &cfg.Platform, &cfg.CredentialsEncrypted, &cfg.WebhookToken,
			&cfg.IsActive, &cfg.TestMode, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan platform config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform configs: %w", err)
	}
	return configs, nil
}

// scanConfig scans a single row into a *Config.
func scanConfig(row pgx.Row) (*Config, error) {
	var cfg Config
	err := row.Scan(
		&cfg.ID, &cfg.ProjectID, &cfg.Platform, &cfg.CredentialsEncrypted, &cfg.WebhookToken,
		&cfg.IsActive, &cfg.TestMode, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan platform config: %w", err)
	}
	return &cfg, nil
}
