package identity

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

const selectColumns = "id, project_id, display_name, email, metadata, created_at, updated_at"

const aliasColumns = `id, identity_id, platform_config_id, platform, provider_user_id,
provider_user_display, link_method, linked_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed identity repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new identity.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Identity, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO identities (project_id, display_name, email, metadata)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+selectColumns,
		params.ProjectID, params.DisplayName, params.Email, params.Metadata,
	)
	ident, err := scanIdentity(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("insert identity: %w", err)
	}
	return ident, nil
}

// Get returns an identity by id within a project.
func (r *PGRepository) Get(ctx context.Context, projectID, id uuid.UUID) (*Identity, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM identities WHERE id = $2 AND project_id = $1",
		projectID, id,
	)
	ident, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return ident, nil
}

// List returns a project's identities, newest first.
func (r *PGRepository) List(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Identity, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM identities
		 WHERE project_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		projectID, ClampLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var identities []Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, *ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return identities, nil
}

// Update applies non-nil fields to an identity.
func (r *PGRepository) Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Identity, error) {
	if params.DisplayName == nil && params.Email == nil && params.Metadata == nil {
		return r.Get(ctx, projectID, id)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE identities
		 SET display_name = COALESCE($3, display_name),
		     email = COALESCE($4, email),
		     metadata = COALESCE($5, metadata),
		     updated_at = now()
		 WHERE id = $2 AND project_id = $1
		 RETURNING `+selectColumns,
		projectID, id, params.DisplayName, params.Email, params.Metadata,
	)
	ident, err := scanIdentity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update identity: %w", err)
	}
	return ident, nil
}

// Delete removes an identity. Its aliases are removed by cascade.
func (r *PGRepository) Delete(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM identities WHERE id = $2 AND project_id = $1",
		projectID, id,
	)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAliasByProvider returns the alias linked to a provider user tuple.
func (r *PGRepository) GetAliasByProvider(ctx context.Context, platformConfigID uuid.UUID, providerUserID string) (*Alias, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+aliasColumns+` FROM identity_aliases
		 WHERE platform_config_id = $1 AND provider_user_id = $2`,
		platformConfigID, providerUserID,
	)
	alias, err := scanAlias(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAliasNotFound
		}
		return nil, fmt.Errorf("get alias by provider: %w", err)
	}
	return alias, nil
}

// ListAliases returns an identity's aliases in link order. The identity must belong to
// the project; a missing identity returns ErrNotFound.
func (r *PGRepository) ListAliases(ctx context.Context, projectID, identityID uuid.UUID) ([]Alias, error) {
	// Aliases carry no project id, so ownership is checked on the parent row first.
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM identities WHERE id = $2 AND project_id = $1)",
		projectID, identityID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check identity: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+aliasColumns+` FROM identity_aliases
		 WHERE identity_id = $1
		 ORDER BY linked_at, id`,
		identityID,
	)
	if err != nil {
		return nil, fmt.Errorf("query aliases: %w", err)
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		aliases = append(aliases, *alias)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aliases: %w", err)
	}
	return aliases, nil
}

// AddAlias links a provider user to an identity. The insert selects through the parent
// identity so a wrong project or missing identity yields ErrNotFound instead of a row.
func (r *PGRepository) AddAlias(ctx context.Context, projectID, identityID uuid.UUID, params AddAliasParams) (*Alias, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO identity_aliases (identity_id, platform_config_id, platform, provider_user_id,
		        provider_user_display, link_method)
		 SELECT i.id, $3, $4, $5, $6, $7
		 FROM identities i
		 WHERE i.id = $2 AND i.project_id = $1
		 RETURNING `+aliasColumns,
		projectID, identityID, params.PlatformConfigID, params.Platform,
		params.ProviderUserID, params.ProviderUserDisplay, params.LinkMethod,
	)
	alias, err := scanAlias(row)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, ErrNotFound
		case postgres.IsUniqueViolation(err):
			return nil, ErrAliasTaken
		case postgres.IsForeignKeyViolation(err):
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("insert alias: %w", err)
	}
	return alias, nil
}

// RemoveAlias unlinks an alias from an identity. The identity keeps existing even when
// its last alias is removed.
func (r *PGRepository) RemoveAlias(ctx context.Context, projectID, identityID, aliasID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM identity_aliases a
		 USING identities i
		 WHERE a.id = $3 AND a.identity_id = i.id AND i.id = $2 AND i.project_id = $1`,
		projectID, identityID, aliasID,
	)
	if err != nil {
		return fmt.Errorf("delete alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAliasNotFound
	}
	return nil
}

// scanIdentity scans a single row into an *Identity.
func scanIdentity(row pgx.Row) (*Identity, error) {
	var ident Identity
	err := row.Scan(
		&ident.ID, &ident.ProjectID, &ident.DisplayName, &ident.Email, &ident.Metadata,
		&ident.CreatedAt, &ident.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ident, nil
}

// scanAlias scans a single row into an *Alias.
func scanAlias(row pgx.Row) (*Alias, error) {
	var alias Alias
	err := row.Scan(
		&alias.ID, &alias.IdentityID, &alias.PlatformConfigID, &alias.Platform,
		&alias.ProviderUserID, &alias.ProviderUserDisplay, &alias.LinkMethod, &alias.LinkedAt,
	)
	if err != nil {
		return nil, err
	}
	return &alias, nil
}
