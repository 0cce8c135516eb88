package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Key.
const selectColumns = `id, project_id, name, key_hash, key_prefix, key_suffix, scopes, expires_at, revoked_at, last_used_at, created_by, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed API-key repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new API key. Returns ErrProjectNotFound when the project does not exist.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Key, error) {
	key, err := scanKey(r.db.QueryRow(ctx,
		`INSERT INTO api_keys (project_id, name, key_hash, key_prefix, key_suffix, scopes, expires_at, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+selectColumns,
		params.ProjectID, params.Name, params.KeyHash, params.KeyPrefix, params.KeySuffix,
		params.Scopes, params.ExpiresAt, params.CreatedBy,
	))
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return key, nil
}

// GetByID returns a project's key by id regardless of its revocation state.
func (r *PGRepository) GetByID(ctx context.Context, projectID, id uuid.UUID) (*Key, error) {
	key, err := scanKey(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM api_keys WHERE id = $1 AND project_id = $2`, id, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return key, nil
}

// GetByHash returns the key whose stored digest matches keyHash. Authentication does not know
// the project yet, so this lookup is global.
func (r *PGRepository) GetByHash(ctx context.Context, keyHash string) (*Key, error) {
	key, err := scanKey(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM api_keys WHERE key_hash = $1`, keyHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query api key by hash: %w", err)
	}
	return key, nil
}

// ListActive returns the project's unrevoked keys ordered by creation time, newest first. Keys
// retired by a roll carry a future revoked_at and are excluded even inside the grace window.
func (r *PGRepository) ListActive(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Key, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM api_keys
		 WHERE project_id = $1 AND revoked_at IS NULL
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		projectID, ClampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(
			&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.KeySuffix,
			&k.Scopes, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedBy, &k.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

// Revoke revokes a key immediately. Revoking an already revoked key is an idempotent success;
// only a missing key returns ErrNotFound.
func (r *PGRepository) Revoke(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL`,
		id, projectID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	err = r.db.QueryRow(ctx,
		"SELECT true FROM api_keys WHERE id = $1 AND project_id = $2", id, projectID,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check api key exists: %w", err)
	}
	return nil
}

// Roll retires the old key and inserts its replacement as a single transaction: the old key's
// revoked_at is set RollGrace in the future, and the new key copies its name and scopes. Only
// an active key can be rolled; a missing, revoked, or already rolling key returns ErrNotFound.
func (r *PGRepository) Roll(ctx context.Context, projectID, id uuid.UUID, params RollParams) (*Key, error) {
	var key *Key
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var (
			name   string
			scopes []string
		)
		err := tx.QueryRow(ctx,
			`UPDATE api_keys SET revoked_at = $3
			 WHERE id = $1 AND project_id = $2 AND revoked_at IS NULL
			 RETURNING name, scopes`,
			id, projectID, time.Now().Add(RollGrace),
		).Scan(&name, &scopes)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("retire api key: %w", err)
		}

		key, err = scanKey(tx.QueryRow(ctx,
			`INSERT INTO api_keys (project_id, name, key_hash, key_prefix, key_suffix, scopes, created_by)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING `+selectColumns,
			projectID, name, params.KeyHash, params.KeyPrefix, params.KeySuffix, scopes, params.CreatedBy,
		))
		if err != nil {
			return fmt.Errorf("insert replacement api key: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// TouchLastUsed stamps the key's last_used_at. Missing rows are ignored.
func (r *PGRepository) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx,
		"UPDATE api_keys SET last_used_at = now() WHERE id = $1", id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// scanKey scans a single row into a *Key.
func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	err := row.Scan(
		&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.KeySuffix,
		&k.Scopes, &k.ExpiresAt, &k.RevokedAt, &k.LastUsedAt, &k.CreatedBy, &k.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return &k, nil
}
