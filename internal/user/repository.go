package user

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

const selectColumns = "id, email, display_name, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a user row. The email is stored as given; uniqueness is enforced
// case-insensitively by the database.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*User, error) {
	const query = `INSERT INTO users (email, password_hash, display_name)
		VALUES (@email, @password_hash, @display_name)
		RETURNING ` + selectColumns

	args := pgx.NamedArgs{
		"email":         NormalizeEmail(params.Email),
		"password_hash": params.PasswordHash,
		"display_name":  params.DisplayName,
	}

	u, err := scanUser(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// GetByID returns the user with the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM users WHERE id = $1", selectColumns), id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user plus password hash for the login path.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s, password_hash FROM users WHERE lower(email) = lower($1)", selectColumns),
		NormalizeEmail(email))

	var c Credentials
	err := row.Scan(&c.ID, &c.Email, &c.DisplayName, &c.CreatedAt, &c.UpdatedAt, &c.PasswordHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return &c, nil
}

// Update applies the non-nil fields in params and returns the updated user.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*User, error) {
	if params.DisplayName == nil {
		return r.GetByID(ctx, id)
	}

	const query = `UPDATE users SET
		display_name = @display_name,
		updated_at   = now()
		WHERE id = @id
		RETURNING ` + selectColumns

	args := pgx.NamedArgs{"id": id, "display_name": params.DisplayName}

	u, err := scanUser(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored password hash.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, userID uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2", hash, userID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanUser scans a single row into a User struct.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
