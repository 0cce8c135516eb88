package invite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/crypto"
	"github.com/gatekit-io/gatekit-server/internal/postgres"
	"github.com/gatekit-io/gatekit-server/internal/project"
)

// tokenBytes is the entropy of an invite token before base64url encoding.
const tokenBytes = 32

// selectColumns lists the columns returned by queries that produce an *Invite.
const selectColumns = `id, project_id, email, role, token, invited_by, expires_at, used_at, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed invite repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new invite with a freshly generated single-use token. Returns
// ErrProjectNotFound when the project does not exist.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`INSERT INTO invites (project_id, email, role, token, invited_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+selectColumns,
		params.ProjectID, params.Email, params.Role, crypto.RandomToken(tokenBytes),
		params.InvitedBy, time.Now().Add(DefaultTTL),
	))
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("insert invite: %w", err)
	}
	return inv, nil
}

// GetByToken returns the invite matching the given token.
func (r *PGRepository) GetByToken(ctx context.Context, token string) (*Invite, error) {
	inv, err := scanInvite(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM invites WHERE token = $1`, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query invite by token: %w", err)
	}
	return inv, nil
}

// ListByProject returns a project's invites ordered by creation time, newest first.
func (r *PGRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Invite, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM invites
		 WHERE project_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		projectID, ClampLimit(limit), max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("query invites: %w", err)
	}
	defer rows.Close()

	var invites []Invite
	for rows.Next() {
		var inv Invite
		if err := rows.Scan(
			&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.Token,
			&inv.InvitedBy, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invites: %w", err)
	}
	return invites, nil
}

// Delete removes a project's invite by id. Returns ErrNotFound if no matching invite exists.
func (r *PGRepository) Delete(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM invites WHERE id = $1 AND project_id = $2", id, projectID)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Accept marks a pending invite used and adds the accepting user to the project as a single
// transaction. The invite must not be expired or already used, and the user must not already
// hold access to the project. If the atomic update matches zero rows, a diagnostic query
// determines the specific reason for failure.
func (r *PGRepository) Accept(ctx context.Context, token string, userID uuid.UUID) (*Invite, error) {
	var inv *Invite
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var err error
		inv, err = scanInvite(tx.QueryRow(ctx,
			`UPDATE invites
			 SET used_at = now()
			 WHERE token = $1 AND used_at IS NULL AND expires_at > now()
			 RETURNING `+selectColumns,
			token,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return r.diagnoseAcceptFailure(ctx, token)
			}
			return fmt.Errorf("use invite: %w", err)
		}

		// The owner already has full access and must never appear in project_members.
		var ownerID uuid.UUID
		if err := tx.QueryRow(ctx,
			"SELECT owner_id FROM projects WHERE id = $1", inv.ProjectID,
		).Scan(&ownerID); err != nil {
			return fmt.Errorf("query project owner: %w", err)
		}
		if ownerID == userID {
			return project.ErrAlreadyMember
		}

		if _, err := tx.Exec(ctx,
			"INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)",
			inv.ProjectID, userID, inv.Role,
		); err != nil {
			if postgres.IsUniqueViolation(err) {
				return project.ErrAlreadyMember
			}
			return fmt.Errorf("insert project member: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// diagnoseAcceptFailure determines why an atomic accept update matched zero rows.
func (r *PGRepository) diagnoseAcceptFailure(ctx context.Context, token string) error {
	var (
		expiresAt time.Time
		usedAt    *time.Time
	)
	err := r.db.QueryRow(ctx,
		"SELECT expires_at, used_at FROM invites WHERE token = $1", token,
	).Scan(&expiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("diagnose invite accept failure: %w", err)
	}

	if usedAt != nil {
		return ErrAlreadyUsed
	}
	if !expiresAt.After(time.Now()) {
		return ErrExpired
	}
	return ErrNotFound
}

// scanInvite scans a single row into an *Invite.
func scanInvite(row pgx.Row) (*Invite, error) {
	var inv Invite
	err := row.Scan(
		&inv.ID, &inv.ProjectID, &inv.Email, &inv.Role, &inv.Token,
		&inv.InvitedBy, &inv.ExpiresAt, &inv.UsedAt, &inv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	return &inv, nil
}
