package project

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

const selectColumns = "id, slug, name, environment, owner_id, is_default, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed project repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a project row.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Project, error) {
	const query = `INSERT INTO projects (slug, name, environment, owner_id, is_default)
		VALUES (@slug, @name, @environment, @owner_id, @is_default)
		RETURNING ` + selectColumns

	args := pgx.NamedArgs{
		"slug":        params.Slug,
		"name":        params.Name,
		"environment": params.Environment,
		"owner_id":    params.OwnerID,
		"is_default":  params.IsDefault,
	}

	p, err := scanProject(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// GetBySlug returns the project with the given slug.
func (r *PGRepository) GetBySlug(ctx context.Context, slug string) (*Project, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE slug = $1", selectColumns), slug)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project by slug: %w", err)
	}
	return p, nil
}

// GetByID returns the project with the given id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Project, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM projects WHERE id = $1", selectColumns), id)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project by id: %w", err)
	}
	return p, nil
}

// ListForUser returns every project the user owns or belongs to, oldest first.
func (r *PGRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]Project, error) {
	query := fmt.Sprintf(`SELECT %s FROM projects p
		WHERE p.owner_id = $1
		   OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = $1)
		ORDER BY p.created_at`, selectColumns)

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query projects for user: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.Environment, &p.OwnerID, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// Update applies the non-nil fields in params and returns the updated project.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Project, error) {
	if params.Name == nil && params.Environment == nil {
		return r.GetByID(ctx, id)
	}

	const query = `UPDATE projects SET
		name        = COALESCE(@name, name),
		environment = COALESCE(@environment, environment),
		updated_at  = now()
		WHERE id = @id
		RETURNING ` + selectColumns

	args := pgx.NamedArgs{
		"id":          id,
		"name":        params.Name,
		"environment": params.Environment,
	}

	p, err := scanProject(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update project: %w", err)
	}
	return p, nil
}

// Delete removes a project and, via cascade, everything it owns.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM projects WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRole resolves the caller's role in one round trip. The owner is implicit and outranks any
// member row.
func (r *PGRepository) GetRole(ctx context.Context, projectID, userID uuid.UUID) (Role, error) {
	const query = `SELECT CASE WHEN p.owner_id = @user_id THEN 'owner' ELSE m.role END
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id AND m.user_id = @user_id
		WHERE p.id = @project_id`

	args := pgx.NamedArgs{"project_id": projectID, "user_id": userID}

	var role *string
	err := r.db.QueryRow(ctx, query, args).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query member role: %w", err)
	}
	if role == nil {
		return "", ErrNotMember
	}
	return Role(*role), nil
}

// ListMembers returns membership rows joined with user profiles, oldest first.
func (r *PGRepository) ListMembers(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]MemberWithProfile, error) {
	const query = `SELECT m.id, m.user_id, u.email, u.display_name, m.role, m.created_at
		FROM project_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.project_id = @project_id
		ORDER BY m.created_at
		LIMIT @limit OFFSET @offset`

	args := pgx.NamedArgs{"project_id": projectID, "limit": ClampLimit(limit), "offset": max(offset, 0)}

	rows, err := r.db.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []MemberWithProfile
	for rows.Next() {
		var m MemberWithProfile
		if err := rows.Scan(&m.ID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return out, nil
}

// AddMember inserts a membership row.
func (r *PGRepository) AddMember(ctx context.Context, projectID, userID uuid.UUID, role Role) (*Member, error) {
	const query = `INSERT INTO project_members (project_id, user_id, role)
		VALUES (@project_id, @user_id, @role)
		RETURNING id, project_id, user_id, role, created_at`

	args := pgx.NamedArgs{"project_id": projectID, "user_id": userID, "role": role}

	m, err := scanMember(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert member: %w", err)
	}
	return m, nil
}

// UpdateMemberRole changes an existing member's role.
func (r *PGRepository) UpdateMemberRole(ctx context.Context, projectID, userID uuid.UUID, role Role) (*Member, error) {
	const query = `UPDATE project_members SET role = @role
		WHERE project_id = @project_id AND user_id = @user_id
		RETURNING id, project_id, user_id, role, created_at`

	args := pgx.NamedArgs{"project_id": projectID, "user_id": userID, "role": role}

	m, err := scanMember(r.db.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotMember
		}
		return nil, fmt.Errorf("update member role: %w", err)
	}
	return m, nil
}

// RemoveMember deletes a membership row.
func (r *PGRepository) RemoveMember(ctx context.Context, projectID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM project_members WHERE project_id = $1 AND user_id = $2", projectID, userID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// scanProject scans a single row into a Project struct.
func scanProject(row pgx.Row) (*Project, error) {
	var p Project
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.Environment, &p.OwnerID, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// scanMember scans a single row into a Member struct.
func scanMember(row pgx.Row) (*Member, error) {
	var m Member
	err := row.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
