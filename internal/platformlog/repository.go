package platformlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, project_id, platform_config_id, platform, level, category, message,
metadata, error, timestamp`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed platform log repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create appends a log entry.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Entry, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO platform_logs (project_id, platform_config_id, platform, level, category,
		        message, metadata, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+selectColumns,
		params.ProjectID, params.PlatformConfigID, params.Platform, params.Level,
		params.Category, params.Message, params.Metadata, params.Error,
	)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("insert platform log: %w", err)
	}
	return entry, nil
}

// List returns a project's log entries, newest first, narrowed by filter.
func (r *PGRepository) List(ctx context.Context, projectID uuid.UUID, filter Filter) ([]Entry, error) {
	clauses := []string{"project_id = $1"}
	args := []any{projectID}
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if filter.Platform != nil {
		add("platform = $%d", *filter.Platform)
	}
	if filter.PlatformConfigID != nil {
		add("platform_config_id = $%d", *filter.PlatformConfigID)
	}
	if filter.Level != nil {
		add("level = $%d", *filter.Level)
	}
	if filter.Category != nil {
		add("category = $%d", *filter.Category)
	}
	if filter.StartDate != nil {
		add("timestamp >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("timestamp <= $%d", *filter.EndDate)
	}
	args = append(args, ClampLimit(filter.Limit), max(filter.Offset, 0))

	query := fmt.Sprintf(`SELECT %s FROM platform_logs
		WHERE %s
		ORDER BY timestamp DESC, id
		LIMIT $%d OFFSET $%d`, selectColumns, strings.Join(clauses, " AND "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query platform logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform log: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform logs: %w", err)
	}
	return entries, nil
}

// Stats returns log counts grouped by (level, category) plus the most recent error entries.
func (r *PGRepository) Stats(ctx context.Context, projectID uuid.UUID, recentErrors int) (*Stats, error) {
	if recentErrors <= 0 {
		recentErrors = 10
	}
	if recentErrors > 100 {
		recentErrors = 100
	}

	var stats Stats

	rows, err := r.db.Query(ctx,
		`SELECT level, category, count(*) FROM platform_logs
		 WHERE project_id = $1
		 GROUP BY level, category
		 ORDER BY level, category`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("count platform logs: %w", err)
	}
	for rows.Next() {
		var c LevelCategoryCount
		if err := rows.Scan(&c.Level, &c.Category, &c.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan log counts: %w", err)
		}
		stats.Counts = append(stats.Counts, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log counts: %w", err)
	}

	rows, err = r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM platform_logs
		 WHERE project_id = $1 AND level = 'error'
		 ORDER BY timestamp DESC, id
		 LIMIT $2`,
		projectID, recentErrors)
	if err != nil {
		return nil, fmt.Errorf("query recent errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent error: %w", err)
		}
		stats.RecentErrors = append(stats.RecentErrors, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent errors: %w", err)
	}
	return &stats, nil
}

// scanEntry scans a single row into an *Entry.
func scanEntry(row pgx.Row) (*Entry, error) {
	var entry Entry
	err := row.Scan(
		&entry.ID, &entry.ProjectID, &entry.PlatformConfigID, &entry.Platform, &entry.Level,
		&entry.Category, &entry.Message, &entry.Metadata, &entry.Error, &entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
