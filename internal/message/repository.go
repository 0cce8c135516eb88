package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/postgres"
)

const receivedColumns = `id, project_id, platform_config_id, platform, provider_message_id, provider_chat_id,
provider_user_id, user_display, message_text, message_type, raw_data, received_at`

const sentColumns = `id, project_id, platform_config_id, platform, job_id, provider_message_id, target_type,
target_chat_id, target_user_id, message_text, message_content, status, error_message, sent_at, created_at`

const reactionColumns = `id, project_id, platform_config_id, provider_message_id, provider_user_id,
user_display, emoji, reaction_type, received_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// CreateReceived inserts an inbound message row. A second insert for the same
// (platformConfigId, providerMessageId) returns ErrDuplicate so ingest can downgrade redelivery
// to a debug log.
func (r *PGRepository) CreateReceived(ctx context.Context, params CreateReceivedParams) (*Received, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO received_messages (project_id, platform_config_id, platform, provider_message_id,
		        provider_chat_id, provider_user_id, user_display, message_text, message_type, raw_data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+receivedColumns,
		params.ProjectID, params.PlatformConfigID, params.Platform, params.ProviderMessageID,
		params.ProviderChatID, params.ProviderUserID, params.UserDisplay, params.MessageText,
		params.MessageType, params.RawData,
	)
	msg, err := scanReceived(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert received message: %w", err)
	}
	return msg, nil
}

// ListReceived returns a project's received messages, newest first, narrowed by filter.
func (r *PGRepository) ListReceived(ctx context.Context, projectID uuid.UUID, filter ReceivedFilter) ([]Received, error) {
	where, args := filter.where(projectID)
	args = append(args, ClampLimit(filter.Limit), max(filter.Offset, 0))

	query := fmt.Sprintf(`SELECT %s FROM received_messages
		WHERE %s
		ORDER BY received_at DESC, id
		LIMIT $%d OFFSET $%d`, receivedColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query received messages: %w", err)
	}
	return collectReceived(rows)
}

// ListReceivedForAliases returns received messages authored by any of the given provider-user
// refs, newest first. An empty ref set yields no rows.
func (r *PGRepository) ListReceivedForAliases(ctx context.Context, projectID uuid.UUID, refs []AliasRef, limit, offset int) ([]Received, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	args := []any{projectID}
	pairs := make([]string, 0, len(refs))
	for _, ref := range refs {
		args = append(args, ref.PlatformConfigID, ref.ProviderUserID)
		pairs = append(pairs, fmt.Sprintf("(platform_config_id = $%d AND provider_user_id = $%d)", len(args)-1, len(args)))
	}
	args = append(args, ClampLimit(limit), max(offset, 0))

	query := fmt.Sprintf(`SELECT %s FROM received_messages
		WHERE project_id = $1 AND (%s)
		ORDER BY received_at DESC, id
		LIMIT $%d OFFSET $%d`, receivedColumns, strings.Join(pairs, " OR "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query received messages for aliases: %w", err)
	}
	return collectReceived(rows)
}

// CreateReaction appends a reaction event. Events are never updated; visibility is resolved at
// read time by VisibleReactions.
func (r *PGRepository) CreateReaction(ctx context.Context, params CreateReactionParams) (*Reaction, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO received_reactions (project_id, platform_config_id, provider_message_id,
		        provider_user_id, user_display, emoji, reaction_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+reactionColumns,
		params.ProjectID, params.PlatformConfigID, params.ProviderMessageID,
		params.ProviderUserID, params.UserDisplay, params.Emoji, params.ReactionType,
	)

	var re Reaction
	err := row.Scan(
		&re.ID, &re.ProjectID, &re.PlatformConfigID, &re.ProviderMessageID, &re.ProviderUserID,
		&re.UserDisplay, &re.Emoji, &re.ReactionType, &re.ReceivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert reaction: %w", err)
	}
	return &re, nil
}

// VisibleReactions computes the currently-visible reaction groups for the given received
// messages: per (user, emoji) the latest event wins, and the tuple is visible only when that
// event is an add.
func (r *PGRepository) VisibleReactions(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]ReactionState, error) {
	out := make(map[uuid.UUID][]ReactionState, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT m.id, v.emoji, v.provider_user_id
		 FROM received_messages m
		 JOIN LATERAL (
		     SELECT DISTINCT ON (rr.provider_user_id, rr.emoji)
		            rr.emoji, rr.provider_user_id, rr.reaction_type
		     FROM received_reactions rr
		     WHERE rr.platform_config_id = m.platform_config_id
		       AND rr.provider_message_id = m.provider_message_id
		     ORDER BY rr.provider_user_id, rr.emoji, rr.received_at DESC, rr.id DESC
		 ) v ON v.reaction_type = 'added'
		 WHERE m.id = ANY($1)
		 ORDER BY m.id, v.emoji, v.provider_user_id`,
		messageIDs)
	if err != nil {
		return nil, fmt.Errorf("query visible reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id     uuid.UUID
			emoji  string
			userID string
		)
		if err := rows.Scan(&id, &emoji, &userID); err != nil {
			return nil, fmt.Errorf("scan reaction state: %w", err)
		}

		states := out[id]
		if n := len(states); n > 0 && states[n-1].Emoji == emoji {
			states[n-1].Count++
			states[n-1].UserIDs = append(states[n-1].UserIDs, userID)
			out[id] = states
			continue
		}
		out[id] = append(states, ReactionState{Emoji: emoji, Count: 1, UserIDs: []string{userID}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction states: %w", err)
	}
	return out, nil
}

// CreateSentBatch inserts one pending row per target in a single transaction, so a job's
// target fan-out appears atomically.
func (r *PGRepository) CreateSentBatch(ctx context.Context, params []CreateSentParams) ([]Sent, error) {
	var out []Sent
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		for _, p := range params {
			row := tx.QueryRow(ctx,
				`INSERT INTO sent_messages (project_id, platform_config_id, platform, job_id, target_type,
				        target_chat_id, target_user_id, message_text, message_content)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 RETURNING `+sentColumns,
				p.ProjectID, p.PlatformConfigID, p.Platform, p.JobID, p.TargetType,
				p.TargetChatID, p.TargetUserID, p.MessageText, p.MessageContent,
			)
			msg, err := scanSent(row)
			if err != nil {
				return fmt.Errorf("insert sent message: %w", err)
			}
			out = append(out, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListByJob returns every sent-message row belonging to a job in insertion order.
func (r *PGRepository) ListByJob(ctx context.Context, projectID, jobID uuid.UUID) ([]Sent, error) {
	query := fmt.Sprintf(`SELECT %s FROM sent_messages
		WHERE project_id = $1 AND job_id = $2
		ORDER BY created_at, id`, sentColumns)

	rows, err := r.db.Query(ctx, query, projectID, jobID)
	if err != nil {
		return nil, fmt.Errorf("query sent messages by job: %w", err)
	}
	return collectSent(rows)
}

// MarkSent moves a pending row to sent and records the provider's message id. Terminal rows
// are immutable, so a non-pending row returns ErrNotFound.
func (r *PGRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sent_messages
		 SET status = 'sent', provider_message_id = $2, sent_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, providerMessageID)
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed moves a pending row to failed with the final error message.
func (r *PGRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sent_messages
		 SET status = 'failed', error_message = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSent returns a project's sent messages, newest first, narrowed by filter.
func (r *PGRepository) ListSent(ctx context.Context, projectID uuid.UUID, filter SentFilter) ([]Sent, error) {
	where, args := filter.where(projectID)
	args = append(args, ClampLimit(filter.Limit), max(filter.Offset, 0))

	query := fmt.Sprintf(`SELECT %s FROM sent_messages
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d`, sentColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sent messages: %w", err)
	}
	return collectSent(rows)
}

// Stats aggregates a project's traffic counts.
func (r *PGRepository) Stats(ctx context.Context, projectID uuid.UUID) (*Stats, error) {
	var stats Stats

	err := r.db.QueryRow(ctx,
		"SELECT count(*) FROM received_messages WHERE project_id = $1", projectID,
	).Scan(&stats.Received)
	if err != nil {
		return nil, fmt.Errorf("count received messages: %w", err)
	}

	rows, err := r.db.Query(ctx,
		"SELECT status, count(*) FROM sent_messages WHERE project_id = $1 GROUP BY status", projectID)
	if err != nil {
		return nil, fmt.Errorf("count sent messages: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sent counts: %w", err)
		}
		stats.Sent.Total += n
		switch status {
		case StatusPending:
			stats.Sent.Pending = n
		case StatusSent:
			stats.Sent.Sent = n
		case StatusFailed:
			stats.Sent.Failed = n
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent counts: %w", err)
	}

	err = r.db.QueryRow(ctx,
		"SELECT count(*) FROM received_reactions WHERE project_id = $1", projectID,
	).Scan(&stats.Reactions)
	if err != nil {
		return nil, fmt.Errorf("count reactions: %w", err)
	}

	rows, err = r.db.Query(ctx,
		`SELECT platform, sum(received), sum(sent) FROM (
		     SELECT platform, count(*) AS received, 0 AS sent
		     FROM received_messages WHERE project_id = $1 GROUP BY platform
		     UNION ALL
		     SELECT platform, 0, count(*)
		     FROM sent_messages WHERE project_id = $1 GROUP BY platform
		 ) t GROUP BY platform ORDER BY platform`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("count by platform: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pc PlatformCount
		if err := rows.Scan(&pc.Platform, &pc.Received, &pc.Sent); err != nil {
			return nil, fmt.Errorf("scan platform counts: %w", err)
		}
		stats.ByPlatform = append(stats.ByPlatform, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate platform counts: %w", err)
	}
	return &stats, nil
}

// Purge deletes message rows older than the cutoff in one transaction. Received-message
// deletes take their reaction events with them; pending sent rows are left for the outbound
// worker to finish.
func (r *PGRepository) Purge(ctx context.Context, projectID uuid.UUID, before time.Time, kind string) (*PurgeResult, error) {
	var result PurgeResult
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if kind == KindReceived || kind == KindAll {
			if _, err := tx.Exec(ctx,
				`DELETE FROM received_reactions rr
				 USING received_messages m
				 WHERE m.project_id = $1 AND m.received_at < $2
				   AND rr.project_id = m.project_id
				   AND rr.platform_config_id = m.platform_config_id
				   AND rr.provider_message_id = m.provider_message_id`,
				projectID, before); err != nil {
				return fmt.Errorf("purge reactions: %w", err)
			}

			tag, err := tx.Exec(ctx,
				"DELETE FROM received_messages WHERE project_id = $1 AND received_at < $2",
				projectID, before)
			if err != nil {
				return fmt.Errorf("purge received messages: %w", err)
			}
			result.DeletedReceived = tag.RowsAffected()
		}

		if kind == KindSent || kind == KindAll {
			tag, err := tx.Exec(ctx,
				"DELETE FROM sent_messages WHERE project_id = $1 AND created_at < $2 AND status <> 'pending'",
				projectID, before)
			if err != nil {
				return fmt.Errorf("purge sent messages: %w", err)
			}
			result.DeletedSent = tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// where builds the filter's WHERE clause with $1 bound to the project id.
func (f ReceivedFilter) where(projectID uuid.UUID) (string, []any) {
	clauses := []string{"project_id = $1"}
	args := []any{projectID}
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if f.Platform != nil {
		add("platform = $%d", *f.Platform)
	}
	if f.PlatformConfigID != nil {
		add("platform_config_id = $%d", *f.PlatformConfigID)
	}
	if f.ChatID != nil {
		add("provider_chat_id = $%d", *f.ChatID)
	}
	if f.UserID != nil {
		add("provider_user_id = $%d", *f.UserID)
	}
	if f.Since != nil {
		add("received_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("received_at <= $%d", *f.Until)
	}
	return strings.Join(clauses, " AND "), args
}

// where builds the filter's WHERE clause with $1 bound to the project id.
func (f SentFilter) where(projectID uuid.UUID) (string, []any) {
	clauses := []string{"project_id = $1"}
	args := []any{projectID}
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(expr, len(args)))
	}

	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.Platform != nil {
		add("platform = $%d", *f.Platform)
	}
	if f.PlatformConfigID != nil {
		add("platform_config_id = $%d", *f.PlatformConfigID)
	}
	return strings.Join(clauses, " AND "), args
}

func collectReceived(rows pgx.Rows) ([]Received, error) {
	defer rows.Close()

	var messages []Received
	for rows.Next() {
		msg, err := scanReceived(rows)
		if err != nil {
			return nil, fmt.Errorf("scan received message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate received messages: %w", err)
	}
	return messages, nil
}

func collectSent(rows pgx.Rows) ([]Sent, error) {
	defer rows.Close()

	var messages []Sent
	for rows.Next() {
		msg, err := scanSent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sent message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sent messages: %w", err)
	}
	return messages, nil
}

// scanReceived scans a single row into a *Received.
func scanReceived(row pgx.Row) (*Received, error) {
	var msg Received
	err := row.Scan(
		&msg.ID, &msg.ProjectID, &msg.PlatformConfigID, &msg.Platform, &msg.ProviderMessageID,
		&msg.ProviderChatID, &msg.ProviderUserID, &msg.UserDisplay, &msg.MessageText,
		&msg.MessageType, &msg.RawData, &msg.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// scanSent scans a single row into a *Sent.
func scanSent(row pgx.Row) (*Sent, error) {
	var msg Sent
	err := row.Scan(
		&msg.ID, &msg.ProjectID, &msg.PlatformConfigID, &msg.Platform, &msg.JobID,
		&msg.ProviderMessageID, &msg.TargetType, &msg.TargetChatID, &msg.TargetUserID,
		&msg.MessageText, &msg.MessageContent, &msg.Status, &msg.ErrorMessage,
		&msg.SentAt, &msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
