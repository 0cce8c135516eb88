package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/crypto"
	"github.com/gatekit-io/gatekit-server/internal/postgres"
)

const secretBytes = 32

const selectColumns = "id, project_id, name, url, events, secret, is_active, created_at, updated_at"

const deliveryColumns = `id, webhook_id, event, payload, status, attempt_count, last_attempt_at,
response_code, response_body, created_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed webhook repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create registers a webhook, generating a signing secret when none is supplied.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Webhook, error) {
	secret := params.Secret
	if secret == "" {
		secret = crypto.RandomHex(secretBytes)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO webhooks (project_id, name, url, events, secret)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		params.ProjectID, params.Name, params.URL, params.Events, secret,
	)
	wh, err := scanWebhook(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("insert webhook: %w", err)
	}
	return wh, nil
}

// Get returns a webhook by id within a project.
func (r *PGRepository) Get(ctx context.Context, projectID, id uuid.UUID) (*Webhook, error) {
	row := r.db.QueryRow(ctx,
		"SELECT "+selectColumns+" FROM webhooks WHERE id = $2 AND project_id = $1",
		projectID, id,
	)
	wh, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return wh, nil
}

// List returns a project's webhooks, newest first.
func (r *PGRepository) List(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Webhook, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM webhooks
		 WHERE project_id = $1
		 ORDER BY created_at DESC, id
		 LIMIT $2 OFFSET $3`,
		projectID, ClampLimit(limit), max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	return collectWebhooks(rows)
}

// ListActiveForEvent returns the project's active webhooks subscribed to the given event.
func (r *PGRepository) ListActiveForEvent(ctx context.Context, projectID uuid.UUID, event string) ([]Webhook, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM webhooks
		 WHERE project_id = $1 AND is_active AND $2 = ANY(events)
		 ORDER BY created_at, id`,
		projectID, event,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhooks for event: %w", err)
	}
	return collectWebhooks(rows)
}

// Update applies non-nil fields to a webhook.
func (r *PGRepository) Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Webhook, error) {
	if params.Name == nil && params.URL == nil && params.Events == nil &&
		params.Secret == nil && params.IsActive == nil {
		return r.Get(ctx, projectID, id)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE webhooks
		 SET name = COALESCE($3, name),
		     url = COALESCE($4, url),
		     events = COALESCE($5, events),
		     secret = COALESCE($6, secret),
		     is_active = COALESCE($7, is_active),
		     updated_at = now()
		 WHERE id = $2 AND project_id = $1
		 RETURNING `+selectColumns,
		projectID, id, params.Name, params.URL, params.Events, params.Secret, params.IsActive,
	)
	wh, err := scanWebhook(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update webhook: %w", err)
	}
	return wh, nil
}

// Delete removes a webhook. Its deliveries are removed by cascade.
func (r *PGRepository) Delete(ctx context.Context, projectID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM webhooks WHERE id = $2 AND project_id = $1",
		projectID, id,
	)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDelivery records a pending delivery for one event to one webhook.
func (r *PGRepository) CreateDelivery(ctx context.Context, webhookID uuid.UUID, event string, payload json.RawMessage) (*Delivery, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO webhook_deliveries (webhook_id, event, payload)
		 VALUES ($1, $2, $3)
		 RETURNING `+deliveryColumns,
		webhookID, event, payload,
	)
	d, err := scanDelivery(row)
	if err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	return d, nil
}

// GetDeliveryTask loads a delivery together with its webhook in one round trip, so a worker
// attempt always signs with the webhook's current secret and URL.
func (r *PGRepository) GetDeliveryTask(ctx context.Context, deliveryID uuid.UUID) (*Delivery, *Webhook, error) {
	row := r.db.QueryRow(ctx,
		`SELECT d.id, d.webhook_id, d.event, d.payload, d.status, d.attempt_count,
		        d.last_attempt_at, d.response_code, d.response_body, d.created_at,
		        w.id, w.project_id, w.name, w.url, w.events, w.secret, w.is_active,
		        w.created_at, w.updated_at
		 FROM webhook_deliveries d
		 JOIN webhooks w ON w.id = d.webhook_id
		 WHERE d.id = $1`,
		deliveryID,
	)

	var (
		d  Delivery
		wh Webhook
	)
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.Event, &d.Payload, &d.Status, &d.AttemptCount,
		&d.LastAttemptAt, &d.ResponseCode, &d.ResponseBody, &d.CreatedAt,
		&wh.ID, &wh.ProjectID, &wh.Name, &wh.URL, &wh.Events, &wh.Secret, &wh.IsActive,
		&wh.CreatedAt, &wh.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrDeliveryNotFound
		}
		return nil, nil, fmt.Errorf("get delivery task: %w", err)
	}
	return &d, &wh, nil
}

// RecordAttempt updates a delivery after one POST attempt.
func (r *PGRepository) RecordAttempt(ctx context.Context, deliveryID uuid.UUID, status string, responseCode *int, responseBody *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempt_count = attempt_count + 1, last_attempt_at = now(),
		     response_code = $3, response_body = $4
		 WHERE id = $1`,
		deliveryID, status, responseCode, responseBody,
	)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// ListDeliveries returns a webhook's deliveries, newest first, narrowed by filter. The webhook
// must belong to the project.
func (r *PGRepository) ListDeliveries(ctx context.Context, projectID, webhookID uuid.UUID, filter DeliveryFilter) ([]Delivery, error) {
	clauses := []string{"w.project_id = $1", "d.webhook_id = $2"}
	args := []any{projectID, webhookID}
	if filter.Event != nil {
		args = append(args, *filter.Event)
		clauses = append(clauses, fmt.Sprintf("d.event = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		clauses = append(clauses, fmt.Sprintf("d.status = $%d", len(args)))
	}
	args = append(args, ClampLimit(filter.Limit), max(filter.Offset, 0))

	query := fmt.Sprintf(`SELECT %s FROM webhook_deliveries d
		JOIN webhooks w ON w.id = d.webhook_id
		WHERE %s
		ORDER BY d.created_at DESC, d.id
		LIMIT $%d OFFSET $%d`,
		prefixColumns("d", deliveryColumns), strings.Join(clauses, " AND "), len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// prefixColumns qualifies each column in a comma-separated list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func collectWebhooks(rows pgx.Rows) ([]Webhook, error) {
	defer rows.Close()

	var webhooks []Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook: %w", err)
		}
		webhooks = append(webhooks, *wh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhooks: %w", err)
	}
	return webhooks, nil
}

// scanWebhook scans a single row into a *Webhook.
func scanWebhook(row pgx.Row) (*Webhook, error) {
	var wh Webhook
	err := row.Scan(
		&wh.ID, &wh.ProjectID, &wh.Name, &wh.URL, &wh.Events, &wh.Secret, &wh.IsActive,
		&wh.CreatedAt, &wh.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &wh, nil
}

// scanDelivery scans a single row into a *Delivery.
func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.Event, &d.Payload, &d.Status, &d.AttemptCount,
		&d.LastAttemptAt, &d.ResponseCode, &d.ResponseBody, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
