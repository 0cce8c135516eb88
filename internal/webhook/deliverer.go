package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/crypto"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-GateKit-Signature"

// maxResponseBytes bounds how much of a subscriber's response body is persisted per attempt.
const maxResponseBytes = 2048

// deliveryStore is the repository surface attempts need. *PGRepository satisfies it.
type deliveryStore interface {
	GetDeliveryTask(ctx context.Context, deliveryID uuid.UUID) (*Delivery, *Webhook, error)
	RecordAttempt(ctx context.Context, deliveryID uuid.UUID, status string, responseCode *int, responseBody *string) error
}

// Deliverer executes delivery jobs: one signed POST per attempt, with the outcome recorded on
// the delivery row. Intermediate failures keep the row pending so the queue's backoff drives
// the next attempt; only the final attempt settles it as failed.
type Deliverer struct {
	webhooks deliveryStore
	client   *http.Client
	log      zerolog.Logger
}

// NewDeliverer creates a deliverer whose POSTs time out after timeout.
func NewDeliverer(webhooks deliveryStore, timeout time.Duration, logger zerolog.Logger) *Deliverer {
	return &Deliverer{
		webhooks: webhooks,
		client:   &http.Client{Timeout: timeout},
		log:      logger.With().Str("component", "webhook_deliverer").Logger(),
	}
}

// Handle processes one claimed delivery job.
func (dl *Deliverer) Handle(ctx context.Context, job *queue.Job) error {
	var payload deliveryJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid delivery payload: %w", err))
	}

	delivery, wh, err := dl.webhooks.GetDeliveryTask(ctx, payload.DeliveryID)
	if err != nil {
		if errors.Is(err, ErrDeliveryNotFound) {
			// The webhook, and its deliveries with it, were deleted mid-flight.
			return queue.Permanent(err)
		}
		return fmt.Errorf("load delivery task: %w", err)
	}
	if delivery.Status != DeliveryPending {
		return nil
	}
	if !wh.IsActive {
		reason := "webhook deactivated"
		dl.record(ctx, delivery.ID, DeliveryFailed, nil, &reason)
		return nil
	}

	log := dl.log.With().
		Str("delivery_id", delivery.ID.String()).
		Str("webhook_id", wh.ID.String()).
		Str("event", delivery.Event).
		Int("attempt", job.Attempts).
		Logger()

	code, respBody, err := dl.post(ctx, wh, delivery.Payload)
	if err == nil && code >= 200 && code < 300 {
		dl.record(ctx, delivery.ID, DeliverySuccess, &code, optionalBody(respBody))
		log.Info().Int("status", code).Msg("Webhook delivered")
		return nil
	}

	status := DeliveryPending
	if job.Attempts >= job.MaxAttempts {
		status = DeliveryFailed
	}
	if err != nil {
		reason := err.Error()
		dl.record(ctx, delivery.ID, status, nil, &reason)
		log.Warn().Err(err).Msg("Webhook delivery attempt failed")
		return fmt.Errorf("post webhook: %w", err)
	}
	dl.record(ctx, delivery.ID, status, &code, optionalBody(respBody))
	log.Warn().Int("status", code).Msg("Webhook delivery attempt rejected")
	return fmt.Errorf("webhook endpoint returned %d", code)
}

// post sends the stored body unchanged, signed with the webhook's current secret.
func (dl *Deliverer) post(ctx context.Context, wh *Webhook, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, crypto.SignPayload(wh.Secret, body))

	resp, err := dl.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode, string(b), nil
}

func (dl *Deliverer) record(ctx context.Context, id uuid.UUID, status string, code *int, body *string) {
	if err := dl.webhooks.RecordAttempt(ctx, id, status, code, body); err != nil {
		dl.log.Error().Err(err).Str("delivery_id", id.String()).Msg("Failed to record delivery attempt")
	}
}

func optionalBody(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
