package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// connector resolves a live platform connection for a config. *platform.Registry satisfies it.
type connector interface {
	Connect(ctx context.Context, cfg *platformconfig.Config) (platform.Connection, error)
}

// Worker drives one send job's targets to their terminal states. Handle is the queue handler;
// attempts re-process only rows still pending, so a retried job never re-sends a delivered
// target.
type Worker struct {
	messages messageStore
	configs  configStore
	registry connector
	jobs     jobQueue
	bus      *bus.Bus
	log      zerolog.Logger
}

// NewWorker creates the outbound delivery worker.
func NewWorker(messages messageStore, configs configStore, registry connector, jobs jobQueue, b *bus.Bus, logger zerolog.Logger) *Worker {
	return &Worker{messages: messages, configs: configs, registry: registry, jobs: jobs, bus: b, log: logger}
}

// Handle processes one claimed send job. Permanent target failures fail their rows immediately;
// transient ones leave the row pending for the next attempt, or fail it when attempts are
// exhausted. The job as a whole fails non-retryably as soon as any target failed permanently —
// and because that ends the job, rows a transient failure would otherwise retry are failed in
// the same pass rather than stranded pending.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) error {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("invalid send payload: %w", err))
	}

	rows, err := w.messages.ListByJob(ctx, payload.ProjectID, job.ID)
	if err != nil {
		return fmt.Errorf("load sent messages: %w", err)
	}

	finalAttempt := job.Attempts >= job.MaxAttempts
	var permanentErr, transientErr error
	type retryable struct {
		row   *message.Sent
		cause error
	}
	var deferred []retryable
	done := 0
	for i := range rows {
		row := &rows[i]
		if row.Status != message.StatusPending {
			done++
			continue
		}

		res, err := w.deliver(ctx, &payload, row)
		switch {
		case err == nil:
			done++
			w.settle(ctx, row, res.ProviderMessageID, nil)
		case platform.IsPermanentSendError(err):
			done++
			w.settle(ctx, row, "", err)
			if permanentErr == nil {
				permanentErr = err
			}
		default:
			if finalAttempt {
				done++
				w.settle(ctx, row, "", err)
			} else {
				deferred = append(deferred, retryable{row: row, cause: err})
			}
			if transientErr == nil {
				transientErr = err
			}
		}
	}

	// A permanent failure ends the job, so no later attempt will revisit the rows left
	// pending by transient failures. Fail them now; every row must land terminal.
	if permanentErr != nil {
		for _, d := range deferred {
			done++
			w.settle(ctx, d.row, "", d.cause)
		}
	}

	if total := len(rows); total > 0 {
		if err := w.jobs.SetProgress(ctx, job.ID, done*100/total); err != nil {
			w.log.Debug().Err(err).Str("job_id", job.ID.String()).Msg("Failed to record job progress")
		}
	}

	if permanentErr != nil {
		return queue.Permanent(permanentErr)
	}
	return transientErr
}

// deliver resolves the target's config and connection, then sends. Error wording is chosen
// against the permanent-marker set: unresolvable configs and disabled configs must never be
// retried, while transport hiccups must be.
func (w *Worker) deliver(ctx context.Context, payload *jobPayload, row *message.Sent) (*platform.SendResult, error) {
	if row.PlatformConfigID == uuid.Nil {
		return nil, fmt.Errorf("Platform configuration not found for target %s", row.TargetChatID)
	}
	cfg, err := w.configs.GetByID(ctx, payload.ProjectID, row.PlatformConfigID)
	if err != nil {
		if errors.Is(err, platformconfig.ErrNotFound) {
			return nil, fmt.Errorf("Platform configuration %s not found", row.PlatformConfigID)
		}
		return nil, fmt.Errorf("load platform configuration: %w", err)
	}
	if !cfg.IsActive {
		return nil, fmt.Errorf("Platform configuration %s is disabled", cfg.ID)
	}

	conn, err := w.registry.Connect(ctx, cfg)
	if err != nil {
		if errors.Is(err, platform.ErrUnknownPlatform) {
			return nil, fmt.Errorf("platform adapter not found: %w", err)
		}
		return nil, fmt.Errorf("connect %s: %w", cfg.Platform, err)
	}

	env, reply := buildSend(payload, cfg, row)
	res, err := conn.SendMessage(ctx, env, reply)
	if err != nil && isTimeout(err) {
		return nil, fmt.Errorf("send timed out: %w", err)
	}
	return res, err
}

// settle drives the row terminal and emits the matching lifecycle event. cause nil means sent.
func (w *Worker) settle(ctx context.Context, row *message.Sent, providerMessageID string, cause error) {
	event := SentEvent{
		MessageID:        row.ID,
		JobID:            row.JobID,
		PlatformConfigID: row.PlatformConfigID,
		Platform:         row.Platform,
		TargetType:       row.TargetType,
		TargetChatID:     row.TargetChatID,
	}

	if cause == nil {
		if err := w.messages.MarkSent(ctx, row.ID, providerMessageID); err != nil {
			w.log.Error().Err(err).Str("sent_message_id", row.ID.String()).Msg("Failed to mark message sent")
			return
		}
		event.ProviderMessageID = providerMessageID
		w.bus.Publish(bus.EventMessageSent, row.ProjectID, event)
		return
	}

	if err := w.messages.MarkFailed(ctx, row.ID, cause.Error()); err != nil {
		w.log.Error().Err(err).Str("sent_message_id", row.ID.String()).Msg("Failed to mark message failed")
		return
	}
	event.Error = cause.Error()
	w.bus.Publish(bus.EventMessageFailed, row.ProjectID, event)
}

func buildSend(payload *jobPayload, cfg *platformconfig.Config, row *message.Sent) (*envelope.Envelope, *envelope.Reply) {
	env := envelope.New(cfg.Platform, payload.ProjectID, cfg.ID)
	env.ThreadID = row.TargetChatID
	env.User = envelope.User{ProviderUserID: "system", Display: "System"}
	raw, _ := json.Marshal(struct {
		PlatformID uuid.UUID `json:"platformId"`
		Metadata   *Metadata `json:"metadata,omitempty"`
	}{PlatformID: cfg.ID, Metadata: payload.Message.Metadata})
	env.Provider = envelope.Provider{EventID: row.JobID.String(), Raw: raw}

	content := payload.Message.Content
	reply := &envelope.Reply{
		Text:        content.Text,
		Attachments: content.Attachments,
		Buttons:     content.Buttons,
		Embeds:      content.Embeds,
	}
	if o := payload.Message.Options; o != nil {
		reply.ReplyTo = o.ReplyTo
		reply.Silent = o.Silent
	}
	return &env, reply
}

// isTimeout spots deadline failures so they can be reworded into the permanent taxonomy.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
