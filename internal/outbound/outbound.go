// Package outbound implements the send pipeline: accepting a multi-target send request, fanning
// it out into per-target sent-message rows plus one queued job, and reporting job status. The
// worker half lives in worker.go.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// QueueName is the job queue consumed by the outbound worker.
const QueueName = "send-message"

// Outbound job retry policy.
const (
	sendMaxAttempts = 3
	sendBackoffBase = 2 * time.Second
)

// platformUnknown fills the denormalized platform column when a target's config cannot be
// resolved at accept time. The worker settles the target's fate either way.
const platformUnknown = "unknown"

// Sentinel errors for the outbound package.
var (
	ErrJobNotFound = errors.New("send job not found")
	ErrNoTargets   = errors.New("targets must not be empty")
	ErrNoContent   = errors.New("message content requires text, attachments, or embeds")
)

// Content is the platform-neutral message body of a send request.
type Content struct {
	Text            string                `json:"text,omitempty"`
	Attachments     []envelope.Attachment `json:"attachments,omitempty"`
	Buttons         []envelope.Button     `json:"buttons,omitempty"`
	Embeds          []envelope.Embed      `json:"embeds,omitempty"`
	PlatformOptions json.RawMessage       `json:"platformOptions,omitempty"`
}

// SendOptions tune delivery of a send request.
type SendOptions struct {
	ReplyTo   string     `json:"replyTo,omitempty"`
	Silent    bool       `json:"silent,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty"`
}

// Metadata is caller-supplied tracking information carried through to the provider raw blob.
type Metadata struct {
	TrackingID string   `json:"trackingId,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Priority   int      `json:"priority,omitempty"`
}

// SendRequest is one accepted send call.
type SendRequest struct {
	Targets  []envelope.Target `json:"targets"`
	Content  Content           `json:"content"`
	Options  *SendOptions      `json:"options,omitempty"`
	Metadata *Metadata         `json:"metadata,omitempty"`
}

// Validate checks the request shape. Target platform ids stay unresolved here; a missing or
// unknown config is a delivery-time failure, not an accept-time one.
func (r *SendRequest) Validate() error {
	if len(r.Targets) == 0 {
		return ErrNoTargets
	}
	for _, tgt := range r.Targets {
		if err := tgt.Validate(); err != nil {
			return err
		}
	}
	if r.Content.Text == "" && len(r.Content.Attachments) == 0 && len(r.Content.Embeds) == 0 {
		return ErrNoContent
	}
	return nil
}

// jobPayload rides in the queue row. Retried jobs carry the identical payload under a new id.
type jobPayload struct {
	ProjectSlug string      `json:"projectSlug"`
	ProjectID   uuid.UUID   `json:"projectId"`
	Message     SendRequest `json:"message"`
}

// Receipt acknowledges an accepted send.
type Receipt struct {
	JobID     uuid.UUID         `json:"jobId"`
	Targets   []envelope.Target `json:"targets"`
	Timestamp time.Time         `json:"timestamp"`
}

// Status reports a send job's queue-side progress.
type Status struct {
	ID           uuid.UUID  `json:"id"`
	State        string     `json:"state"`
	Progress     int        `json:"progress,omitempty"`
	AttemptsMade int        `json:"attemptsMade"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
	Data         StatusData `json:"data"`
}

// StatusData echoes the job payload plus the last recorded error, if any.
type StatusData struct {
	ProjectSlug string      `json:"projectSlug"`
	ProjectID   uuid.UUID   `json:"projectId"`
	Message     SendRequest `json:"message"`
	Error       string      `json:"error,omitempty"`
}

// SentEvent is the payload carried by message.sent and message.failed events.
type SentEvent struct {
	MessageID         uuid.UUID `json:"messageId"`
	JobID             uuid.UUID `json:"jobId"`
	PlatformConfigID  uuid.UUID `json:"platformConfigId"`
	Platform          string    `json:"platform"`
	TargetType        string    `json:"targetType"`
	TargetChatID      string    `json:"targetChatId"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// messageStore is the sent-message surface the pipeline needs. *message.PGRepository
// satisfies it.
type messageStore interface {
	CreateSentBatch(ctx context.Context, params []message.CreateSentParams) ([]message.Sent, error)
	ListByJob(ctx context.Context, projectID, jobID uuid.UUID) ([]message.Sent, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// configStore resolves platform configs. *platformconfig.PGRepository satisfies it.
type configStore interface {
	GetByID(ctx context.Context, projectID, id uuid.UUID) (*platformconfig.Config, error)
}

// jobQueue is the queue surface the pipeline needs. *queue.Store satisfies it.
type jobQueue interface {
	Enqueue(ctx context.Context, queue string, payload any, opts queue.Options) (*queue.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*queue.Job, error)
	SetProgress(ctx context.Context, id uuid.UUID, progress int) error
}

// Service accepts send requests and answers job status queries.
type Service struct {
	messages messageStore
	configs  configStore
	jobs     jobQueue
	log      zerolog.Logger
}

// NewService creates the outbound send service.
func NewService(messages messageStore, configs configStore, jobs jobQueue, logger zerolog.Logger) *Service {
	return &Service{messages: messages, configs: configs, jobs: jobs, log: logger}
}

// Send validates the request, records one pending sent-message row per target, and enqueues the
// delivery job. The rows are committed before the job so a worker claiming it always sees them.
func (s *Service) Send(ctx context.Context, projectID uuid.UUID, projectSlug string, req SendRequest) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.accept(ctx, &jobPayload{ProjectSlug: projectSlug, ProjectID: projectID, Message: req})
}

// Status reports the job's state. Jobs from other projects or other queues answer ErrJobNotFound.
func (s *Service) Status(ctx context.Context, projectID, jobID uuid.UUID) (*Status, error) {
	job, payload, err := s.projectJob(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		ID:           job.ID,
		State:        job.State(time.Now()),
		Progress:     job.Progress,
		AttemptsMade: job.Attempts,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedOn,
		Data: StatusData{
			ProjectSlug: payload.ProjectSlug,
			ProjectID:   payload.ProjectID,
			Message:     payload.Message,
		},
	}
	if job.LastError != nil {
		st.Data.Error = *job.LastError
	}
	return st, nil
}

// Retry re-enqueues the job's payload as a fresh job with its own pending rows. The original
// job and its rows are left untouched.
func (s *Service) Retry(ctx context.Context, projectID, jobID uuid.UUID) (*Receipt, error) {
	_, payload, err := s.projectJob(ctx, projectID, jobID)
	if err != nil {
		return nil, err
	}
	return s.accept(ctx, payload)
}

func (s *Service) projectJob(ctx context.Context, projectID, jobID uuid.UUID) (*queue.Job, *jobPayload, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, nil, ErrJobNotFound
		}
		return nil, nil, fmt.Errorf("load send job: %w", err)
	}
	if job.Queue != QueueName {
		return nil, nil, ErrJobNotFound
	}
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, nil, fmt.Errorf("decode send job payload: %w", err)
	}
	if payload.ProjectID != projectID {
		return nil, nil, ErrJobNotFound
	}
	return job, &payload, nil
}

func (s *Service) accept(ctx context.Context, payload *jobPayload) (*Receipt, error) {
	jobID := uuid.New()

	contentJSON, err := json.Marshal(payload.Message.Content)
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}
	params := make([]message.CreateSentParams, 0, len(payload.Message.Targets))
	for _, tgt := range payload.Message.Targets {
		params = append(params, s.sentParams(ctx, payload, jobID, tgt, contentJSON))
	}
	rows, err := s.messages.CreateSentBatch(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("record sent messages: %w", err)
	}

	opts := queue.Options{JobID: jobID, MaxAttempts: sendMaxAttempts, BackoffBase: sendBackoffBase}
	if o := payload.Message.Options; o != nil && o.Scheduled != nil {
		if d := time.Until(*o.Scheduled); d > 0 {
			opts.Delay = d
		}
	}
	job, err := s.jobs.Enqueue(ctx, QueueName, payload, opts)
	if err != nil {
		s.failOrphans(ctx, rows, err)
		return nil, fmt.Errorf("enqueue send job: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("project_id", payload.ProjectID.String()).
		Int("targets", len(payload.Message.Targets)).
		Msg("Send job accepted")
	return &Receipt{JobID: job.ID, Targets: payload.Message.Targets, Timestamp: job.CreatedAt}, nil
}

// sentParams builds one pending row, denormalizing the platform name when the target's config
// resolves. Unresolvable targets still get a row; the worker fails them with the taxonomy.
func (s *Service) sentParams(ctx context.Context, payload *jobPayload, jobID uuid.UUID, tgt envelope.Target, contentJSON []byte) message.CreateSentParams {
	p := message.CreateSentParams{
		ProjectID:      payload.ProjectID,
		Platform:       platformUnknown,
		JobID:          jobID,
		TargetType:     string(tgt.Type),
		TargetChatID:   tgt.ID,
		MessageContent: contentJSON,
	}
	if text := payload.Message.Content.Text; text != "" {
		p.MessageText = &text
	}
	if tgt.Type == envelope.TargetUser {
		id := tgt.ID
		p.TargetUserID = &id
	}
	if cfgID, err := uuid.Parse(tgt.PlatformID); err == nil {
		p.PlatformConfigID = cfgID
		if cfg, err := s.configs.GetByID(ctx, payload.ProjectID, cfgID); err == nil {
			p.Platform = cfg.Platform
		}
	}
	return p
}

// failOrphans drives rows terminal when their job never made it into the queue.
func (s *Service) failOrphans(ctx context.Context, rows []message.Sent, cause error) {
	msg := "send job was not enqueued: " + cause.Error()
	for i := range rows {
		if err := s.messages.MarkFailed(ctx, rows[i].ID, msg); err != nil {
			s.log.Error().Err(err).Str("sent_message_id", rows[i].ID.String()).Msg("Failed to fail orphaned sent message")
		}
	}
}
