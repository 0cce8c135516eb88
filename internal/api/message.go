package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/outbound"
)

// MessageHandler serves the send pipeline surface and message history.
type MessageHandler struct {
	outbound *outbound.Service
	messages message.Repository
	log      zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(out *outbound.Service, messages message.Repository, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{outbound: out, messages: messages, log: logger}
}

// sendReceiptModel acknowledges an accepted send. The job is queued, not delivered; delivery
// outcomes arrive later through status polling, history, or webhooks.
type sendReceiptModel struct {
	JobID     uuid.UUID         `json:"jobId"`
	Status    string            `json:"status"`
	Targets   []envelope.Target `json:"targets"`
	Timestamp time.Time         `json:"timestamp"`
}

type receivedModel struct {
	ID                uuid.UUID            `json:"id"`
	ProjectID         uuid.UUID            `json:"projectId"`
	PlatformConfigID  uuid.UUID            `json:"platformConfigId"`
	Platform          string               `json:"platform"`
	ProviderMessageID string               `json:"providerMessageId"`
	ProviderChatID    string               `json:"providerChatId"`
	ProviderUserID    string               `json:"providerUserId"`
	UserDisplay       *string              `json:"userDisplay,omitempty"`
	MessageText       *string              `json:"messageText,omitempty"`
	MessageType       string               `json:"messageType"`
	RawData           json.RawMessage      `json:"rawData,omitempty"`
	ReceivedAt        time.Time            `json:"receivedAt"`
	Reactions         []reactionGroupModel `json:"reactions,omitempty"`
}

type reactionGroupModel struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

type sentModel struct {
	ID                uuid.UUID       `json:"id"`
	ProjectID         uuid.UUID       `json:"projectId"`
	PlatformConfigID  uuid.UUID       `json:"platformConfigId"`
	Platform          string          `json:"platform"`
	JobID             uuid.UUID       `json:"jobId"`
	ProviderMessageID *string         `json:"providerMessageId,omitempty"`
	TargetType        string          `json:"targetType"`
	TargetChatID      string          `json:"targetChatId"`
	TargetUserID      *string         `json:"targetUserId,omitempty"`
	MessageText       *string         `json:"messageText,omitempty"`
	MessageContent    json.RawMessage `json:"messageContent,omitempty"`
	Status            string          `json:"status"`
	ErrorMessage      *string         `json:"errorMessage,omitempty"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type statsModel struct {
	Received   int64                `json:"received"`
	Sent       sentStatsModel       `json:"sent"`
	Reactions  int64                `json:"reactions"`
	ByPlatform []platformCountModel `json:"byPlatform"`
}

type sentStatsModel struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
}

type platformCountModel struct {
	Platform string `json:"platform"`
	Received int64  `json:"received"`
	Sent     int64  `json:"sent"`
}

type purgeRequest struct {
	Before string `json:"before"`
	Kind   string `json:"kind"`
}

type purgeResultModel struct {
	DeletedReceived int64 `json:"deletedReceived"`
	DeletedSent     int64 `json:"deletedSent"`
}

func toReceivedModel(m *message.Received) receivedModel {
	return receivedModel{
		ID:                m.ID,
		ProjectID:         m.ProjectID,
		PlatformConfigID:  m.PlatformConfigID,
		Platform:          m.Platform,
		ProviderMessageID: m.ProviderMessageID,
		ProviderChatID:    m.ProviderChatID,
		ProviderUserID:    m.ProviderUserID,
		UserDisplay:       m.UserDisplay,
		MessageText:       m.MessageText,
		MessageType:       m.MessageType,
		RawData:           m.RawData,
		ReceivedAt:        m.ReceivedAt,
	}
}

func toSentModel(m *message.Sent) sentModel {
	return sentModel{
		ID:                m.ID,
		ProjectID:         m.ProjectID,
		PlatformConfigID:  m.PlatformConfigID,
		Platform:          m.Platform,
		JobID:             m.JobID,
		ProviderMessageID: m.ProviderMessageID,
		TargetType:        m.TargetType,
		TargetChatID:      m.TargetChatID,
		TargetUserID:      m.TargetUserID,
		MessageText:       m.MessageText,
		MessageContent:    m.MessageContent,
		Status:            m.Status,
		ErrorMessage:      m.ErrorMessage,
		SentAt:            m.SentAt,
		CreatedAt:         m.CreatedAt,
	}
}

func toStatsModel(s *message.Stats) statsModel {
	out := statsModel{
		Received: s.Received,
		Sent: sentStatsModel{
			Total:   s.Sent.Total,
			Pending: s.Sent.Pending,
			Sent:    s.Sent.Sent,
			Failed:  s.Sent.Failed,
		},
		Reactions:  s.Reactions,
		ByPlatform: make([]platformCountModel, 0, len(s.ByPlatform)),
	}
	for _, pc := range s.ByPlatform {
		out.ByPlatform = append(out.ByPlatform, platformCountModel(pc))
	}
	return out
}

// Send handles POST /api/v1/projects/:project/messages/send. Acceptance means the job and its
// per-target pending rows are durable; it says nothing about delivery.
func (h *MessageHandler) Send(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var req outbound.SendRequest
	if err := c.Bind().Body(&req); err != nil {
		if errors.Is(err, envelope.ErrMalformedTarget) || errors.Is(err, envelope.ErrUnknownTarget) {
			return failValidation(c, err)
		}
		return failInvalidBody(c)
	}

	receipt, err := h.outbound.Send(c, proj.ID, proj.Slug, req)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, sendReceiptModel{
		JobID:     receipt.JobID,
		Status:    "queued",
		Targets:   receipt.Targets,
		Timestamp: receipt.Timestamp,
	})
}

// Status handles GET /api/v1/projects/:project/messages/status/:jobId.
func (h *MessageHandler) Status(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	jobID, ok := paramUUID(c, "jobId")
	if !ok {
		return h.mapMessageError(c, outbound.ErrJobNotFound)
	}

	status, err := h.outbound.Status(c, proj.ID, jobID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, status)
}

// Retry handles POST /api/v1/projects/:project/messages/retry/:jobId. The original job is left
// untouched; the retry is a fresh job with the same payload and its own id.
func (h *MessageHandler) Retry(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	jobID, ok := paramUUID(c, "jobId")
	if !ok {
		return h.mapMessageError(c, outbound.ErrJobNotFound)
	}

	receipt, err := h.outbound.Retry(c, proj.ID, jobID)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, sendReceiptModel{
		JobID:     receipt.JobID,
		Status:    "queued",
		Targets:   receipt.Targets,
		Timestamp: receipt.Timestamp,
	})
}

// ListReceived handles GET /api/v1/projects/:project/messages. With reactions=true each message
// carries its currently-visible reaction groups.
func (h *MessageHandler) ListReceived(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}
	configID, err := queryUUID(c, "platformConfigId")
	if err != nil {
		return failValidation(c, err)
	}
	since, err := queryTime(c, "since")
	if err != nil {
		return failValidation(c, err)
	}
	until, err := queryTime(c, "until")
	if err != nil {
		return failValidation(c, err)
	}

	filter := message.ReceivedFilter{
		Platform:         optString(c, "platform"),
		PlatformConfigID: configID,
		ChatID:           optString(c, "chatId"),
		UserID:           optString(c, "userId"),
		Since:            since,
		Until:            until,
		Limit:            pg.Limit,
		Offset:           pg.Offset,
	}

	msgs, err := h.messages.ListReceived(c, proj.ID, filter)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	result := make([]receivedModel, 0, len(msgs))
	for i := range msgs {
		result = append(result, toReceivedModel(&msgs[i]))
	}

	if c.Query("reactions") == "true" && len(result) > 0 {
		ids := make([]uuid.UUID, 0, len(result))
		for _, m := range result {
			ids = append(ids, m.ID)
		}
		reactions, err := h.messages.VisibleReactions(c, ids)
		if err != nil {
			return h.mapMessageError(c, err)
		}
		for i := range result {
			for _, st := range reactions[result[i].ID] {
				result[i].Reactions = append(result[i].Reactions, reactionGroupModel{
					Emoji:   st.Emoji,
					Count:   st.Count,
					UserIDs: st.UserIDs,
				})
			}
		}
	}

	return httputil.Success(c, result)
}

// ListSent handles GET /api/v1/projects/:project/messages/sent.
func (h *MessageHandler) ListSent(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	pg, err := parsePage(c)
	if err != nil {
		return failValidation(c, err)
	}
	configID, err := queryUUID(c, "platformConfigId")
	if err != nil {
		return failValidation(c, err)
	}
	status := optString(c, "status")
	if status != nil && !message.ValidStatus(*status) {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "status must be pending, sent, or failed")
	}

	filter := message.SentFilter{
		Status:           status,
		Platform:         optString(c, "platform"),
		PlatformConfigID: configID,
		Limit:            pg.Limit,
		Offset:           pg.Offset,
	}

	msgs, err := h.messages.ListSent(c, proj.ID, filter)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	result := make([]sentModel, 0, len(msgs))
	for i := range msgs {
		result = append(result, toSentModel(&msgs[i]))
	}
	return httputil.Success(c, result)
}

// Stats handles GET /api/v1/projects/:project/messages/stats.
func (h *MessageHandler) Stats(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	stats, err := h.messages.Stats(c, proj.ID)
	if err != nil {
		return h.mapMessageError(c, err)
	}
	return httputil.Success(c, toStatsModel(stats))
}

// Purge handles DELETE /api/v1/projects/:project/messages: retention trims of history older
// than a cutoff.
func (h *MessageHandler) Purge(c fiber.Ctx) error {
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}

	var body purgeRequest
	if err := c.Bind().Body(&body); err != nil {
		return failInvalidBody(c)
	}
	if body.Before == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "before is required")
	}
	before, err := time.Parse(time.RFC3339, body.Before)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, "before must be an RFC3339 timestamp")
	}
	kind, err := message.ValidateKind(body.Kind)
	if err != nil {
		return failValidation(c, err)
	}

	result, err := h.messages.Purge(c, proj.ID, before, kind)
	if err != nil {
		return h.mapMessageError(c, err)
	}

	return httputil.Success(c, purgeResultModel{
		DeletedReceived: result.DeletedReceived,
		DeletedSent:     result.DeletedSent,
	})
}

func (h *MessageHandler) mapMessageError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, outbound.ErrNoTargets),
		errors.Is(err, outbound.ErrNoContent),
		errors.Is(err, envelope.ErrMalformedTarget),
		errors.Is(err, envelope.ErrUnknownTarget),
		errors.Is(err, message.ErrInvalidKind):
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, outbound.ErrJobNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, httputil.CodeNotFound, "Send job not found")
	default:
		h.log.Error().Err(err).Str("handler", "message").Msg("unhandled message service error")
		return failInternal(c)
	}
}
