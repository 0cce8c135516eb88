package whatsappevo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// webhookEvent is the outer shape of every Evolution webhook post.
type webhookEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type connectionData struct {
	State string `json:"state"`
}

type qrcodeData struct {
	QRCode struct {
		Base64 string `json:"base64"`
		Code   string `json:"code"`
	} `json:"qrcode"`
}

// upsertData is the message payload inside MESSAGES_UPSERT events.
type upsertData struct {
	Key struct {
		RemoteJid   string `json:"remoteJid"`
		FromMe      bool   `json:"fromMe"`
		ID          string `json:"id"`
		Participant string `json:"participant"`
	} `json:"key"`
	PushName string `json:"pushName"`
	Message  struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ReactionMessage struct {
			Key struct {
				ID string `json:"id"`
			} `json:"key"`
			Text string `json:"text"`
		} `json:"reactionMessage"`
	} `json:"message"`
}

// HandleWebhook translates one Evolution event into state changes or envelopes. Evolution
// subscribes events by their upper-snake names but delivers them lower-dotted, so the event
// name is normalized before dispatch.
func (p *Provider) HandleWebhook(ctx context.Context, conn platform.Connection, cfg *platformconfig.Config, body []byte) error {
	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("invalid evolution event: %w", err)
	}
	wc, ok := conn.(*connection)
	if !ok {
		return fmt.Errorf("invalid connection type for whatsapp webhook")
	}

	switch normalizeEvent(event.Event) {
	case "connection.update":
		var data connectionData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("invalid connection update: %w", err)
		}
		wc.setState(ctx, data.State)
	case "qrcode.updated":
		var data qrcodeData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("invalid qrcode update: %w", err)
		}
		qr := data.QRCode.Base64
		if qr == "" {
			qr = data.QRCode.Code
		}
		wc.setQR(qr)
		p.recorder.LogConnection(ctx, wc.origin, "WhatsApp pairing QR code refreshed", nil)
	case "messages.upsert":
		var data upsertData
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("invalid message upsert: %w", err)
		}
		p.publishUpsert(cfg, &data, body)
	case "send.message":
		// Echo of our own outbound send; the delivery pipeline already recorded it.
	default:
		p.log.Debug().Str("config_id", cfg.ID.String()).Str("event", event.Event).Msg("Ignoring unhandled Evolution event")
	}
	return nil
}

func (p *Provider) publishUpsert(cfg *platformconfig.Config, data *upsertData, raw []byte) {
	if data.Key.FromMe {
		return
	}

	env := envelope.New(Name, cfg.ProjectID, cfg.ID)
	env.ThreadID = data.Key.RemoteJid
	userID := data.Key.Participant
	if userID == "" {
		userID = data.Key.RemoteJid
	}
	env.User = envelope.User{ProviderUserID: userID, Display: data.PushName}
	env.Provider = envelope.Provider{EventID: data.Key.ID, Raw: raw}

	if rm := data.Message.ReactionMessage; rm.Key.ID != "" {
		// An empty reaction text is WhatsApp's removal signal.
		kind := envelope.ReactionAdded
		if rm.Text == "" {
			kind = envelope.ReactionRemoved
		}
		env.Reaction = &envelope.Reaction{Emoji: rm.Text, Type: kind, MessageID: rm.Key.ID}
	} else {
		text := data.Message.Conversation
		if text == "" {
			text = data.Message.ExtendedTextMessage.Text
		}
		if text == "" {
			p.log.Debug().Str("config_id", cfg.ID.String()).Str("event_id", data.Key.ID).Msg("Ignoring Evolution message without text")
			return
		}
		env.Message.Text = &text
	}

	if err := env.Validate(); err != nil {
		p.log.Debug().Err(err).Str("config_id", cfg.ID.String()).Msg("Dropping incomplete WhatsApp message")
		return
	}
	p.bus.PublishEnvelope(&env)
}

func normalizeEvent(event string) string {
	return strings.ReplaceAll(strings.ToLower(event), "_", ".")
}
