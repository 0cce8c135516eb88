package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// HandleWebhook translates one Telegram update into an envelope and publishes it. Malformed JSON
// is an error; updates with no mapped shape are quietly dropped so Telegram does not redeliver.
func (p *Provider) HandleWebhook(ctx context.Context, conn platform.Connection, cfg *platformconfig.Config, body []byte) error {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("invalid telegram update: %w", err)
	}

	switch {
	case update.Message != nil:
		p.publishMessage(cfg, update.Message, body)
	case update.CallbackQuery != nil:
		p.publishCallback(ctx, conn, cfg, update.CallbackQuery, body)
	case update.InlineQuery != nil:
		p.log.Debug().Str("config_id", cfg.ID.String()).Msg("Ignoring inline query")
	default:
		p.log.Debug().Str("config_id", cfg.ID.String()).Int("update_id", update.UpdateID).Msg("Ignoring unhandled update type")
	}
	return nil
}

func (p *Provider) publishMessage(cfg *platformconfig.Config, msg *tgbotapi.Message, raw []byte) {
	env := envelope.New(Name, cfg.ProjectID, cfg.ID)
	if msg.Chat != nil {
		env.ThreadID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.From != nil {
		env.User = envelope.User{ProviderUserID: strconv.FormatInt(msg.From.ID, 10), Display: displayName(msg.From)}
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text != "" {
		env.Message.Text = &text
	}
	env.Provider = envelope.Provider{EventID: strconv.Itoa(msg.MessageID), Raw: raw}

	if err := env.Validate(); err != nil {
		p.log.Debug().Err(err).Str("config_id", cfg.ID.String()).Msg("Dropping incomplete Telegram message")
		return
	}
	p.bus.PublishEnvelope(&env)
}

func (p *Provider) publishCallback(ctx context.Context, conn platform.Connection, cfg *platformconfig.Config, cq *tgbotapi.CallbackQuery, raw []byte) {
	env := envelope.New(Name, cfg.ProjectID, cfg.ID)
	if cq.Message != nil && cq.Message.Chat != nil {
		env.ThreadID = strconv.FormatInt(cq.Message.Chat.ID, 10)
	}
	if cq.From != nil {
		env.User = envelope.User{ProviderUserID: strconv.FormatInt(cq.From.ID, 10), Display: displayName(cq.From)}
	}
	env.Action = &envelope.Action{Type: "button", Value: cq.Data}
	env.Provider = envelope.Provider{EventID: cq.ID, Raw: raw}

	if err := env.Validate(); err != nil {
		p.log.Debug().Err(err).Str("config_id", cfg.ID.String()).Msg("Dropping incomplete Telegram callback")
		return
	}
	p.bus.PublishEnvelope(&env)

	// Telegram keeps the client's spinner until the callback is acknowledged.
	if tc, ok := conn.(*connection); ok {
		if _, err := tc.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			p.recorder.ErrorWebhook(ctx, tc.origin, "Callback acknowledgement failed", err)
		}
	}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
