package discord

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/discordgo"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
)

// onMessageCreate translates a gateway message into an envelope. Messages from bots, including
// this one's own sends echoing back, are dropped.
func (c *connection) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	env := envelope.New(Name, c.config.ProjectID, c.config.ID)
	env.ThreadID = m.ChannelID
	env.User = envelope.User{ProviderUserID: m.Author.ID, Display: m.Author.Username}
	if m.Content != "" {
		text := m.Content
		env.Message.Text = &text
	}
	env.Provider = envelope.Provider{EventID: m.ID, Raw: marshalRaw(m.Message)}

	if err := env.Validate(); err != nil {
		c.provider.log.Debug().Err(err).Str("config_id", c.config.ID.String()).Msg("Dropping incomplete Discord message")
		return
	}
	c.provider.bus.PublishEnvelope(&env)
}

// onInteractionCreate handles component interactions (button clicks). The interaction is
// acknowledged with a deferred update so Discord does not show "interaction failed".
func (c *connection) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}

	user := i.User
	if user == nil && i.Member != nil {
		user = i.Member.User
	}

	env := envelope.New(Name, c.config.ProjectID, c.config.ID)
	env.ThreadID = i.ChannelID
	if user != nil {
		env.User = envelope.User{ProviderUserID: user.ID, Display: user.Username}
	}
	env.Action = &envelope.Action{Type: "button", Value: i.MessageComponentData().CustomID}
	env.Provider = envelope.Provider{EventID: i.ID, Raw: marshalRaw(i.Interaction)}

	if err := env.Validate(); err != nil {
		c.provider.log.Debug().Err(err).Str("config_id", c.config.ID.String()).Msg("Dropping incomplete Discord interaction")
		return
	}
	c.provider.bus.PublishEnvelope(&env)

	ack := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	if err := c.session.InteractionRespond(i.Interaction, ack); err != nil {
		c.provider.recorder.ErrorMessage(context.Background(), c.origin, "Interaction acknowledgement failed", err)
	}
}

func marshalRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
