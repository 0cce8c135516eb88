package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/bwmarrin/discordgo"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// maxUploadBytes bounds how much of a URL attachment is buffered for upload. Discord rejects
// bot uploads above 8 MiB anyway.
const maxUploadBytes = 8 << 20

// SendMessage posts the reply to the channel in the envelope's thread id.
func (c *connection) SendMessage(ctx context.Context, env *envelope.Envelope, reply *envelope.Reply) (*platform.SendResult, error) {
	if reply.Empty() {
		return nil, fmt.Errorf("message content not provided")
	}
	channelID := reply.ThreadID
	if channelID == "" {
		channelID = env.ThreadID
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord channel id not provided")
	}

	data := &discordgo.MessageSend{
		Content:    reply.Text,
		Embeds:     embedList(reply.Embeds),
		Components: buttonComponents(reply.Buttons),
	}
	if reply.Silent {
		data.Flags = discordgo.MessageFlagsSuppressNotifications
	}
	if reply.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: reply.ReplyTo, ChannelID: channelID}
	}
	for i := range reply.Attachments {
		file, err := c.attachmentFile(ctx, &reply.Attachments[i])
		if err != nil {
			return nil, err
		}
		data.Files = append(data.Files, file)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.provider.sendTimeout)
	defer cancel()
	msg, err := c.session.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(sendCtx))
	if err != nil {
		return nil, fmt.Errorf("discord send: %w", err)
	}
	return &platform.SendResult{ProviderMessageID: msg.ID}, nil
}

func embedList(embeds []envelope.Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, em := range embeds {
		e := &discordgo.MessageEmbed{Title: em.Title, Description: em.Description, URL: em.URL}
		if em.Color != nil {
			e.Color = *em.Color
		}
		out = append(out, e)
	}
	return out
}

// buttonComponents renders buttons as action rows, five per row as Discord requires.
func buttonComponents(buttons []envelope.Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		return nil
	}
	var rows []discordgo.MessageComponent
	for start := 0; start < len(buttons); start += 5 {
		row := discordgo.ActionsRow{}
		for _, btn := range buttons[start:min(start+5, len(buttons))] {
			row.Components = append(row.Components, discordgo.Button{
				Label:    btn.Text,
				Style:    discordgo.PrimaryButton,
				CustomID: btn.Value,
			})
		}
		rows = append(rows, row)
	}
	return rows
}

// attachmentFile buffers the attachment for upload: URLs are fetched (Discord does not pull
// remote files for bots), inline data is base64-decoded.
func (c *connection) attachmentFile(ctx context.Context, att *envelope.Attachment) (*discordgo.File, error) {
	name := att.Filename
	switch {
	case att.URL != "":
		if name == "" {
			name = path.Base(att.URL)
		}
		body, err := c.fetch(ctx, att.URL)
		if err != nil {
			return nil, fmt.Errorf("fetch attachment: %w", err)
		}
		return &discordgo.File{Name: name, ContentType: att.MimeType, Reader: bytes.NewReader(body)}, nil
	case att.Data != "":
		raw, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid attachment data: %w", err)
		}
		if name == "" {
			name = "attachment"
		}
		return &discordgo.File{Name: name, ContentType: att.MimeType, Reader: bytes.NewReader(raw)}, nil
	default:
		return nil, fmt.Errorf("attachment source not provided")
	}
}

func (c *connection) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.provider.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUploadBytes))
}
