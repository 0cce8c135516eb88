package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// SendMessage delivers a reply to the chat in the envelope's thread id. Text goes out first with
// HTML formatting, then each attachment as its own message; buttons ride the first message sent.
func (c *connection) SendMessage(ctx context.Context, env *envelope.Envelope, reply *envelope.Reply) (*platform.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reply.Empty() {
		return nil, fmt.Errorf("message content not provided")
	}

	thread := reply.ThreadID
	if thread == "" {
		thread = env.ThreadID
	}
	chatID, err := strconv.ParseInt(thread, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q", thread)
	}

	markup := buttonMarkup(reply.Buttons)
	text := c.renderText(reply)

	var firstID int
	if text != "" {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableNotification = reply.Silent
		if reply.ReplyTo != "" {
			if id, err := strconv.Atoi(reply.ReplyTo); err == nil {
				msg.ReplyToMessageID = id
			}
		}
		if markup != nil {
			msg.ReplyMarkup = *markup
			markup = nil
		}
		sent, err := c.bot.Send(msg)
		if err != nil {
			return nil, fmt.Errorf("telegram send: %w", err)
		}
		firstID = sent.MessageID
	}

	for i := range reply.Attachments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sent, err := c.sendAttachment(chatID, &reply.Attachments[i], reply.Silent, markup)
		markup = nil
		if err != nil {
			return nil, fmt.Errorf("telegram send attachment: %w", err)
		}
		if firstID == 0 {
			firstID = sent.MessageID
		}
	}

	return &platform.SendResult{ProviderMessageID: strconv.Itoa(firstID)}, nil
}

// renderText sanitises the reply text for HTML mode and folds embeds, which Telegram has no
// native type for, into formatted blocks.
func (c *connection) renderText(reply *envelope.Reply) string {
	var b strings.Builder
	if reply.Text != "" {
		b.WriteString(c.provider.policy.Sanitize(reply.Text))
	}
	for _, em := range reply.Embeds {
		block := renderEmbed(em)
		if block == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(block)
	}
	return strings.TrimSpace(b.String())
}

func renderEmbed(em envelope.Embed) string {
	var parts []string
	if em.Title != "" {
		parts = append(parts, "<b>"+tgbotapi.EscapeText(tgbotapi.ModeHTML, em.Title)+"</b>")
	}
	if em.Description != "" {
		parts = append(parts, tgbotapi.EscapeText(tgbotapi.ModeHTML, em.Description))
	}
	if em.URL != "" {
		parts = append(parts, em.URL)
	}
	return strings.Join(parts, "\n")
}

// buttonMarkup lays buttons out one per row; Value round-trips as the callback data.
func buttonMarkup(buttons []envelope.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, btn := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(btn.Text, btn.Value)))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &markup
}

func (c *connection) sendAttachment(chatID int64, att *envelope.Attachment, silent bool, markup *tgbotapi.InlineKeyboardMarkup) (tgbotapi.Message, error) {
	file, err := attachmentFile(att)
	if err != nil {
		return tgbotapi.Message{}, err
	}
	caption := ""
	if att.Caption != "" {
		caption = tgbotapi.EscapeText(tgbotapi.ModeHTML, att.Caption)
	}

	if strings.HasPrefix(att.MimeType, "image/") {
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		photo.ParseMode = tgbotapi.ModeHTML
		photo.DisableNotification = silent
		if markup != nil {
			photo.ReplyMarkup = *markup
		}
		return c.bot.Send(photo)
	}

	doc := tgbotapi.NewDocument(chatID, file)
	doc.Caption = caption
	doc.ParseMode = tgbotapi.ModeHTML
	doc.DisableNotification = silent
	if markup != nil {
		doc.ReplyMarkup = *markup
	}
	return c.bot.Send(doc)
}

// attachmentFile picks the upload source: a URL Telegram fetches itself, or inline base64 data.
func attachmentFile(att *envelope.Attachment) (tgbotapi.RequestFileData, error) {
	switch {
	case att.URL != "":
		return tgbotapi.FileURL(att.URL), nil
	case att.Data != "":
		raw, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid attachment data: %w", err)
		}
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		return tgbotapi.FileBytes{Name: name, Bytes: raw}, nil
	default:
		return nil, fmt.Errorf("attachment source not provided")
	}
}
