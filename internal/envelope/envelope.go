package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Version is the only envelope version this server produces or accepts.
const Version = "1"

// Sentinel errors for the envelope package.
var (
	ErrMissingProject  = errors.New("envelope project id must not be empty")
	ErrMissingChannel  = errors.New("envelope channel must not be empty")
	ErrMissingUser     = errors.New("envelope provider user id must not be empty")
	ErrMissingEventID  = errors.New("envelope provider event id must not be empty")
	ErrUnknownTarget   = errors.New("unknown target type")
	ErrMalformedTarget = errors.New("malformed target")
)

// Envelope is the canonical message object exchanged between adapters and the pipelines. Adapters
// translate provider-native payloads into Envelopes and back; nothing outside an adapter ever
// touches a provider type. Provider.Raw carries the original payload opaquely.
type Envelope struct {
	Version          string    `json:"version"`
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"ts"`
	Channel          string    `json:"channel"`
	ProjectID        uuid.UUID `json:"projectId"`
	PlatformConfigID uuid.UUID `json:"platformConfigId"`
	ThreadID         string    `json:"threadId,omitempty"`
	User             User      `json:"user"`
	Message          Message   `json:"message"`
	Action           *Action   `json:"action,omitempty"`
	Reaction         *Reaction `json:"reaction,omitempty"`
	Provider         Provider  `json:"provider"`
}

// User identifies the message author in provider terms.
type User struct {
	ProviderUserID string `json:"providerUserId"`
	Display        string `json:"display,omitempty"`
}

// Message holds the textual content, when any.
type Message struct {
	Text *string `json:"text,omitempty"`
}

// Action describes an interactive event such as a button click.
type Action struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Reaction marks the envelope as a reaction event. MessageID names the provider message the
// reaction applies to; the envelope's own event id stays that of the reaction event itself.
type Reaction struct {
	Emoji string `json:"emoji"`
	// Type is "added" or "removed".
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
}

// Provider carries provider-side identifiers and the untouched native payload.
type Provider struct {
	EventID string          `json:"eventId"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// Reaction type values.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

// NewID returns a fresh ULID for use as an envelope ID. ULIDs sort by creation time, which keeps
// envelope logs naturally ordered.
func NewID() string {
	return ulid.Make().String()
}

// New returns an envelope with the version, a fresh ID, and the current timestamp filled in.
func New(channel string, projectID, platformConfigID uuid.UUID) Envelope {
	return Envelope{
		Version:          Version,
		ID:               NewID(),
		Timestamp:        time.Now().UTC(),
		Channel:          channel,
		ProjectID:        projectID,
		PlatformConfigID: platformConfigID,
	}
}

// Validate checks the fields every adapter-produced envelope must carry.
func (e *Envelope) Validate() error {
	if e.ProjectID == uuid.Nil {
		return ErrMissingProject
	}
	if e.Channel == "" {
		return ErrMissingChannel
	}
	if e.User.ProviderUserID == "" {
		return ErrMissingUser
	}
	if e.Provider.EventID == "" {
		return ErrMissingEventID
	}
	return nil
}

// Text returns the message text or "" when absent.
func (e *Envelope) Text() string {
	if e.Message.Text == nil {
		return ""
	}
	return *e.Message.Text
}

// Reply describes an outbound message handed to an adapter's SendMessage.
type Reply struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Buttons     []Button     `json:"buttons,omitempty"`
	Embeds      []Embed      `json:"embeds,omitempty"`
	ThreadID    string       `json:"threadId,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Silent      bool         `json:"silent,omitempty"`
}

// Attachment is an outbound file reference: either a fetchable URL or inline base64 data.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Button is an interactive button; Value round-trips as the action value on click.
type Button struct {
	Text  string `json:"text"`
	Value string `json:"value"`
}

// Embed is a rich content card for platforms that support them.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       *int   `json:"color,omitempty"`
}

// Empty reports whether the reply carries no deliverable content.
func (r *Reply) Empty() bool {
	return r.Text == "" && len(r.Attachments) == 0 && len(r.Embeds) == 0
}
