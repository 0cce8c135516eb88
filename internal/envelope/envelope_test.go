package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func validEnvelope() Envelope {
	e := New("telegram", uuid.New(), uuid.New())
	e.User = User{ProviderUserID: "524", Display: "ada"}
	e.Provider = Provider{EventID: "update-9"}
	return e
}

func TestNewFillsDefaults(t *testing.T) {
	t.Parallel()

	projectID := uuid.New()
	configID := uuid.New()
	e := New("discord", projectID, configID)

	if e.Version != Version {
		t.Errorf("Version = %q, want %q", e.Version, Version)
	}
	if e.ID == "" {
		t.Error("ID is empty")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp is zero")
	}
	if e.ProjectID != projectID || e.PlatformConfigID != configID {
		t.Errorf("ids not carried: %+v", e)
	}
}

func TestNewIDIsSortable(t *testing.T) {
	t.Parallel()

	a := NewID()
	b := NewID()
	if a == b {
		t.Fatalf("two ids collided: %q", a)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Errorf("unexpected id lengths: %q %q", a, b)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*Envelope) {},
		},
		{
			name:    "missing project",
			mutate:  func(e *Envelope) { e.ProjectID = uuid.Nil },
			wantErr: ErrMissingProject,
		},
		{
			name:    "missing channel",
			mutate:  func(e *Envelope) { e.Channel = "" },
			wantErr: ErrMissingChannel,
		},
		{
			name:    "missing user",
			mutate:  func(e *Envelope) { e.User.ProviderUserID = "" },
			wantErr: ErrMissingUser,
		},
		{
			name:    "missing event id",
			mutate:  func(e *Envelope) { e.Provider.EventID = "" },
			wantErr: ErrMissingEventID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := validEnvelope()
			tt.mutate(&e)
			if err := e.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelopeText(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	if got := e.Text(); got != "" {
		t.Errorf("Text() on empty message = %q, want empty", got)
	}

	text := "hello"
	e.Message.Text = &text
	if got := e.Text(); got != "hello" {
		t.Errorf("Text() = %q, want %q", got, "hello")
	}
}

func TestEnvelopeJSONShape(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	text := "hi"
	e.Message.Text = &text

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}

	for _, key := range []string{"version", "id", "ts", "channel", "projectId", "platformConfigId", "user", "message", "provider"} {
		if _, ok := m[key]; !ok {
			t.Errorf("marshaled envelope missing %q", key)
		}
	}
	for _, key := range []string{"action", "reaction", "threadId"} {
		if _, ok := m[key]; ok {
			t.Errorf("marshaled envelope carries empty optional %q", key)
		}
	}
}

func TestReplyEmpty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply Reply
		want  bool
	}{
		{name: "nothing", reply: Reply{}, want: true},
		{name: "only thread routing", reply: Reply{ThreadID: "t1", Silent: true}, want: true},
		{name: "text", reply: Reply{Text: "hi"}, want: false},
		{name: "attachment", reply: Reply{Attachments: []Attachment{{URL: "https://x/y.png"}}}, want: false},
		{name: "embed", reply: Reply{Embeds: []Embed{{Title: "t"}}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := tt.reply.Empty(); got != tt.want {
				t.Errorf("Empty() = %v, want %v", got, tt.want)
			}
		})
	}
}
