package discord

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
)

type fakeSession struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	handlers  []any
	removed   int
	sentTo    []string
	sent      []*discordgo.MessageSend
	responses []*discordgo.InteractionResponse
	openErr   error
	sendErr   error
}

func (f *fakeSession) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSession) AddHandler(h any) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removed++
	}
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sentTo = append(f.sentTo, channelID)
	f.sent = append(f.sent, data)
	return &discordgo.Message{ID: "555"}, nil
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSession) fireMessage(m *discordgo.MessageCreate) {
	f.mu.Lock()
	handlers := append([]any(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.MessageCreate)); ok {
			fn(nil, m)
		}
	}
}

func (f *fakeSession) fireInteraction(i *discordgo.InteractionCreate) {
	f.mu.Lock()
	handlers := append([]any(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.InteractionCreate)); ok {
			fn(nil, i)
		}
	}
}

func newTestProvider(t *testing.T, maxConns int) (*Provider, *fakeSession, *bus.Bus) {
	t.Helper()
	fake := &fakeSession{}
	b := bus.New()
	cfg := &config.Config{DiscordMaxConnections: maxConns, SendTimeout: 5 * time.Second, WSSendTimeout: 5 * time.Second}
	p := New(b, platformlog.NewRecorder(nil, zerolog.Nop()), cfg, zerolog.Nop())
	p.dial = func(string) (session, error) { return fake, nil }
	return p, fake, b
}

func testPlatformConfig() *platformconfig.Config {
	return &platformconfig.Config{ID: uuid.New(), ProjectID: uuid.New(), Platform: Name, IsActive: true}
}

func connectTestBot(t *testing.T, p *Provider) (*platformconfig.Config, platform.Connection) {
	t.Helper()
	cfg := testPlatformConfig()
	conn, err := p.Connect(context.Background(), cfg, platform.Credentials{"token": "bot-token"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return cfg, conn
}

func TestNewSessionSetsIntents(t *testing.T) {
	t.Parallel()

	s, err := newSession("token")
	if err != nil {
		t.Fatalf("newSession() error = %v", err)
	}
	sess := s.(*discordgo.Session)
	want := discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent | discordgo.IntentDirectMessages
	if sess.Identify.Intents != want {
		t.Errorf("Identify.Intents = %d, want %d", sess.Identify.Intents, want)
	}
}

func TestProviderConnect(t *testing.T) {
	t.Parallel()

	p, fake, _ := newTestProvider(t, 10)
	cfg, conn := connectTestBot(t, p)

	if !fake.opened {
		t.Error("Connect() did not open the gateway session")
	}
	if len(fake.handlers) != 2 {
		t.Errorf("Connect() registered %d handlers, want 2", len(fake.handlers))
	}
	if !conn.Healthy() {
		t.Error("Connect() returned an unhealthy connection")
	}
	if _, ok := p.Lookup(platform.ConnectionKey(cfg.ProjectID, cfg.ID)); !ok {
		t.Error("Connect() did not record the connection")
	}
}

func TestProviderConnectMissingToken(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProvider(t, 10)
	_, err := p.Connect(context.Background(), testPlatformConfig(), platform.Credentials{})
	if err == nil {
		t.Fatal("Connect() with no token succeeded")
	}
	if !platform.IsPermanentSendError(err) {
		t.Errorf("Connect() error %v should classify as permanent", err)
	}
}

func TestProviderConnectionLimit(t *testing.T) {
	t.Parallel()

	p, fake, _ := newTestProvider(t, 1)
	connectTestBot(t, p)

	second := &fakeSession{}
	p.dial = func(string) (session, error) { return second, nil }

	_, err := p.Connect(context.Background(), testPlatformConfig(), platform.Credentials{"token": "bot-token"})
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("Connect() error = %v, want connection limit error", err)
	}
	if second.opened && !second.closed {
		t.Error("Connect() leaked an open session past the limit")
	}
	if fake.closed {
		t.Error("Connect() closed the existing connection")
	}
}

func TestProviderConnectReplacesExistingConnection(t *testing.T) {
	t.Parallel()

	// Cap of 1: the redial replaces the slot rather than counting against the limit.
	p, fake, _ := newTestProvider(t, 1)
	cfg, _ := connectTestBot(t, p)

	second := &fakeSession{}
	p.dial = func(string) (session, error) { return second, nil }

	conn, err := p.Connect(context.Background(), cfg, platform.Credentials{"token": "rotated-token"})
	if err != nil {
		t.Fatalf("Connect() redial error = %v", err)
	}
	if !conn.Healthy() {
		t.Error("redial returned an unhealthy connection")
	}

	if !fake.closed {
		t.Error("redial left the displaced gateway session open")
	}
	if fake.removed != len(fake.handlers) {
		t.Errorf("redial removed %d of %d handlers on the displaced session", fake.removed, len(fake.handlers))
	}
	if !second.opened || second.closed {
		t.Error("redial did not leave the replacement session open")
	}

	got, ok := p.Lookup(platform.ConnectionKey(cfg.ProjectID, cfg.ID))
	if !ok || got != conn {
		t.Error("redial did not install the replacement connection")
	}
	if health := p.Health(); health.Connections != 1 {
		t.Errorf("Health().Connections = %d, want 1 after redial", health.Connections)
	}
}

func TestProviderConnectOpenFailureRemovesHandlers(t *testing.T) {
	t.Parallel()

	p, fake, _ := newTestProvider(t, 10)
	fake.openErr = errors.New("gateway down")

	_, err := p.Connect(context.Background(), testPlatformConfig(), platform.Credentials{"token": "bot-token"})
	if err == nil {
		t.Fatal("Connect() succeeded with a failing gateway")
	}
	if fake.removed != len(fake.handlers) {
		t.Errorf("Connect() removed %d of %d handlers after failed open", fake.removed, len(fake.handlers))
	}
}

func TestConnectionSendMessage(t *testing.T) {
	t.Parallel()

	p, fake, _ := newTestProvider(t, 10)
	_, conn := connectTestBot(t, p)

	color := 0xFF0000
	reply := &envelope.Reply{
		Text:    "hello",
		Silent:  true,
		ReplyTo: "444",
		Buttons: []envelope.Button{{Text: "OK", Value: "ok"}},
		Embeds:  []envelope.Embed{{Title: "Title", Description: "Desc", Color: &color}},
	}
	res, err := conn.SendMessage(context.Background(), &envelope.Envelope{ThreadID: "chan1"}, reply)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if res.ProviderMessageID != "555" {
		t.Errorf("SendMessage() provider message id = %q, want %q", res.ProviderMessageID, "555")
	}

	if fake.sentTo[0] != "chan1" {
		t.Errorf("SendMessage() channel = %q, want %q", fake.sentTo[0], "chan1")
	}
	data := fake.sent[0]
	if data.Content != "hello" {
		t.Errorf("SendMessage() content = %q, want %q", data.Content, "hello")
	}
	if data.Flags&discordgo.MessageFlagsSuppressNotifications == 0 {
		t.Error("SendMessage() silent reply did not suppress notifications")
	}
	if data.Reference == nil || data.Reference.MessageID != "444" {
		t.Errorf("SendMessage() reference = %+v, want message 444", data.Reference)
	}
	if len(data.Embeds) != 1 || data.Embeds[0].Color != color {
		t.Errorf("SendMessage() embeds = %+v, want one with color %d", data.Embeds, color)
	}
	if len(data.Components) != 1 {
		t.Fatalf("SendMessage() components = %d rows, want 1", len(data.Components))
	}
	row := data.Components[0].(discordgo.ActionsRow)
	btn := row.Components[0].(discordgo.Button)
	if btn.CustomID != "ok" || btn.Label != "OK" {
		t.Errorf("SendMessage() button = %+v, want OK/ok", btn)
	}
}

func TestConnectionSendInlineAttachment(t *testing.T) {
	t.Parallel()

	p, fake, _ := newTestProvider(t, 10)
	_, conn := connectTestBot(t, p)

	reply := &envelope.Reply{Attachments: []envelope.Attachment{{
		Data:     "aGVsbG8=",
		Filename: "greeting.txt",
		MimeType: "text/plain",
	}}}
	if _, err := conn.SendMessage(context.Background(), &envelope.Envelope{ThreadID: "chan1"}, reply); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	files := fake.sent[0].Files
	if len(files) != 1 || files[0].Name != "greeting.txt" {
		t.Fatalf("SendMessage() files = %+v, want greeting.txt", files)
	}
	content, err := io.ReadAll(files[0].Reader)
	if err != nil {
		t.Fatalf("reading attachment: %v", err)
	}
	if string(content) != "hello" {
		t.Errorf("attachment content = %q, want %q", content, "hello")
	}
}

func TestOnMessageCreate(t *testing.T) {
	t.Parallel()

	p, fake, b := newTestProvider(t, 10)
	cfg, _ := connectTestBot(t, p)

	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	fake.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan1",
		Content:   "hi",
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
	}})

	select {
	case ev := <-ch:
		env := ev.Envelope
		if env == nil {
			t.Fatalf("bus event carries no envelope: %+v", ev)
		}
		if env.Channel != Name || env.ProjectID != cfg.ProjectID {
			t.Errorf("envelope channel/project = %s/%s, want %s/%s", env.Channel, env.ProjectID, Name, cfg.ProjectID)
		}
		if env.ThreadID != "chan1" || env.Text() != "hi" || env.User.ProviderUserID != "u1" {
			t.Errorf("envelope = %+v, want chan1/hi/u1", env)
		}
	default:
		t.Fatal("no envelope published")
	}

	// Bot authors are dropped.
	fake.fireMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "chan1",
		Content:   "beep",
		Author:    &discordgo.User{ID: "u2", Username: "robot", Bot: true},
	}})
	select {
	case ev := <-ch:
		t.Errorf("bot message published: %+v", ev)
	default:
	}
}

func TestOnInteractionCreate(t *testing.T) {
	t.Parallel()

	p, fake, b := newTestProvider(t, 10)
	_, _ = connectTestBot(t, p)

	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	fake.fireInteraction(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "i1",
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "chan1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1", Username: "alice"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: "confirm"},
	}})

	select {
	case ev := <-ch:
		env := ev.Envelope
		if env == nil || env.Action == nil {
			t.Fatalf("bus event carries no action envelope: %+v", ev)
		}
		if env.Action.Type != "button" || env.Action.Value != "confirm" {
			t.Errorf("envelope action = %+v, want button/confirm", env.Action)
		}
	default:
		t.Fatal("no envelope published")
	}

	if len(fake.responses) != 1 || fake.responses[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Errorf("interaction responses = %+v, want one deferred update", fake.responses)
	}
}

func TestCloseRemovesListeners(t *testing.T) {
	t.Parallel()

	p, fake, _ := newTestProvider(t, 10)
	cfg, _ := connectTestBot(t, p)

	p.Disconnect(context.Background(), platform.ConnectionKey(cfg.ProjectID, cfg.ID))

	if fake.removed != len(fake.handlers) {
		t.Errorf("Disconnect() removed %d of %d handlers", fake.removed, len(fake.handlers))
	}
	if !fake.closed {
		t.Error("Disconnect() left the session open")
	}
	if got := p.Health(); got.Connections != 0 {
		t.Errorf("Health().Connections = %d, want 0", got.Connections)
	}
}
