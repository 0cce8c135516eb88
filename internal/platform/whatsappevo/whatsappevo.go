// Package whatsappevo implements the WhatsApp platform provider on top of an Evolution API
// deployment. Evolution owns the actual WhatsApp session; the adapter configures Evolution's
// webhook to point back at the gateway and tracks the session through the events it posts.
package whatsappevo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
)

// Name is the provider name platform configs reference.
const Name = "whatsapp-evo"

// instanceName is the shared Evolution instance every config talks to. Instances are managed
// manually on the Evolution side; the gateway never creates or deletes them.
const instanceName = "gatekit"

// Connection states driven by Evolution's CONNECTION_UPDATE events.
const (
	StateClose      = "close"
	StateConnecting = "connecting"
	StateOpen       = "open"
)

// webhookEvents is what the adapter subscribes to on Evolution's side.
var webhookEvents = []string{"QRCODE_UPDATED", "CONNECTION_UPDATE", "MESSAGES_UPSERT", "SEND_MESSAGE"}

// Provider implements platform.WebhookProvider via the Evolution API.
type Provider struct {
	mu    sync.RWMutex
	conns map[string]*connection

	bus      *bus.Bus
	recorder *platformlog.Recorder
	log      zerolog.Logger

	baseURL string
	client  *http.Client
}

// New creates the WhatsApp provider.
func New(b *bus.Bus, recorder *platformlog.Recorder, cfg *config.Config, logger zerolog.Logger) *Provider {
	return &Provider{
		conns:    make(map[string]*connection),
		bus:      b,
		recorder: recorder,
		log:      logger.With().Str("platform", Name).Logger(),
		baseURL:  cfg.APIBaseURL,
		client:   &http.Client{Timeout: cfg.SendTimeout},
	}
}

func (p *Provider) Info() platform.Info {
	return platform.Info{
		Name:           Name,
		DisplayName:    "WhatsApp (Evolution)",
		ConnectionType: platform.ConnectionWebhook,
		Capabilities: []string{
			platform.CapSendMessage,
			platform.CapReceiveMessage,
			platform.CapAttachments,
			platform.CapReactions,
		},
	}
}

func (p *Provider) Initialize(context.Context) error { return nil }

// Connect points Evolution's webhook at this config's ingress URL. The WhatsApp session itself
// may still be pairing; its state arrives through CONNECTION_UPDATE events afterwards.
func (p *Provider) Connect(ctx context.Context, cfg *platformconfig.Config, creds platform.Credentials) (platform.Connection, error) {
	apiURL := creds["evolutionApiUrl"]
	if apiURL == "" {
		return nil, fmt.Errorf("evolution api url not provided")
	}
	apiKey := creds["evolutionApiKey"]
	if apiKey == "" {
		return nil, fmt.Errorf("evolution api key not provided")
	}
	webhookToken := creds[platform.CredentialWebhookToken]
	if webhookToken == "" {
		return nil, fmt.Errorf("webhook token not provided")
	}

	conn := &connection{
		provider: p,
		api:      newClient(apiURL, apiKey, p.client),
		config:   cfg,
		origin:   platformlog.Origin{ProjectID: cfg.ProjectID, PlatformConfigID: &cfg.ID, Platform: Name},
		state:    StateClose,
	}
	callback := p.baseURL + "/api/v1/webhooks/whatsapp-evo/" + webhookToken
	if err := conn.api.setWebhook(ctx, callback, webhookEvents); err != nil {
		return nil, fmt.Errorf("configure evolution webhook: %w", err)
	}

	p.mu.Lock()
	p.conns[platform.ConnectionKey(cfg.ProjectID, cfg.ID)] = conn
	p.mu.Unlock()

	p.log.Info().Str("config_id", cfg.ID.String()).Str("instance", instanceName).Msg("Evolution webhook configured")
	return conn, nil
}

func (p *Provider) Lookup(key string) (platform.Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	conn, ok := p.conns[key]
	if !ok {
		return nil, false
	}
	return conn, true
}

func (p *Provider) Disconnect(ctx context.Context, key string) {
	p.mu.Lock()
	conn, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if ok {
		_ = conn.Close(ctx)
	}
}

func (p *Provider) HandleLifecycle(context.Context, platform.LifecycleEvent) error { return nil }

func (p *Provider) Health() platform.Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return platform.Health{Healthy: true, Connections: len(p.conns)}
}

func (p *Provider) Shutdown(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*connection)
	p.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(ctx)
	}
}

// connection tracks one config's Evolution-side session: a three-state FSM fed by
// CONNECTION_UPDATE events plus the latest pairing QR code.
type connection struct {
	provider *Provider
	api      *client
	config   *platformconfig.Config
	origin   platformlog.Origin

	mu    sync.Mutex
	state string
	qr    string
}

// State returns the current connection state: close, connecting, or open.
func (c *connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QRCode returns the most recent pairing QR code, empty once the session is established.
func (c *connection) QRCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr
}

func (c *connection) setState(ctx context.Context, state string) {
	c.mu.Lock()
	prev := c.state
	c.state = state
	if state == StateOpen {
		c.qr = ""
	}
	c.mu.Unlock()

	if prev != state {
		c.provider.recorder.LogConnection(ctx, c.origin, "WhatsApp connection state changed", map[string]any{
			"from": prev,
			"to":   state,
		})
	}
}

func (c *connection) setQR(qr string) {
	c.mu.Lock()
	c.qr = qr
	c.mu.Unlock()
}

func (c *connection) Healthy() bool {
	return c.State() == StateOpen
}

func (c *connection) Close(context.Context) error {
	c.mu.Lock()
	c.state = StateClose
	c.qr = ""
	c.mu.Unlock()
	return nil
}

// SendMessage delivers the reply through Evolution: text first, then one sendMedia call per
// attachment. Embeds degrade to plain text since WhatsApp has no rich cards.
func (c *connection) SendMessage(ctx context.Context, env *envelope.Envelope, reply *envelope.Reply) (*platform.SendResult, error) {
	if reply.Empty() {
		return nil, fmt.Errorf("message content not provided")
	}
	number := reply.ThreadID
	if number == "" {
		number = env.ThreadID
	}
	if number == "" {
		return nil, fmt.Errorf("whatsapp chat id not provided")
	}

	var firstID string
	if text := renderText(reply); text != "" {
		id, err := c.api.sendText(ctx, number, text)
		if err != nil {
			return nil, fmt.Errorf("whatsapp send: %w", err)
		}
		firstID = id
	}

	for i := range reply.Attachments {
		id, err := c.api.sendMedia(ctx, number, &reply.Attachments[i])
		if err != nil {
			return nil, fmt.Errorf("whatsapp send media: %w", err)
		}
		if firstID == "" {
			firstID = id
		}
	}

	return &platform.SendResult{ProviderMessageID: firstID}, nil
}

// renderText flattens text and embeds into one WhatsApp message, using * for bold titles.
func renderText(reply *envelope.Reply) string {
	parts := make([]string, 0, 1+len(reply.Embeds))
	if reply.Text != "" {
		parts = append(parts, reply.Text)
	}
	for _, em := range reply.Embeds {
		var lines []string
		if em.Title != "" {
			lines = append(lines, "*"+em.Title+"*")
		}
		if em.Description != "" {
			lines = append(lines, em.Description)
		}
		if em.URL != "" {
			lines = append(lines, em.URL)
		}
		if len(lines) > 0 {
			parts = append(parts, strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}
