// Package telegram implements the Telegram platform provider. Each connection is one bot: dialing
// registers the bot's webhook with Telegram, inbound updates become envelopes, and outbound
// messages go through the Bot API in HTML mode.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
)

// Name is the provider name platform configs reference.
const Name = "telegram"

// Provider implements platform.WebhookProvider backed by the Telegram Bot API.
type Provider struct {
	mu    sync.RWMutex
	conns map[string]*connection

	bus      *bus.Bus
	recorder *platformlog.Recorder
	log      zerolog.Logger

	baseURL  string
	endpoint string // Bot API endpoint pattern; tests point this at a local server
	client   *http.Client
	policy   *bluemonday.Policy
}

// New creates the Telegram provider.
func New(b *bus.Bus, recorder *platformlog.Recorder, cfg *config.Config, logger zerolog.Logger) *Provider {
	return &Provider{
		conns:    make(map[string]*connection),
		bus:      b,
		recorder: recorder,
		log:      logger.With().Str("platform", Name).Logger(),
		baseURL:  cfg.APIBaseURL,
		endpoint: tgbotapi.APIEndpoint,
		client:   &http.Client{Timeout: cfg.SendTimeout},
		policy:   htmlPolicy(),
	}
}

// htmlPolicy allows only the tags Telegram's HTML parse mode accepts. Telegram rejects the whole
// message on any unknown tag, so everything else is stripped before sending.
func htmlPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "ins", "s", "strike", "del", "code", "pre", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "tg")
	return p
}

func (p *Provider) Info() platform.Info {
	return platform.Info{
		Name:           Name,
		DisplayName:    "Telegram",
		ConnectionType: platform.ConnectionWebhook,
		Capabilities: []string{
			platform.CapSendMessage,
			platform.CapReceiveMessage,
			platform.CapAttachments,
			platform.CapButtons,
			platform.CapThreads,
		},
	}
}

func (p *Provider) Initialize(context.Context) error { return nil }

// Connect authenticates the bot token and registers the config's webhook with Telegram.
func (p *Provider) Connect(ctx context.Context, cfg *platformconfig.Config, creds platform.Credentials) (platform.Connection, error) {
	token := creds["token"]
	if token == "" {
		return nil, fmt.Errorf("telegram bot token not provided")
	}
	webhookToken := creds[platform.CredentialWebhookToken]
	if webhookToken == "" {
		return nil, fmt.Errorf("webhook token not provided")
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, p.endpoint, p.client)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}

	conn := &connection{
		provider: p,
		bot:      bot,
		config:   cfg,
		origin:   platformlog.Origin{ProjectID: cfg.ProjectID, PlatformConfigID: &cfg.ID, Platform: Name},
	}
	if err := conn.registerWebhook(p.baseURL, webhookToken); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[platform.ConnectionKey(cfg.ProjectID, cfg.ID)] = conn
	p.mu.Unlock()

	p.log.Info().Str("config_id", cfg.ID.String()).Str("bot", bot.Self.UserName).Msg("Telegram bot connected")
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

// Disconnect drops the connection and deregisters its webhook: the config is gone for good, so
// Telegram should stop posting to it.
func (p *Provider) Disconnect(ctx context.Context, key string) {
	p.mu.Lock()
	conn, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if !ok {
		return
	}
	conn.removeWebhook()
	_ = conn.Close(ctx)
}

func (p *Provider) HandleLifecycle(context.Context, platform.LifecycleEvent) error {
	// Webhook registration rides the dial; no extra per-transition work.
	return nil
}

func (p *Provider) Health() platform.Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return platform.Health{Healthy: true, Connections: len(p.conns)}
}

// Shutdown closes all connections but leaves webhooks registered, so Telegram queues updates
// until the process comes back.
func (p *Provider) Shutdown(ctx context.Context) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*connection)
	p.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close(ctx)
	}
}

// connection is one bot wired to one platform config.
type connection struct {
	provider *Provider
	bot      *tgbotapi.BotAPI
	config   *platformconfig.Config
	origin   platformlog.Origin
}

func (c *connection) registerWebhook(baseURL, webhookToken string) error {
	wh, err := tgbotapi.NewWebhook(baseURL + "/api/v1/webhooks/telegram/" + webhookToken)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	wh.AllowedUpdates = []string{"message", "callback_query", "inline_query"}
	if _, err := c.bot.Request(wh); err != nil {
		return fmt.Errorf("register telegram webhook: %w", err)
	}
	return nil
}

func (c *connection) removeWebhook() {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		c.provider.log.Warn().Err(err).Str("config_id", c.config.ID.String()).Msg("Failed to deregister Telegram webhook")
	}
}

func (c *connection) Healthy() bool { return true }

func (c *connection) Close(context.Context) error { return nil }
