// Package discord implements the Discord platform provider. Connections are live gateway
// sessions: inbound traffic arrives over the socket rather than webhooks, and outbound messages
// go through the REST API against the channel in the envelope's thread id.
package discord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/config"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
)

// Name is the provider name platform configs reference.
const Name = "discord"

// session is the slice of discordgo.Session the provider uses. Tests substitute a fake so no
// gateway connection is needed.
type session interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Provider implements platform.Provider over Discord gateway sessions.
type Provider struct {
	mu    sync.RWMutex
	conns map[string]*connection

	bus      *bus.Bus
	recorder *platformlog.Recorder
	log      zerolog.Logger

	maxConns    int
	sendTimeout time.Duration
	client      *http.Client

	dial func(token string) (session, error)
}

// New creates the Discord provider.
func New(b *bus.Bus, recorder *platformlog.Recorder, cfg *config.Config, logger zerolog.Logger) *Provider {
	return &Provider{
		conns:       make(map[string]*connection),
		bus:         b,
		recorder:    recorder,
		log:         logger.With().Str("platform", Name).Logger(),
		maxConns:    cfg.DiscordMaxConnections,
		sendTimeout: cfg.WSSendTimeout,
		client:      &http.Client{Timeout: cfg.SendTimeout},
		dial:        newSession,
	}
}

// newSession builds a configured gateway session. The intents cover guild and direct messages
// plus message content, which Discord gates behind an explicit opt-in.
func newSession(token string) (session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentDirectMessages
	return s, nil
}

func (p *Provider) Info() platform.Info {
	return platform.Info{
		Name:           Name,
		DisplayName:    "Discord",
		ConnectionType: platform.ConnectionWebsocket,
		Capabilities: []string{
			platform.CapSendMessage,
			platform.CapReceiveMessage,
			platform.CapAttachments,
			platform.CapEmbeds,
			platform.CapButtons,
			platform.CapThreads,
		},
	}
}

func (p *Provider) Initialize(context.Context) error { return nil }

// Connect opens a gateway session for the config. The per-process connection cap is enforced
// twice: a cheap check before dialing and a final one when the connection is stored, so a lost
// race never leaks an open session. A key that already holds a connection is a forced redial
// (credentials changed): the replacement does not count against the cap, and the displaced
// session is closed so its gateway handlers come off with it.
func (p *Provider) Connect(ctx context.Context, cfg *platformconfig.Config, creds platform.Credentials) (platform.Connection, error) {
	token := creds["token"]
	if token == "" {
		return nil, fmt.Errorf("discord bot token not provided")
	}

	key := platform.ConnectionKey(cfg.ProjectID, cfg.ID)
	p.mu.RLock()
	_, replacing := p.conns[key]
	n := len(p.conns)
	p.mu.RUnlock()
	if !replacing && n >= p.maxConns {
		return nil, fmt.Errorf("discord connection limit reached (%d)", p.maxConns)
	}

	sess, err := p.dial(token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}

	conn := &connection{
		provider: p,
		session:  sess,
		config:   cfg,
		origin:   platformlog.Origin{ProjectID: cfg.ProjectID, PlatformConfigID: &cfg.ID, Platform: Name},
	}
	conn.removers = []func(){
		sess.AddHandler(conn.onMessageCreate),
		sess.AddHandler(conn.onInteractionCreate),
	}

	if err := sess.Open(); err != nil {
		conn.removeHandlers()
		return nil, fmt.Errorf("discord gateway: %w", err)
	}
	conn.setOpen(true)

	p.mu.Lock()
	prev, replaced := p.conns[key]
	if !replaced && len(p.conns) >= p.maxConns {
		p.mu.Unlock()
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("discord connection limit reached (%d)", p.maxConns)
	}
	p.conns[key] = conn
	p.mu.Unlock()

	if replaced {
		_ = prev.Close(ctx)
	}

	p.log.Info().Str("config_id", cfg.ID.String()).Msg("Discord gateway connected")
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

// connection is one gateway session wired to one platform config.
type connection struct {
	provider *Provider
	session  session
	config   *platformconfig.Config
	origin   platformlog.Origin

	mu       sync.Mutex
	open     bool
	removers []func()
}

func (c *connection) setOpen(open bool) {
	c.mu.Lock()
	c.open = open
	c.mu.Unlock()
}

func (c *connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// removeHandlers detaches every gateway listener. Leaving one behind keeps the connection
// reachable from the session and leaks both.
func (c *connection) removeHandlers() {
	c.mu.Lock()
	removers := c.removers
	c.removers = nil
	c.mu.Unlock()
	for _, remove := range removers {
		remove()
	}
}

func (c *connection) Close(context.Context) error {
	c.removeHandlers()

	c.mu.Lock()
	open := c.open
	c.open = false
	c.mu.Unlock()
	if !open {
		return nil
	}
	return c.session.Close()
}
