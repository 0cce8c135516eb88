package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
	"github.com/gatekit-io/gatekit-server/internal/platformlog"
)

// ConfigSource resolves webhook tokens and decrypts credential ciphertext.
// *platformconfig.Service satisfies it.
type ConfigSource interface {
	GetByWebhookToken(ctx context.Context, token uuid.UUID) (*platformconfig.Config, error)
	Decrypt(cfg *platformconfig.Config) (map[string]string, error)
}

// Registry holds the registered providers and brokers every connection to them: lifecycle
// replay, auto-connect on demand, and webhook ingress dispatch.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	flight   singleflight.Group
	configs  ConfigSource
	recorder *platformlog.Recorder
	log      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(configs ConfigSource, recorder *platformlog.Recorder, logger zerolog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		configs:   configs,
		recorder:  recorder,
		log:       logger,
	}
}

// Register adds a provider under its declared name and runs its Initialize hook. Registering a
// name twice overwrites the previous provider with a warning.
func (r *Registry) Register(ctx context.Context, p Provider) error {
	name := p.Info().Name
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize platform %s: %w", name, err)
	}

	r.mu.Lock()
	if _, dup := r.providers[name]; dup {
		r.log.Warn().Str("platform", name).Msg("Platform provider re-registered; replacing previous instance")
	}
	r.providers[name] = p
	r.mu.Unlock()

	r.log.Info().Str("platform", name).Str("connection_type", p.Info().ConnectionType).Msg("Platform provider registered")
	return nil
}

// Provider returns the registered provider for name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Infos lists the registered providers in no particular order.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]Info, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p.Info())
	}
	return infos
}

// Connect returns the live connection for the config, creating it when needed. Creation is
// single-flighted per connection key: concurrent callers share one dial and its result.
func (r *Registry) Connect(ctx context.Context, cfg *platformconfig.Config) (Connection, error) {
	return r.connect(ctx, cfg, false)
}

// connect resolves the connection for cfg. With force set the provider's Connect always runs,
// letting it fingerprint the credentials and rebuild a stale connection.
func (r *Registry) connect(ctx context.Context, cfg *platformconfig.Config, force bool) (Connection, error) {
	p, ok := r.Provider(cfg.Platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, cfg.Platform)
	}

	key := ConnectionKey(cfg.ProjectID, cfg.ID)
	if !force {
		if conn, ok := p.Lookup(key); ok {
			return conn, nil
		}
	}

	conn, err, _ := r.flight.Do(key, func() (any, error) {
		creds, err := r.credentials(cfg)
		if err != nil {
			return nil, err
		}
		conn, err := p.Connect(ctx, cfg, creds)
		if err != nil {
			r.recorder.ErrorConnection(ctx, origin(cfg), "Connection failed", err)
			return nil, err
		}
		r.recorder.LogConnection(ctx, origin(cfg), "Connection established", nil)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return conn.(Connection), nil
}

// Disconnect tears down the config's connection, if any.
func (r *Registry) Disconnect(ctx context.Context, cfg *platformconfig.Config) {
	p, ok := r.Provider(cfg.Platform)
	if !ok {
		return
	}
	p.Disconnect(ctx, ConnectionKey(cfg.ProjectID, cfg.ID))
	r.recorder.LogConnection(ctx, origin(cfg), "Connection closed", nil)
}

// HandleLifecycle reacts to a config transition: it invokes the provider hook with decrypted
// credentials and then reconciles the connection (connect or rebuild while the config is
// active, tear down otherwise). Unknown platforms are skipped with a warning so one stale
// config cannot wedge boot replay.
func (r *Registry) HandleLifecycle(ctx context.Context, transition string, cfg *platformconfig.Config) error {
	p, ok := r.Provider(cfg.Platform)
	if !ok {
		r.log.Warn().Str("platform", cfg.Platform).Str("config_id", cfg.ID.String()).Msg("Lifecycle event for unknown platform")
		return nil
	}

	creds, err := r.credentials(cfg)
	if err != nil {
		r.recorder.ErrorConnection(ctx, origin(cfg), "Credential decryption failed", err)
		return err
	}

	if err := p.HandleLifecycle(ctx, LifecycleEvent{Type: transition, Config: cfg, Credentials: creds}); err != nil {
		r.recorder.ErrorConnection(ctx, origin(cfg), "Lifecycle hook failed", err)
		return err
	}

	switch transition {
	case LifecycleCreated, LifecycleActivated, LifecycleUpdated:
		if !cfg.IsActive {
			return nil
		}
		// Updated configs may carry new credentials, so the provider must see the dial again.
		force := transition == LifecycleUpdated
		if _, err := r.connect(ctx, cfg, force); err != nil {
			return err
		}
	case LifecycleDeactivated, LifecycleDeleted:
		r.Disconnect(ctx, cfg)
	}
	return nil
}

// DispatchWebhook routes one inbound provider callback: resolve the token to a config, check
// platform and active state, ensure a live connection, and delegate to the provider's handler.
func (r *Registry) DispatchWebhook(ctx context.Context, platform string, token uuid.UUID, body []byte) error {
	cfg, err := r.configs.GetByWebhookToken(ctx, token)
	if err != nil {
		return err
	}
	if cfg.Platform != platform {
		return ErrPlatformMismatch
	}
	if !cfg.IsActive {
		return ErrConfigInactive
	}

	p, ok := r.Provider(platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	wp, ok := p.(WebhookProvider)
	if !ok {
		return fmt.Errorf("%w: %s does not accept webhooks", ErrUnknownPlatform, platform)
	}

	conn, err := r.Connect(ctx, cfg)
	if err != nil {
		return err
	}

	if err := wp.HandleWebhook(ctx, conn, cfg, body); err != nil {
		r.recorder.ErrorWebhook(ctx, origin(cfg), "Webhook processing failed", err)
		return err
	}
	return nil
}

// Health reports per-provider health, keyed by platform name.
func (r *Registry) Health() map[string]Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Health, len(r.providers))
	for name, p := range r.providers {
		out[name] = p.Health()
	}
	return out
}

// Shutdown tears down every provider. Called once on process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, p := range r.providers {
		p.Shutdown(ctx)
		r.log.Info().Str("platform", name).Msg("Platform provider shut down")
	}
}

// credentials decrypts the config's credential blob and injects the webhook token so providers
// can build callback URLs.
func (r *Registry) credentials(cfg *platformconfig.Config) (Credentials, error) {
	raw, err := r.configs.Decrypt(cfg)
	if err != nil {
		return nil, err
	}
	creds := Credentials(raw)
	creds[CredentialWebhookToken] = cfg.WebhookToken.String()
	return creds, nil
}

func origin(cfg *platformconfig.Config) platformlog.Origin {
	return platformlog.Origin{ProjectID: cfg.ProjectID, PlatformConfigID: &cfg.ID, Platform: cfg.Platform}
}
