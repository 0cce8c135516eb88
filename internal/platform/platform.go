// Package platform defines the provider SPI and the registry that owns live connections.
// Adapters translate between provider-native payloads and envelopes; nothing outside an adapter
// touches a provider type.
package platform

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// Sentinel errors for the platform package.
var (
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrPlatformMismatch = errors.New("webhook token belongs to a different platform")
	ErrConfigInactive   = errors.New("platform config is disabled")
	ErrNoConnection     = errors.New("no live connection for this config")
)

// Connection types a provider can declare.
const (
	ConnectionWebsocket = "websocket"
	ConnectionWebhook   = "webhook"
	ConnectionPolling   = "polling"
)

// Declared capability names.
const (
	CapSendMessage    = "send-message"
	CapReceiveMessage = "receive-message"
	CapEditMessage    = "edit-message"
	CapDeleteMessage  = "delete-message"
	CapAttachments    = "attachments"
	CapEmbeds         = "embeds"
	CapButtons        = "buttons"
	CapReactions      = "reactions"
	CapThreads        = "threads"
)

// Lifecycle transition types delivered to providers when a platform config changes.
const (
	LifecycleCreated     = "created"
	LifecycleActivated   = "activated"
	LifecycleUpdated     = "updated"
	LifecycleDeactivated = "deactivated"
	LifecycleDeleted     = "deleted"
)

// Credentials is a decrypted credential map. It exists only in process memory, for the lifetime
// of a connection.
type Credentials map[string]string

// CredentialWebhookToken is the synthetic credential key the registry injects so providers can
// build their inbound callback URLs without reading the config row.
const CredentialWebhookToken = "webhookToken"

// ConnectionKey names one live connection slot.
func ConnectionKey(projectID, configID uuid.UUID) string {
	return projectID.String() + ":" + configID.String()
}

// Info describes a provider implementation.
type Info struct {
	Name           string   `json:"name"`
	DisplayName    string   `json:"displayName"`
	ConnectionType string   `json:"connectionType"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// Health is a provider's aggregate health. A provider with zero connections is healthy (idle).
type Health struct {
	Healthy     bool `json:"healthy"`
	Connections int  `json:"connections"`
}

// SendResult reports a successful send.
type SendResult struct {
	ProviderMessageID string
}

// LifecycleEvent notifies a provider of a config transition, with decrypted credentials.
type LifecycleEvent struct {
	Type        string
	Config      *platformconfig.Config
	Credentials Credentials
}

// Connection is one live link to a provider for a single platform config. SendMessage is safe
// for concurrent use; ordering across concurrent sends is not guaranteed.
type Connection interface {
	SendMessage(ctx context.Context, env *envelope.Envelope, reply *envelope.Reply) (*SendResult, error)
	Healthy() bool
	Close(ctx context.Context) error
}

// Provider manages the connections for one platform kind. Implementations own a keyed
// connection map; the registry single-flights Connect per key, so at most one connection exists
// per key at any time.
type Provider interface {
	Info() Info

	// Initialize is called once when the provider is registered.
	Initialize(ctx context.Context) error

	// Connect returns the live connection for the config's key, building one when absent and
	// rebuilding when the credentials changed. Idempotent for identical credentials.
	Connect(ctx context.Context, cfg *platformconfig.Config, creds Credentials) (Connection, error)

	// Lookup returns the live connection for key without creating one.
	Lookup(key string) (Connection, bool)

	// Disconnect releases the connection for key; safe when absent.
	Disconnect(ctx context.Context, key string)

	// HandleLifecycle reacts to config transitions, for work beyond connection management such
	// as pre-registering provider-side webhooks.
	HandleLifecycle(ctx context.Context, event LifecycleEvent) error

	// Health aggregates the provider's connection health.
	Health() Health

	// Shutdown closes every connection and refuses new work.
	Shutdown(ctx context.Context)
}

// WebhookProvider is implemented by webhook-class providers. The registry routes matched ingress
// requests to HandleWebhook after resolving the config and ensuring a live connection.
type WebhookProvider interface {
	Provider
	HandleWebhook(ctx context.Context, conn Connection, cfg *platformconfig.Config, body []byte) error
}
