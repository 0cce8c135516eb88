// Package inbound consumes adapter envelopes off the bus, persists them, resolves sender
// identities, and emits the lifecycle events the subscriber pipelines fan out.
package inbound

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/envelope"
	"github.com/gatekit-io/gatekit-server/internal/message"
)

// DefaultShards is the lane count used when the caller passes none.
const DefaultShards = 4

// Lane and subscription buffer depths. The subscription buffer absorbs ingest bursts; once a
// lane backs up the router blocks on it, and the bus starts dropping for us past busDepth.
const (
	laneDepth = 64
	busDepth  = 256
)

// MessageEvent is the data payload carried by message.received and button.clicked events.
type MessageEvent struct {
	MessageID         uuid.UUID        `json:"messageId"`
	Platform          string           `json:"platform"`
	PlatformConfigID  uuid.UUID        `json:"platformConfigId"`
	ProviderMessageID string           `json:"providerMessageId"`
	ProviderChatID    string           `json:"providerChatId,omitempty"`
	ProviderUserID    string           `json:"providerUserId"`
	UserDisplay       string           `json:"userDisplay,omitempty"`
	IdentityID        *uuid.UUID       `json:"identityId,omitempty"`
	Text              string           `json:"text,omitempty"`
	Action            *envelope.Action `json:"action,omitempty"`
	ReceivedAt        time.Time        `json:"receivedAt"`
}

// ReactionEvent is the data payload carried by reaction.added and reaction.removed events.
type ReactionEvent struct {
	Platform          string     `json:"platform"`
	PlatformConfigID  uuid.UUID  `json:"platformConfigId"`
	ProviderMessageID string     `json:"providerMessageId"`
	ProviderUserID    string     `json:"providerUserId"`
	UserDisplay       string     `json:"userDisplay,omitempty"`
	IdentityID        *uuid.UUID `json:"identityId,omitempty"`
	Emoji             string     `json:"emoji,omitempty"`
	Type              string     `json:"type"`
	ReceivedAt        time.Time  `json:"receivedAt"`
}

// messageStore is the persistence surface ingest needs. *message.PGRepository satisfies it.
type messageStore interface {
	CreateReceived(ctx context.Context, params message.CreateReceivedParams) (*message.Received, error)
	CreateReaction(ctx context.Context, params message.CreateReactionParams) (*message.Reaction, error)
}

// identityResolver maps provider user tuples to identities. *identity.Resolver satisfies it.
type identityResolver interface {
	Resolve(ctx context.Context, projectID, platformConfigID uuid.UUID, platform, providerUserID string, display *string) (uuid.UUID, error)
}

// Processor subscribes to the bus and drives every adapter envelope through persistence,
// identity resolution, and lifecycle-event emission. Envelopes for the same
// (platformConfigID, threadID) pair are pinned to one lane, which preserves per-thread arrival
// order; lanes are independent otherwise.
type Processor struct {
	messages messageStore
	resolver identityResolver
	bus      *bus.Bus
	shards   int
	log      zerolog.Logger

	events   chan bus.Event
	lanes    []chan *envelope.Envelope
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an inbound processor with the given number of ordering lanes.
func New(messages messageStore, resolver identityResolver, b *bus.Bus, shards int, logger zerolog.Logger) *Processor {
	if shards < 1 {
		shards = DefaultShards
	}
	return &Processor{
		messages: messages,
		resolver: resolver,
		bus:      b,
		shards:   shards,
		log:      logger.With().Str("component", "inbound").Logger(),
	}
}

// Start subscribes to the bus and launches the router and lane workers.
func (p *Processor) Start(ctx context.Context) {
	p.events = p.bus.Subscribe(busDepth)
	p.lanes = make([]chan *envelope.Envelope, p.shards)
	for i := range p.lanes {
		lane := make(chan *envelope.Envelope, laneDepth)
		p.lanes[i] = lane
		p.wg.Add(1)
		go p.run(ctx, lane)
	}
	p.wg.Add(1)
	go p.route(ctx)
	p.log.Info().Int("shards", p.shards).Msg("inbound processor started")
}

// Stop unsubscribes from the bus and waits for already-queued envelopes to drain. Safe to call
// more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { p.bus.Unsubscribe(p.events) })
	p.wg.Wait()
}

// route fans envelope events out to their lanes. It exits once the subscription closes (after
// draining it) or the context is cancelled, and closing the lanes lets the workers finish.
func (p *Processor) route(ctx context.Context) {
	defer p.wg.Done()
	defer func() {
		for _, lane := range p.lanes {
			close(lane)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.events:
			if !ok {
				return
			}
			if !event.IsEnvelope() {
				continue
			}
			select {
			case p.lanes[p.lane(event.Envelope)] <- event.Envelope:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Processor) run(ctx context.Context, lane chan *envelope.Envelope) {
	defer p.wg.Done()
	for env := range lane {
		// Detach so shutdown does not sever persistence mid-envelope; Stop waits for it.
		p.process(context.WithoutCancel(ctx), env)
	}
}

func (p *Processor) lane(env *envelope.Envelope) int {
	return laneFor(env, len(p.lanes))
}

// laneFor hashes the envelope's thread key so all traffic for one provider chat shares a lane.
func laneFor(env *envelope.Envelope, lanes int) int {
	h := fnv.New32a()
	h.Write(env.PlatformConfigID[:])
	h.Write([]byte(env.ThreadID))
	return int(h.Sum32() % uint32(lanes))
}

func (p *Processor) process(ctx context.Context, env *envelope.Envelope) {
	log := p.log.With().
		Str("envelope_id", env.ID).
		Str("platform", env.Channel).
		Str("config_id", env.PlatformConfigID.String()).
		Logger()

	switch {
	case env.Reaction != nil:
		p.processReaction(ctx, env, log)
	case env.Message.Text != nil || env.Action != nil:
		p.processMessage(ctx, env, log)
	default:
		log.Debug().Msg("Ignoring envelope without content")
	}
}

// processMessage records the message and emits message.received, or button.clicked for
// interactive callbacks. A redelivered provider event hits the uniqueness guard and is dropped
// without re-emitting, so subscribers see each message once per delivery pipeline run.
func (p *Processor) processMessage(ctx context.Context, env *envelope.Envelope, log zerolog.Logger) {
	params := message.CreateReceivedParams{
		ProjectID:         env.ProjectID,
		PlatformConfigID:  env.PlatformConfigID,
		Platform:          env.Channel,
		ProviderMessageID: env.Provider.EventID,
		ProviderChatID:    env.ThreadID,
		ProviderUserID:    env.User.ProviderUserID,
		UserDisplay:       optional(env.User.Display),
		MessageText:       env.Message.Text,
		MessageType:       message.TypeText,
		RawData:           env.Provider.Raw,
	}
	if env.Action != nil {
		params.MessageType = message.TypeCallback
	}

	row, err := p.messages.CreateReceived(ctx, params)
	if err != nil {
		if errors.Is(err, message.ErrDuplicate) {
			log.Debug().Str("provider_message_id", params.ProviderMessageID).Msg("Skipping redelivered message")
			return
		}
		log.Error().Err(err).Msg("Failed to persist received message")
		return
	}

	identityID := p.resolve(ctx, env, log)

	name := bus.EventMessageReceived
	if env.Action != nil {
		name = bus.EventButtonClicked
	}
	p.bus.Publish(name, env.ProjectID, MessageEvent{
		MessageID:         row.ID,
		Platform:          row.Platform,
		PlatformConfigID:  row.PlatformConfigID,
		ProviderMessageID: row.ProviderMessageID,
		ProviderChatID:    row.ProviderChatID,
		ProviderUserID:    row.ProviderUserID,
		UserDisplay:       env.User.Display,
		IdentityID:        identityID,
		Text:              env.Text(),
		Action:            env.Action,
		ReceivedAt:        row.ReceivedAt,
	})
}

// processReaction appends the reaction event as-is; visibility is computed at query time.
func (p *Processor) processReaction(ctx context.Context, env *envelope.Envelope, log zerolog.Logger) {
	row, err := p.messages.CreateReaction(ctx, message.CreateReactionParams{
		ProjectID:         env.ProjectID,
		PlatformConfigID:  env.PlatformConfigID,
		ProviderMessageID: env.Reaction.MessageID,
		ProviderUserID:    env.User.ProviderUserID,
		UserDisplay:       optional(env.User.Display),
		Emoji:             env.Reaction.Emoji,
		ReactionType:      env.Reaction.Type,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist reaction")
		return
	}

	identityID := p.resolve(ctx, env, log)

	name := bus.EventReactionAdded
	if env.Reaction.Type == envelope.ReactionRemoved {
		name = bus.EventReactionRemoved
	}
	p.bus.Publish(name, env.ProjectID, ReactionEvent{
		Platform:          env.Channel,
		PlatformConfigID:  env.PlatformConfigID,
		ProviderMessageID: row.ProviderMessageID,
		ProviderUserID:    row.ProviderUserID,
		UserDisplay:       env.User.Display,
		IdentityID:        identityID,
		Emoji:             row.Emoji,
		Type:              row.ReactionType,
		ReceivedAt:        row.ReceivedAt,
	})
}

// resolve is best-effort: an identity failure logs and leaves the event without an identity
// rather than failing ingest.
func (p *Processor) resolve(ctx context.Context, env *envelope.Envelope, log zerolog.Logger) *uuid.UUID {
	id, err := p.resolver.Resolve(ctx, env.ProjectID, env.PlatformConfigID, env.Channel, env.User.ProviderUserID, optional(env.User.Display))
	if err != nil {
		log.Warn().Err(err).Str("provider_user_id", env.User.ProviderUserID).Msg("Failed to resolve identity")
		return nil
	}
	return &id
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
