package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/bus"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// QueueName is the delivery job queue, kept separate from outbound sends so a slow subscriber
// never starves message delivery.
const QueueName = "webhook-delivery"

// Delivery retry policy: 5 attempts, 5s exponential base, capped at 10min, jittered 20%.
const (
	deliveryMaxAttempts = 5
	deliveryBackoffBase = 5 * time.Second
	deliveryBackoffCap  = 10 * time.Minute
	deliveryJitterPct   = 20
)

const dispatchDepth = 256

// Body is the JSON document POSTed to subscribers. The exact marshalled bytes are persisted on
// the delivery, so every attempt signs and sends the same document.
type Body struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID uuid.UUID `json:"project_id"`
	Data      any       `json:"data"`
}

// deliveryJob is the queue payload: one job drives one delivery's attempts.
type deliveryJob struct {
	DeliveryID uuid.UUID `json:"deliveryId"`
}

// subscriberStore is the repository surface dispatch needs. *PGRepository satisfies it.
type subscriberStore interface {
	ListActiveForEvent(ctx context.Context, projectID uuid.UUID, event string) ([]Webhook, error)
	CreateDelivery(ctx context.Context, webhookID uuid.UUID, event string, payload json.RawMessage) (*Delivery, error)
}

// deliveryQueue is the queue surface dispatch needs. *queue.Store satisfies it.
type deliveryQueue interface {
	Enqueue(ctx context.Context, queue string, payload any, opts queue.Options) (*queue.Job, error)
}

// Dispatcher turns lifecycle events into per-subscriber delivery jobs. Retries for one
// subscriber never stall another because each delivery is its own job.
type Dispatcher struct {
	webhooks subscriberStore
	jobs     deliveryQueue
	bus      *bus.Bus
	log      zerolog.Logger

	events   chan bus.Event
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher consuming from b.
func NewDispatcher(webhooks subscriberStore, jobs deliveryQueue, b *bus.Bus, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks: webhooks,
		jobs:     jobs,
		bus:      b,
		log:      logger.With().Str("component", "webhook_dispatcher").Logger(),
	}
}

// Start subscribes to the bus and launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.events = d.bus.Subscribe(dispatchDepth)
	d.wg.Add(1)
	go d.run(ctx)
	d.log.Info().Msg("webhook dispatcher started")
}

// Stop unsubscribes and waits for already-queued events to be dispatched. Safe to call more
// than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { d.bus.Unsubscribe(d.events) })
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.events:
			if !ok {
				return
			}
			if event.IsEnvelope() {
				continue
			}
			// Detach so shutdown does not lose an event already taken off the bus.
			d.dispatch(context.WithoutCancel(ctx), event)
		}
	}
}

// dispatch fans one event out: one pending delivery row plus one queue job per active
// subscriber whose event set includes it.
func (d *Dispatcher) dispatch(ctx context.Context, event bus.Event) {
	subs, err := d.webhooks.ListActiveForEvent(ctx, event.ProjectID, event.Name)
	if err != nil {
		d.log.Error().Err(err).Str("event", event.Name).Msg("Failed to list webhook subscribers")
		return
	}
	if len(subs) == 0 {
		return
	}

	body, err := json.Marshal(Body{
		Event:     event.Name,
		Timestamp: event.Timestamp,
		ProjectID: event.ProjectID,
		Data:      event.Payload,
	})
	if err != nil {
		d.log.Error().Err(err).Str("event", event.Name).Msg("Failed to encode delivery body")
		return
	}

	for _, sub := range subs {
		delivery, err := d.webhooks.CreateDelivery(ctx, sub.ID, event.Name, body)
		if err != nil {
			d.log.Error().Err(err).
				Str("webhook_id", sub.ID.String()).
				Str("event", event.Name).
				Msg("Failed to create webhook delivery")
			continue
		}
		_, err = d.jobs.Enqueue(ctx, QueueName, deliveryJob{DeliveryID: delivery.ID}, queue.Options{
			MaxAttempts: deliveryMaxAttempts,
			BackoffBase: deliveryBackoffBase,
			BackoffCap:  deliveryBackoffCap,
			JitterPct:   deliveryJitterPct,
		})
		if err != nil {
			d.log.Error().Err(err).
				Str("delivery_id", delivery.ID.String()).
				Msg("Failed to enqueue webhook delivery")
			continue
		}
		d.log.Debug().
			Str("delivery_id", delivery.ID.String()).
			Str("webhook_id", sub.ID.String()).
			Str("event", event.Name).
			Msg("Webhook delivery enqueued")
	}
}
