package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/bus"
)

var (
	// ErrNotFound is returned when a webhook does not exist.
	ErrNotFound = errors.New("webhook not found")
	// ErrDeliveryNotFound is returned when a delivery does not exist.
	ErrDeliveryNotFound = errors.New("webhook delivery not found")
	// ErrNameLength is returned when a webhook name is empty or too long.
	ErrNameLength = errors.New("webhook name must be 1-100 characters")
	// ErrInvalidURL is returned when a webhook URL is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("webhook url must be an absolute http or https URL")
	// ErrNoEvents is returned when a webhook subscribes to no events.
	ErrNoEvents = errors.New("webhook must subscribe to at least one event")
	// ErrUnknownEvent is returned when a subscribed event is not in the catalog.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrProjectNotFound is returned when the referenced project does not exist.
	ErrProjectNotFound = errors.New("project not found")
)

// Delivery statuses.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

const maxNameLength = 100

// Webhook is a subscriber endpoint receiving signed event payloads.
type Webhook struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"projectId"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Delivery is one event delivery to one webhook, across all its attempts.
type Delivery struct {
	ID            uuid.UUID       `json:"id"`
	WebhookID     uuid.UUID       `json:"webhookId"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	AttemptCount  int             `json:"attemptCount"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
	ResponseCode  *int            `json:"responseCode,omitempty"`
	ResponseBody  *string         `json:"responseBody,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// CreateParams are the fields for registering a webhook. An empty Secret is replaced with a
// generated one.
type CreateParams struct {
	ProjectID uuid.UUID
	Name      string
	URL       string
	Events    []string
	Secret    string
}

// UpdateParams are the updatable webhook fields. Nil fields are left unchanged.
type UpdateParams struct {
	Name     *string
	URL      *string
	Events   []string
	Secret   *string
	IsActive *bool
}

// DeliveryFilter narrows a delivery listing.
type DeliveryFilter struct {
	Event  *string
	Status *string
	Limit  int
	Offset int
}

// ValidateName checks a webhook name is 1-100 characters and returns it trimmed.
func ValidateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return "", ErrNameLength
	}
	return name, nil
}

// ValidateURL checks u is an absolute http(s) URL and returns it trimmed.
func ValidateURL(u string) (string, error) {
	u = strings.TrimSpace(u)
	parsed, err := url.Parse(u)
	if err != nil {
		return "", ErrInvalidURL
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", ErrInvalidURL
	}
	return u, nil
}

// ValidateEvents checks every event against the catalog and returns the set deduplicated in
// first-seen order. An empty set is rejected.
func ValidateEvents(events []string) ([]string, error) {
	out := make([]string, 0, len(events))
	seen := make(map[string]struct{}, len(events))
	for _, raw := range events {
		name := strings.TrimSpace(raw)
		if !bus.ValidEvent(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, ErrNoEvents
	}
	return out, nil
}

// ValidDeliveryStatus reports whether s is a known delivery status.
func ValidDeliveryStatus(s string) bool {
	return s == DeliveryPending || s == DeliverySuccess || s == DeliveryFailed
}

// Pagination bounds for webhook and delivery listings.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// ClampLimit clamps a requested page size to [1, MaxLimit], applying DefaultLimit when
// the requested value is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the storage operations for webhooks and their deliveries.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Webhook, error)
	Get(ctx context.Context, projectID, id uuid.UUID) (*Webhook, error)
	List(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]Webhook, error)
	ListActiveForEvent(ctx context.Context, projectID uuid.UUID, event string) ([]Webhook, error)
	Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Webhook, error)
	Delete(ctx context.Context, projectID, id uuid.UUID) error
	CreateDelivery(ctx context.Context, webhookID uuid.UUID, event string, payload json.RawMessage) (*Delivery, error)
	GetDeliveryTask(ctx context.Context, deliveryID uuid.UUID) (*Delivery, *Webhook, error)
	RecordAttempt(ctx context.Context, deliveryID uuid.UUID, status string, responseCode *int, responseBody *string) error
	ListDeliveries(ctx context.Context, projectID, webhookID uuid.UUID, filter DeliveryFilter) ([]Delivery, error)
}
