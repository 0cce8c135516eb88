package bus

// Lifecycle event catalog. Webhook subscriptions and stream filters draw from exactly this set.
const (
	EventMessageReceived = "message.received"
	EventMessageSent     = "message.sent"
	EventMessageFailed   = "message.failed"
	EventButtonClicked   = "button.clicked"
	EventReactionAdded   = "reaction.added"
	EventReactionRemoved = "reaction.removed"
)

var catalog = []string{
	EventMessageReceived,
	EventMessageSent,
	EventMessageFailed,
	EventButtonClicked,
	EventReactionAdded,
	EventReactionRemoved,
}

// Catalog returns the subscriber-facing event names in a stable order.
func Catalog() []string {
	out := make([]string, len(catalog))
	copy(out, catalog)
	return out
}

// ValidEvent reports whether name is part of the catalog.
func ValidEvent(name string) bool {
	for _, e := range catalog {
		if e == name {
			return true
		}
	}
	return false
}
