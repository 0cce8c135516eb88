package bus

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	b := New()
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	projectID := uuid.New()
	b.Publish(EventMessageSent, projectID, map[string]any{"id": "m1"})

	for _, ch := range []chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Name != EventMessageSent {
				t.Errorf("Name = %q, want %q", e.Name, EventMessageSent)
			}
			if e.ProjectID != projectID {
				t.Errorf("ProjectID = %v, want %v", e.ProjectID, projectID)
			}
			if e.IsEnvelope() {
				t.Error("lifecycle event reports IsEnvelope() = true")
			}
			if e.Timestamp.IsZero() {
				t.Error("Timestamp not set")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestPublishEnvelope(t *testing.T) {
	t.Parallel()

	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	env := envelope.New("telegram", uuid.New(), uuid.New())
	b.PublishEnvelope(&env)

	select {
	case e := <-ch:
		if !e.IsEnvelope() {
			t.Fatal("IsEnvelope() = false")
		}
		if e.Envelope.ID != env.ID {
			t.Errorf("envelope id = %q, want %q", e.Envelope.ID, env.ID)
		}
		if e.ProjectID != env.ProjectID {
			t.Errorf("ProjectID = %v, want %v", e.ProjectID, env.ProjectID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the envelope")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	projectID := uuid.New()
	b.Publish(EventMessageSent, projectID, nil)
	b.Publish(EventMessageSent, projectID, nil) // buffer full, must not block

	if got := b.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch) // second call is a no-op

	if _, open := <-ch; open {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestNilBusIsSafe(t *testing.T) {
	t.Parallel()

	var b *Bus
	env := envelope.New("discord", uuid.New(), uuid.New())
	b.PublishEnvelope(&env)
	b.Publish(EventMessageSent, uuid.New(), nil)

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
	if got := b.Dropped(); got != 0 {
		t.Errorf("Dropped() on nil bus = %d, want 0", got)
	}
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	events := Catalog()
	if len(events) != 6 {
		t.Fatalf("Catalog() returned %d events, want 6", len(events))
	}
	for _, e := range events {
		if !ValidEvent(e) {
			t.Errorf("ValidEvent(%q) = false for catalog member", e)
		}
	}
	if ValidEvent("message.deleted") {
		t.Error(`ValidEvent("message.deleted") = true, want false`)
	}
	if ValidEvent("") {
		t.Error(`ValidEvent("") = true, want false`)
	}
}
