package webhook

import (
	"errors"
	"strings"
	"testing"

	"github.com/gatekit-io/gatekit-server/internal/bus"
)

func TestValidateName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{name: "valid", input: "CRM sync", want: "CRM sync"},
		{name: "trimmed", input: "  hook  ", want: "hook"},
		{name: "empty", input: "", wantErr: ErrNameLength},
		{name: "whitespace only", input: "   ", wantErr: ErrNameLength},
		{name: "too long", input: strings.Repeat("w", 101), wantErr: ErrNameLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ValidateName(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateName(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ValidateName(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "https", input: "https://example.com/hooks/1"},
		{name: "http", input: "http://internal:8080/hook"},
		{name: "missing scheme", input: "example.com/hook", wantErr: ErrInvalidURL},
		{name: "wrong scheme", input: "ftp://example.com", wantErr: ErrInvalidURL},
		{name: "no host", input: "https://", wantErr: ErrInvalidURL},
		{name: "empty", input: "", wantErr: ErrInvalidURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := ValidateURL(tt.input); !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateURL(%q) error = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateEvents(t *testing.T) {
	t.Parallel()

	t.Run("valid set", func(t *testing.T) {
		t.Parallel()

		got, err := ValidateEvents([]string{bus.EventMessageReceived, bus.EventReactionAdded})
		if err != nil {
			t.Fatalf("ValidateEvents() error = %v", err)
		}
		if len(got) != 2 || got[0] != bus.EventMessageReceived || got[1] != bus.EventReactionAdded {
			t.Errorf("ValidateEvents() = %v", got)
		}
	})

	t.Run("deduplicates preserving order", func(t *testing.T) {
		t.Parallel()

		got, err := ValidateEvents([]string{
			bus.EventMessageSent, bus.EventMessageReceived, bus.EventMessageSent,
		})
		if err != nil {
			t.Fatalf("ValidateEvents() error = %v", err)
		}
		want := []string{bus.EventMessageSent, bus.EventMessageReceived}
		if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
			t.Errorf("ValidateEvents() = %v, want %v", got, want)
		}
	})

	t.Run("unknown event", func(t *testing.T) {
		t.Parallel()

		if _, err := ValidateEvents([]string{"message.deleted"}); !errors.Is(err, ErrUnknownEvent) {
			t.Errorf("ValidateEvents() error = %v, want ErrUnknownEvent", err)
		}
	})

	t.Run("empty set", func(t *testing.T) {
		t.Parallel()

		if _, err := ValidateEvents(nil); !errors.Is(err, ErrNoEvents) {
			t.Errorf("ValidateEvents(nil) error = %v, want ErrNoEvents", err)
		}
	})
}

func TestValidDeliveryStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{DeliveryPending, DeliverySuccess, DeliveryFailed} {
		if !ValidDeliveryStatus(s) {
			t.Errorf("ValidDeliveryStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{"", "ok", "Success"} {
		if ValidDeliveryStatus(s) {
			t.Errorf("ValidDeliveryStatus(%q) = true, want false", s)
		}
	}
}

func TestClampLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "zero uses default", limit: 0, want: DefaultLimit},
		{name: "in range", limit: 5, want: 5},
		{name: "above maximum", limit: 500, want: MaxLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := ClampLimit(tt.limit); got != tt.want {
				t.Errorf("ClampLimit(%d) = %d, want %d", tt.limit, got, tt.want)
			}
		})
	}
}

func TestPrefixColumns(t *testing.T) {
	t.Parallel()

	got := prefixColumns("d", "id, webhook_id,\nevent")
	want := "d.id, d.webhook_id, d.event"
	if got != want {
		t.Errorf("prefixColumns() = %q, want %q", got, want)
	}
}
