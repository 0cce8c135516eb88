package email

import (
	"strings"
	"testing"
	"time"
)

func TestInviteBody(t *testing.T) {
	t.Parallel()

	expires := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	body := inviteBody("Acme Support", "admin", "tok-123_ABC", "https://dash.gatekit.example/", expires)

	checks := []struct {
		label string
		want  string
	}{
		{"project name", `"Acme Support"`},
		{"role", "as admin"},
		{"accept link", "https://dash.gatekit.example/accept-invite?token=tok-123_ABC"},
		{"single use", "used once"},
		{"expiry", "1 Sep 2026 12:00 UTC"},
	}
	for _, c := range checks {
		if !strings.Contains(body, c.want) {
			t.Errorf("inviteBody missing %s: want substring %q in:\n%s", c.label, c.want, body)
		}
	}
}

func TestInviteBodyEscapesToken(t *testing.T) {
	t.Parallel()

	body := inviteBody("p", "member", "a b+c", "https://gatekit.example", time.Now())
	if !strings.Contains(body, "accept-invite?token=a+b%2Bc") {
		t.Errorf("token was not query-escaped:\n%s", body)
	}
}
