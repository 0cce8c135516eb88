package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanentSendError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "config marker", err: errors.New("Platform configuration missing for target"), want: true},
		{name: "not found", err: errors.New("chat not found"), want: true},
		{name: "timeout", err: errors.New("request timed out after 10s"), want: true},
		{name: "disabled", err: errors.New("bot was disabled by the user"), want: true},
		{name: "invalid", err: errors.New("invalid token"), want: true},
		{name: "efatal", err: errors.New("EFATAL: connection refused"), want: true},
		{name: "not provided", err: errors.New("chat id not provided"), want: true},
		{name: "wrapped marker survives", err: fmt.Errorf("send: %w", errors.New("channel not found")), want: true},
		{name: "case sensitive", err: errors.New("Not Found"), want: false},
		{name: "transient network error", err: errors.New("connection reset by peer"), want: false},
		{name: "rate limited", err: errors.New("too many requests"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsPermanentSendError(tt.err); got != tt.want {
				t.Errorf("IsPermanentSendError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
