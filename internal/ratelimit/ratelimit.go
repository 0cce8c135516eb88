// Package ratelimit provides fixed-window request limiting with pluggable counter storage, so
// deployments can run on Redis or fall back to in-process counters.
package ratelimit

import (
	"context"
	"time"
)

// Limit describes one rate limit: at most Count requests per Window.
type Limit struct {
	Count  int
	Window time.Duration
}

// Store counts hits within fixed windows. Hit increments the counter for key's current window
// and returns the new count plus the time remaining until the window resets.
type Store interface {
	Hit(ctx context.Context, key string, window time.Duration) (count int64, reset time.Duration, err error)
}
