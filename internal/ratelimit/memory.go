package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold bounds the in-memory map: once it grows past this many keys, expired windows
// are dropped inline on the next hit.
const sweepThreshold = 16384

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore counts hits in process memory. Limits are per replica; use RedisStore when the
// deployment runs more than one instance.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryStore creates an in-process counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Hit increments the window counter for key, starting a new window when the previous one has
// elapsed.
func (s *MemoryStore) Hit(_ context.Context, key string, windowLen time.Duration) (int64, time.Duration, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.windows) > sweepThreshold {
		for k, w := range s.windows {
			if !w.resetAt.After(now) {
				delete(s.windows, k)
			}
		}
	}

	w, ok := s.windows[key]
	if !ok || !w.resetAt.After(now) {
		w = &window{resetAt: now.Add(windowLen)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now), nil
}
