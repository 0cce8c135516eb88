package disposable

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Blocklist checks email domains against a list of known disposable email
// providers. The domain list is fetched lazily on first use and cached; Run
// refreshes it periodically. If the initial fetch fails, subsequent calls
// retry until the list is loaded successfully.
type Blocklist struct {
	url     string
	enabled bool
	log     zerolog.Logger

	mu      sync.RWMutex
	domains map[string]struct{}
	loaded  bool
}

// NewBlocklist creates a new disposable email blocklist. If enabled is false,
// IsBlocked always returns false without fetching the list.
func NewBlocklist(url string, enabled bool, logger zerolog.Logger) *Blocklist {
	return &Blocklist{
		url:     url,
		enabled: enabled,
		log:     logger,
	}
}

// IsBlocked returns true if the given domain appears in the disposable email
// blocklist. Returns false immediately if the blocklist is disabled.
func (b *Blocklist) IsBlocked(ctx context.Context, domain string) (bool, error) {
	if !b.enabled {
		return false, nil
	}
	domain = strings.ToLower(domain)

	// Fast path: already loaded.
	b.mu.RLock()
	if b.loaded {
		_, blocked := b.domains[domain]
		b.mu.RUnlock()
		return blocked, nil
	}
	b.mu.RUnlock()

	if err := b.load(ctx); err != nil {
		return false, fmt.Errorf("load disposable email blocklist: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.domains[domain]
	return blocked, nil
}

// Prefetch loads the blocklist so the first signup does not block on a
// network call. Failures are logged; the next IsBlocked call retries.
func (b *Blocklist) Prefetch(ctx context.Context) {
	if !b.enabled {
		return
	}
	if err := b.load(ctx); err != nil {
		b.log.Warn().Err(err).Msg("Disposable email blocklist prefetch failed")
	}
}

// Run prefetches the list and then refreshes it every refreshEvery until ctx
// is cancelled. A failed refresh keeps the previously loaded list.
func (b *Blocklist) Run(ctx context.Context, refreshEvery time.Duration) {
	if !b.enabled {
		return
	}
	b.Prefetch(ctx)

	ticker := time.NewTicker(refreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.refresh(ctx); err != nil {
				b.log.Warn().Err(err).Msg("Disposable email blocklist refresh failed")
			}
		}
	}
}

// load fetches and installs the list unless another caller already has. The
// fetch runs under the write lock so concurrent first callers trigger exactly
// one download.
func (b *Blocklist) load(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return nil
	}
	domains, err := fetchDomains(ctx, b.url)
	if err != nil {
		return err
	}
	b.domains = domains
	b.loaded = true
	return nil
}

// refresh unconditionally fetches the list and swaps it in on success.
func (b *Blocklist) refresh(ctx context.Context) error {
	domains, err := fetchDomains(ctx, b.url)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.domains = domains
	b.loaded = true
	b.mu.Unlock()
	return nil
}

func fetchDomains(ctx context.Context, url string) (map[string]struct{}, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blocklist request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist returned status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[strings.ToLower(line)] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	return domains, nil
}
