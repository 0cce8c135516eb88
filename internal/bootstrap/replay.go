// Package bootstrap replays platform lifecycle state at process start.
// Every active PlatformConfig gets an activated lifecycle event so its
// provider reconnects without waiting for the first request to arrive.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/platformconfig"
)

// configLister lists the platform configs that should be connected.
// *platformconfig.Service satisfies it.
type configLister interface {
	ListActive(ctx context.Context) ([]platformconfig.Config, error)
}

// lifecycleHandler applies a lifecycle transition to one config.
// *platform.Registry satisfies it.
type lifecycleHandler interface {
	HandleLifecycle(ctx context.Context, transition string, cfg *platformconfig.Config) error
}

// ReplayConnections dials every active platform config as if it had just been
// activated. A config that fails to connect is logged and skipped; one
// unreachable provider must not block boot. Returns how many configs
// connected.
func ReplayConnections(ctx context.Context, configs configLister, registry lifecycleHandler, logger zerolog.Logger) (int, error) {
	active, err := configs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active platform configs: %w", err)
	}

	connected := 0
	for i := range active {
		cfg := &active[i]
		if err := registry.HandleLifecycle(ctx, platform.LifecycleActivated, cfg); err != nil {
			logger.Warn().Err(err).
				Str("platform", cfg.Platform).
				Str("config_id", cfg.ID.String()).
				Msg("Platform config failed to reconnect at boot")
			continue
		}
		connected++
	}

	logger.Info().Int("active", len(active)).Int("connected", connected).Msg("Platform connections replayed")
	return connected, nil
}
