package project

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// roleCacheTTL bounds how stale a cached role may be after a membership change elsewhere.
	roleCacheTTL = 5 * time.Minute

	// roleCachePrefix is the key prefix for cached roles in Redis.
	roleCachePrefix = "role"

	// scanBatchSize is the number of keys to retrieve per SCAN iteration.
	scanBatchSize = 100
)

func roleCacheKey(projectID, userID uuid.UUID) string {
	return roleCachePrefix + ":" + projectID.String() + ":" + userID.String()
}

// RoleCache caches resolved member roles in Redis. All methods are safe on a nil receiver so
// tests can wire a resolver without Redis.
type RoleCache struct {
	client *goredis.Client
}

// NewRoleCache creates a Redis-backed role cache.
func NewRoleCache(client *goredis.Client) *RoleCache {
	return &RoleCache{client: client}
}

// Get returns the cached role for (project, user), if any.
func (c *RoleCache) Get(ctx context.Context, projectID, userID uuid.UUID) (Role, bool, error) {
	if c == nil {
		return "", false, nil
	}
	val, err := c.client.Get(ctx, roleCacheKey(projectID, userID)).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("role cache get: %w", err)
	}
	return Role(val), true, nil
}

// Set stores the role for (project, user) with the cache TTL.
func (c *RoleCache) Set(ctx context.Context, projectID, userID uuid.UUID, role Role) error {
	if c == nil {
		return nil
	}
	if err := c.client.Set(ctx, roleCacheKey(projectID, userID), string(role), roleCacheTTL).Err(); err != nil {
		return fmt.Errorf("role cache set: %w", err)
	}
	return nil
}

// Delete drops the cached role for one (project, user) pair.
func (c *RoleCache) Delete(ctx context.Context, projectID, userID uuid.UUID) error {
	if c == nil {
		return nil
	}
	return c.client.Del(ctx, roleCacheKey(projectID, userID)).Err()
}

// DeleteProject drops every cached role under a project, for membership-wide changes such as
// project deletion or ownership transfer.
func (c *RoleCache) DeleteProject(ctx context.Context, projectID uuid.UUID) error {
	if c == nil {
		return nil
	}
	pattern := roleCachePrefix + ":" + projectID.String() + ":*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("scan keys %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// RoleResolver answers "what is this user's role here" with a cache in front of the repository.
// Cache failures degrade to direct lookups; membership misses are never cached.
type RoleResolver struct {
	repo  Repository
	cache *RoleCache
	log   zerolog.Logger
}

// NewRoleResolver creates a resolver over the given repository and optional cache.
func NewRoleResolver(repo Repository, cache *RoleCache, logger zerolog.Logger) *RoleResolver {
	return &RoleResolver{repo: repo, cache: cache, log: logger}
}

// Resolve returns the user's role in the project, consulting the cache first.
func (r *RoleResolver) Resolve(ctx context.Context, projectID, userID uuid.UUID) (Role, error) {
	role, hit, err := r.cache.Get(ctx, projectID, userID)
	if err != nil {
		r.log.Warn().Err(err).Msg("Role cache read failed")
	} else if hit {
		return role, nil
	}

	role, err = r.repo.GetRole(ctx, projectID, userID)
	if err != nil {
		return "", err
	}

	if err := r.cache.Set(ctx, projectID, userID, role); err != nil {
		r.log.Warn().Err(err).Msg("Role cache write failed")
	}
	return role, nil
}

// Invalidate drops the cached role after a membership mutation.
func (r *RoleResolver) Invalidate(ctx context.Context, projectID, userID uuid.UUID) {
	if err := r.cache.Delete(ctx, projectID, userID); err != nil {
		r.log.Warn().Err(err).Msg("Role cache invalidation failed")
	}
}

// InvalidateProject drops every cached role for the project, for use when the project itself goes
// away.
func (r *RoleResolver) InvalidateProject(ctx context.Context, projectID uuid.UUID) {
	if err := r.cache.DeleteProject(ctx, projectID); err != nil {
		r.log.Warn().Err(err).Msg("Role cache invalidation failed")
	}
}
