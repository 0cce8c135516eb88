package ratelimit

import (
	"math"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
)

// Middleware returns Fiber middleware enforcing the given limit per client IP. The name keys the
// counter so routes with different limits do not share windows. Counter store failures fail
// open: a broken Redis must not take the API down with it.
func Middleware(name string, store Store, limit Limit, logger zerolog.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		count, reset, err := store.Hit(c, "rl:"+name+":"+c.IP(), limit.Window)
		if err != nil {
			logger.Warn().Err(err).Str("limiter", name).Msg("Rate limit store failed; allowing request")
			return c.Next()
		}

		remaining := int64(limit.Count) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit.Count))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit.Count) {
			c.Set("Retry-After", strconv.Itoa(int(math.Ceil(reset.Seconds()))))
			return httputil.Fail(c, fiber.StatusTooManyRequests, httputil.CodeRateLimited, "Rate limit exceeded")
		}
		return c.Next()
	}
}
