// Package api holds the Fiber handlers for every HTTP surface, one file per area, plus the
// route table that declares each endpoint's method, path, required scopes, and rate limit. The
// handlers stay thin: parse the request, call the service or repository, map errors through the
// per-area mapXError function, and format the response envelope.
package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
)

// Parse errors shared by the query helpers. Handlers surface them verbatim as validation
// failures.
var (
	errBadLimit  = errors.New("limit must be an integer")
	errBadOffset = errors.New("offset must be a non-negative integer")
)

// page is a parsed limit/offset pair. Limits are clamped by the owning package's ClampLimit; the
// api layer only rejects what no listing accepts.
type page struct {
	Limit  int
	Offset int
}

// parsePage reads the limit and offset query parameters. A negative offset is a validation
// error; a non-numeric value for either parameter likewise.
func parsePage(c fiber.Ctx) (page, error) {
	p := page{}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page{}, errBadLimit
		}
		p.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return page{}, errBadOffset
		}
		p.Offset = n
	}
	return p, nil
}

// queryUUID parses an optional UUID query parameter, returning nil when absent.
func queryUUID(c fiber.Ctx, name string) (*uuid.UUID, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid " + name + " format")
	}
	return &id, nil
}

// queryTime parses an optional RFC 3339 query parameter, returning nil when absent.
func queryTime(c fiber.Ctx, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New(name + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

// optString returns a pointer to the query parameter's value, or nil when absent.
func optString(c fiber.Ctx, name string) *string {
	raw := c.Query(name)
	if raw == "" {
		return nil
	}
	return &raw
}

func failValidation(c fiber.Ctx, err error) error {
	return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeValidation, err.Error())
}

func failInvalidBody(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeInvalidBody, "Invalid request body")
}

func failInternal(c fiber.Ctx) error {
	return httputil.Fail(c, fiber.StatusInternalServerError, httputil.CodeInternal, "An internal error occurred")
}

// paramUUID parses a route parameter as a UUID. A malformed value reports as not-found rather
// than validation: path segments identify resources, and a resource that cannot exist does not.
func paramUUID(c fiber.Ctx, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params(name))
	return id, err == nil
}
