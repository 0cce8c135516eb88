package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/gatekit-io/gatekit-server/internal/auth"
	"github.com/gatekit-io/gatekit-server/internal/stream"
)

// StreamHandler serves the WebSocket event stream for dashboards.
type StreamHandler struct {
	hub *stream.Hub
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(hub *stream.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// Upgrade handles GET /api/v1/projects/:project/stream. It upgrades the HTTP connection to a
// WebSocket scoped to the resolved project and hands it to the hub.
func (h *StreamHandler) Upgrade(c fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	proj := auth.ProjectFromContext(c)
	if proj == nil {
		return failInternal(c)
	}
	projectID := proj.ID
	return websocket.New(func(conn *websocket.Conn) {
		h.hub.ServeWebSocket(conn.Conn, projectID)
	})(c)
}

// StreamKeyFromQuery lets browser clients pass their API key as ?api_key=, since the WebSocket
// dial API cannot set headers. The query value is copied into the auth header before the
// authentication middleware runs; a real header wins if both are present.
func StreamKeyFromQuery(c fiber.Ctx) error {
	if key := c.Query("api_key"); key != "" && c.Get(auth.HeaderAPIKey) == "" {
		c.Request().Header.Set(auth.HeaderAPIKey, key)
	}
	return c.Next()
}
