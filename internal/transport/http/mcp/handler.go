// Package mcp serves the HTTP side channel of the MCP protocol.
package mcp

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/mcprunner/internal/dispatch"
	"github.com/xiaot623/mcprunner/internal/hub"
	"github.com/xiaot623/mcprunner/internal/protocol"
)

const maxBodyBytes = 1 << 20

// Handler handles MCP side channel requests.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	hub        *hub.Hub
}

// NewHandler creates a new handler.
func NewHandler(d *dispatch.Dispatcher, h *hub.Hub) *Handler {
	return &Handler{
		dispatcher: d,
		hub:        h,
	}
}

// RegisterRoutes registers the side channel and health routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/mcp/message", h.PostMessage)
	e.GET("/health", h.Health)
}

// PostMessage validates a request envelope and acknowledges it. The action is
// not executed here; clients drive actions over the WebSocket.
// POST /mcp/message
func (h *Handler) PostMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}

	env, err := protocol.Decode(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid message format: " + err.Error()})
	}
	if env.MessageType != protocol.TypeRequest {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Unsupported message type: %s", env.MessageType)})
	}

	req, err := env.Request()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid message format: " + err.Error()})
	}
	if !h.dispatcher.Supports(req.Action) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Unsupported action: %s", req.Action)})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message":    fmt.Sprintf("Processing %s request", req.Action),
		"request_id": req.RequestID,
		"status":     "accepted",
	})
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"protocol":    protocol.Version,
		"connections": h.hub.Count(),
		"actions":     h.dispatcher.Actions(),
	})
}
