// Package http provides the HTTP server for the MCP test runner.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/mcprunner/internal/dispatch"
	"github.com/xiaot623/mcprunner/internal/hub"
	"github.com/xiaot623/mcprunner/internal/service"
	"github.com/xiaot623/mcprunner/internal/transport/http/mcp"
	v1 "github.com/xiaot623/mcprunner/internal/transport/http/v1"
	"github.com/xiaot623/mcprunner/internal/transport/ws"
)

// NewServer creates and configures the HTTP server. It serves the WebSocket
// endpoint, the MCP side channel and the v1 artifact and run API.
func NewServer(svc *service.Service, h *hub.Hub, d *dispatch.Dispatcher, wsServer *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	mcpHandler := mcp.NewHandler(d, h)
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	wsServer.RegisterRoutes(e)
	mcpHandler.RegisterRoutes(e)
	v1Handler.RegisterRoutes(e)

	return e
}
