// Package v1 provides the v1 HTTP API for artifacts and runs.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/service"
)

// UserHeader carries the caller's identity on every v1 request.
const UserHeader = "X-User-ID"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/v1", requireUser)

	// Artifacts
	g.POST("/collections", h.CreateCollection)
	g.GET("/collections", h.ListCollections)
	g.GET("/collections/:collection_id", h.GetCollection)
	g.POST("/environments", h.CreateEnvironment)
	g.POST("/test-data", h.CreateTestData)

	// Runs
	g.POST("/runs", h.StartRun)
	g.GET("/runs", h.ListRuns)
	g.GET("/runs/:run_id", h.GetRun)
	g.GET("/runs/:run_id/events", h.GetRunEvents)
}

func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Header.Get(UserHeader) == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": UserHeader + " header is required"})
		}
		return next(c)
	}
}

func userID(c echo.Context) string {
	return c.Request().Header.Get(UserHeader)
}

// errorJSON maps domain errors onto status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
