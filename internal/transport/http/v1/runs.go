package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/mcprunner/internal/domain"
)

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	CollectionID  string `json:"collection_id"`
	EnvironmentID string `json:"environment_id,omitempty"`
	TestDataID    string `json:"test_data_id,omitempty"`
}

// StartRun starts a run in the background.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.CollectionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "collection_id is required"})
	}

	run, err := h.service.StartRun(c.Request().Context(), domain.StartRunRequest{
		CollectionID:  req.CollectionID,
		EnvironmentID: req.EnvironmentID,
		TestDataID:    req.TestDataID,
		UserID:        userID(c),
	})
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message":     "Test started",
		"test_run_id": run.RunID,
		"status":      run.Status,
	})
}

// ListRuns lists the caller's runs.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.service.ListRuns(c.Request().Context(), userID(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"test_runs": runs,
	})
}

// GetRun returns a run and its results.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	snap, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"), userID(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// GetRunEvents retrieves recorded events for a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	runID := c.Param("run_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		for _, typ := range strings.Split(t, ",") {
			if typ = strings.TrimSpace(typ); typ != "" {
				types = append(types, typ)
			}
		}
	}

	events, err := h.service.GetRunEvents(c.Request().Context(), runID, userID(c), afterTs, types, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
