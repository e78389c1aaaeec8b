package v1

import (
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/mcprunner/internal/domain"
)

const maxUploadBytes = 10 << 20

// readUpload collects the form fields and file shared by every artifact upload.
func readUpload(c echo.Context, fileField string) (domain.UploadRequest, error) {
	req := domain.UploadRequest{
		Name:         c.FormValue("name"),
		Description:  c.FormValue("description"),
		CollectionID: c.FormValue("collection_id"),
		UserID:       userID(c),
	}

	fh, err := c.FormFile(fileField)
	if err != nil {
		return req, fmt.Errorf("%s is required: %w", fileField, domain.ErrInvalidArgument)
	}
	f, err := fh.Open()
	if err != nil {
		return req, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
	if err != nil {
		return req, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(content) > maxUploadBytes {
		return req, fmt.Errorf("%s exceeds %d bytes: %w", fileField, maxUploadBytes, domain.ErrInvalidArgument)
	}
	req.Content = content
	return req, nil
}

// CreateCollection uploads a collection.
// POST /v1/collections
func (h *Handler) CreateCollection(c echo.Context) error {
	req, err := readUpload(c, "collection_file")
	if err != nil {
		return errorJSON(c, err)
	}

	collection, err := h.service.CreateCollection(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, collection)
}

// ListCollections lists the caller's collections.
// GET /v1/collections
func (h *Handler) ListCollections(c echo.Context) error {
	collections, err := h.service.ListCollections(c.Request().Context(), userID(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"collections": collections,
	})
}

// GetCollection returns a collection with its environments and data files.
// GET /v1/collections/:collection_id
func (h *Handler) GetCollection(c echo.Context) error {
	detail, err := h.service.GetCollection(c.Request().Context(), c.Param("collection_id"), userID(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// CreateEnvironment uploads an environment for a collection.
// POST /v1/environments
func (h *Handler) CreateEnvironment(c echo.Context) error {
	req, err := readUpload(c, "environment_file")
	if err != nil {
		return errorJSON(c, err)
	}

	env, err := h.service.CreateEnvironment(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, env)
}

// CreateTestData uploads a data file for a collection.
// POST /v1/test-data
func (h *Handler) CreateTestData(c echo.Context) error {
	req, err := readUpload(c, "test_data_file")
	if err != nil {
		return errorJSON(c, err)
	}

	data, err := h.service.CreateTestData(c.Request().Context(), req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, data)
}
