package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/runner"
	"github.com/xiaot623/mcprunner/internal/service"
	helpers "github.com/xiaot623/mcprunner/internal/testhelpers"
)

type passRunner struct{}

func (passRunner) Run(ctx context.Context, bundle runner.Bundle, cb runner.Callbacks) (*runner.Summary, error) {
	now := time.Now()
	err := cb.OnItemCompleted(ctx, runner.ItemOutcome{
		Name:      "ping",
		Request:   runner.RequestSnapshot{Method: "GET", URL: "http://api.test/ping"},
		Response:  &runner.ResponseSnapshot{Status: 200},
		Status:    domain.TestStatusPassed,
		StartedAt: now,
		EndedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return &runner.Summary{Total: 1, Passed: 1}, nil
}

func newTestServer(t *testing.T) (*echo.Echo, *service.Service) {
	t.Helper()
	svc := service.New(helpers.NewTestSQLiteStore(t), passRunner{}, nil, nil)
	t.Cleanup(svc.Wait)
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e)
	return e, svc
}

func do(e *echo.Echo, req *http.Request, user string) *httptest.ResponseRecorder {
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, path, fileField string, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, "upload.json")
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestRequireUserHeader(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, httptest.NewRequest(http.MethodGet, "/v1/runs", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadArtifacts(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, uploadRequest(t, "/v1/collections", "collection_file", `{"item":[]}`, map[string]string{"name": "demo"}), "u1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	collectionID := decode(t, rec)["collection_id"].(string)
	assert.NotEmpty(t, collectionID)

	rec = do(e, uploadRequest(t, "/v1/environments", "environment_file", `{"values":[]}`,
		map[string]string{"name": "staging", "collection_id": collectionID}), "u1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, uploadRequest(t, "/v1/test-data", "test_data_file", `[{"id":1}]`,
		map[string]string{"name": "rows", "collection_id": collectionID}), "u1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/collections/"+collectionID, nil), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["environments"], 1)
	assert.Len(t, body["test_data"], 1)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/collections/"+collectionID, nil), "u2")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/collections", nil), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["collections"], 1)
}

func TestUploadRejections(t *testing.T) {
	e, _ := newTestServer(t)

	cases := map[string]*http.Request{
		"invalid json":  uploadRequest(t, "/v1/collections", "collection_file", `{"item": [`, map[string]string{"name": "demo"}),
		"missing file":  uploadRequest(t, "/v1/collections", "", "", map[string]string{"name": "demo"}),
		"missing name":  uploadRequest(t, "/v1/collections", "collection_file", `{}`, nil),
		"no collection": uploadRequest(t, "/v1/environments", "environment_file", `{}`, map[string]string{"name": "x"}),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(e, req, "u1")
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	rec := do(e, uploadRequest(t, "/v1/environments", "environment_file", `{}`,
		map[string]string{"name": "x", "collection_id": "col_missing"}), "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunLifecycle(t *testing.T) {
	e, svc := newTestServer(t)
	col, err := svc.CreateCollection(context.Background(), domain.UploadRequest{
		Name: "demo", UserID: "u1", Content: []byte(`{"item":[]}`),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"collection_id":"`+col.CollectionID+`"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := do(e, req, "u1")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	runID := decode(t, rec)["test_run_id"].(string)
	svc.Wait()

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	run := body["test_run"].(map[string]interface{})
	assert.Equal(t, "completed", run["status"])
	assert.EqualValues(t, 1, run["passed_tests"])
	assert.Len(t, body["test_results"], 1)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID, nil), "u2")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/runs/run_missing", nil), "u1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/runs", nil), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["test_runs"], 1)

	rec = do(e, httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID+"/events?types=test_started,test_completed", nil), "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode(t, rec)["events"].([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, "test_started", events[0].(map[string]interface{})["type"])
}

func TestStartRunValidation(t *testing.T) {
	e, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusBadRequest, do(e, req, "u1").Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"collection_id":"col_missing"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	assert.Equal(t, http.StatusNotFound, do(e, req, "u1").Code)
}
