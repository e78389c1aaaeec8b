package ws

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xiaot623/mcprunner/internal/dispatch"
	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/hub"
	"github.com/xiaot623/mcprunner/internal/service"
)

// Action names
const (
	ActionRunTest      = "run_test"
	ActionGetTestRun   = "get_test_run"
	ActionListTestRuns = "list_test_runs"
)

// Actions binds the MCP request actions to the service.
type Actions struct {
	service *service.Service
}

// RegisterActions registers every action on d. It panics on a duplicate.
func RegisterActions(d *dispatch.Dispatcher, svc *service.Service) {
	a := &Actions{service: svc}
	d.MustRegister(ActionRunTest, dispatch.HandlerFunc(a.RunTest))
	d.MustRegister(ActionGetTestRun, dispatch.HandlerFunc(a.GetTestRun))
	d.MustRegister(ActionListTestRuns, dispatch.HandlerFunc(a.ListTestRuns))
}

// RunTest starts a run and returns its id without waiting for it.
func (a *Actions) RunTest(ctx context.Context, params map[string]interface{}, _ *hub.Connection) (map[string]interface{}, error) {
	req := domain.StartRunRequest{}
	var err error
	if req.CollectionID, err = idParam(params, "collection_id"); err != nil {
		return nil, err
	}
	if req.EnvironmentID, err = idParam(params, "environment_id"); err != nil {
		return nil, err
	}
	if req.TestDataID, err = idParam(params, "test_data_id"); err != nil {
		return nil, err
	}
	if req.UserID, err = idParam(params, "user_id"); err != nil {
		return nil, err
	}

	run, err := a.service.StartRun(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"message":     "Test started",
		"test_run_id": run.RunID,
		"status":      string(run.Status),
	}, nil
}

// GetTestRun returns a run with its results.
func (a *Actions) GetTestRun(ctx context.Context, params map[string]interface{}, _ *hub.Connection) (map[string]interface{}, error) {
	runID, err := idParam(params, "test_run_id")
	if err != nil {
		return nil, err
	}
	userID, err := idParam(params, "user_id")
	if err != nil {
		return nil, err
	}

	snap, err := a.service.GetRun(ctx, runID, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"test_run":     snap.Run,
		"test_results": snap.Results,
	}, nil
}

// ListTestRuns returns the caller's runs.
func (a *Actions) ListTestRuns(ctx context.Context, params map[string]interface{}, _ *hub.Connection) (map[string]interface{}, error) {
	userID, err := idParam(params, "user_id")
	if err != nil {
		return nil, err
	}

	runs, err := a.service.ListRuns(ctx, userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"test_runs": runs,
	}, nil
}

// idParam reads an optional identifier that clients may send as a string or a
// number.
func idParam(params map[string]interface{}, key string) (string, error) {
	switch v := params[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("%s must be a string: %w", key, domain.ErrInvalidArgument)
	}
}
