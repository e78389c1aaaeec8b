package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/runner"
)

// The terminal update is retried until finalizeTimeout passes.
var (
	finalizeTimeout     = 10 * time.Second
	settleRetryInterval = 200 * time.Millisecond
)

// StartRun validates the request, persists a running Run, announces it and
// schedules its execution. It returns as soon as the run is scheduled.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.Run, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrInvalidArgument)
	}
	if req.CollectionID == "" {
		return nil, fmt.Errorf("collection_id is required: %w", domain.ErrInvalidArgument)
	}

	collection, err := s.store.GetCollection(ctx, req.CollectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get collection: %w", err)
	}
	if collection == nil {
		return nil, fmt.Errorf("collection %s: %w", req.CollectionID, domain.ErrNotFound)
	}
	bundle := runner.Bundle{Collection: collection.Data}

	if req.EnvironmentID != "" {
		env, err := s.store.GetEnvironment(ctx, req.EnvironmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get environment: %w", err)
		}
		if env == nil || env.CollectionID != req.CollectionID {
			return nil, fmt.Errorf("environment %s: %w", req.EnvironmentID, domain.ErrNotFound)
		}
		bundle.Environment = env.Data
	}

	if req.TestDataID != "" {
		data, err := s.store.GetTestData(ctx, req.TestDataID)
		if err != nil {
			return nil, fmt.Errorf("failed to get test data: %w", err)
		}
		if data == nil || data.CollectionID != req.CollectionID {
			return nil, fmt.Errorf("test data %s: %w", req.TestDataID, domain.ErrNotFound)
		}
		bundle.Data = data.Data
	}

	run := &domain.Run{
		RunID:         "run_" + uuid.New().String()[:8],
		CollectionID:  req.CollectionID,
		EnvironmentID: req.EnvironmentID,
		TestDataID:    req.TestDataID,
		UserID:        req.UserID,
		Status:        domain.RunStatusRunning,
		StartTime:     time.Now(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	bundle.RunID = run.RunID

	s.emit(ctx, run.RunID, domain.EventTypeTestStarted, map[string]interface{}{
		"run_id":         run.RunID,
		"collection_id":  run.CollectionID,
		"environment_id": run.EnvironmentID,
		"test_data_id":   run.TestDataID,
		"status":         string(run.Status),
		"start_time":     run.StartTime.Format(time.RFC3339),
	})

	exec := &execution{run: run}
	err = s.runs.spawn(run.RunID,
		func() { s.executeRun(exec, bundle) },
		func(r interface{}) {
			s.failRun(exec, fmt.Errorf("%w: panic: %v", runner.ErrAdapterFault, r))
		})
	if err != nil {
		// The run is already persisted, so it must not stay running.
		s.failRun(exec, err)
		return nil, err
	}

	log.Printf("Run %s started for collection %s", run.RunID, run.CollectionID)
	return run, nil
}

// execution tracks what a background run has persisted so far.
type execution struct {
	run     *domain.Run
	tally   domain.Counters
	settled bool
}

func (s *Service) executeRun(exec *execution, bundle runner.Bundle) {
	ctx := context.Background()
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	runID := exec.run.RunID
	summary, err := s.runner.Run(ctx, bundle, runner.Callbacks{
		OnItemStarted: func(ctx context.Context, item runner.ItemStart) {
			if s.config.DebugEnabled() {
				log.Printf("DEBUG: run %s probing %q (iteration %d)", runID, item.Name, item.Iteration)
			}
		},
		OnItemCompleted: func(ctx context.Context, outcome runner.ItemOutcome) error {
			return s.recordOutcome(ctx, exec, outcome)
		},
	})
	if err == nil {
		err = summary.Validate()
	}
	if err != nil {
		s.failRun(exec, err)
		return
	}
	s.completeRun(exec, summary)
}

// recordOutcome persists one result and then announces it.
func (s *Service) recordOutcome(ctx context.Context, exec *execution, outcome runner.ItemOutcome) error {
	result := resultFromOutcome(exec.run.RunID, outcome)
	if err := s.store.CreateResult(ctx, result); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	exec.tally.Total++
	switch outcome.Status {
	case domain.TestStatusPassed:
		exec.tally.Passed++
	case domain.TestStatusFailed:
		exec.tally.Failed++
	case domain.TestStatusSkipped:
		exec.tally.Skipped++
	}

	s.emit(ctx, exec.run.RunID, domain.EventTypeTestItemCompleted, map[string]interface{}{
		"run_id":      exec.run.RunID,
		"name":        outcome.Name,
		"status":      string(outcome.Status),
		"passed":      outcome.Status == domain.TestStatusPassed,
		"message":     outcome.Message,
		"duration_ms": result.DurationMs,
	})
	return nil
}

func resultFromOutcome(runID string, outcome runner.ItemOutcome) *domain.Result {
	result := &domain.Result{
		ResultID:      "res_" + uuid.New().String()[:8],
		RunID:         runID,
		RequestName:   outcome.Name,
		RequestMethod: outcome.Request.Method,
		RequestURL:    outcome.Request.URL,
		RequestBody:   outcome.Request.Body,
		TestStatus:    outcome.Status,
		TestMessage:   outcome.Message,
		StartTime:     outcome.StartedAt,
		EndTime:       outcome.EndedAt,
		DurationMs:    outcome.Duration().Milliseconds(),
	}
	if len(outcome.Request.Headers) > 0 {
		result.RequestHeaders, _ = json.Marshal(outcome.Request.Headers)
	}
	if outcome.Response != nil {
		status := outcome.Response.Status
		result.ResponseStatus = &status
		result.ResponseBody = outcome.Response.Body
		if len(outcome.Response.Headers) > 0 {
			result.ResponseHeaders, _ = json.Marshal(outcome.Response.Headers)
		}
	}
	return result
}

func (s *Service) completeRun(exec *execution, summary *runner.Summary) {
	if exec.settled {
		return
	}
	exec.settled = true

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	status := domain.RunStatusCompleted
	if summary.Failed > 0 {
		status = domain.RunStatusFailed
	}
	counters := summary.Counters()
	runID := exec.run.RunID

	if !s.settle(ctx, runID, status, counters, nil) {
		return
	}

	s.emit(ctx, runID, domain.EventTypeTestCompleted, map[string]interface{}{
		"run_id":        runID,
		"status":        string(status),
		"total_tests":   counters.Total,
		"passed_tests":  counters.Passed,
		"failed_tests":  counters.Failed,
		"skipped_tests": counters.Skipped,
	})
	log.Printf("Run %s %s: %d passed, %d failed, %d skipped", runID, status, counters.Passed, counters.Failed, counters.Skipped)
}

func (s *Service) failRun(exec *execution, cause error) {
	if exec.settled {
		return
	}
	exec.settled = true

	if !errors.Is(cause, runner.ErrAdapterFault) {
		cause = fmt.Errorf("%w: %v", runner.ErrAdapterFault, cause)
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	runID := exec.run.RunID
	errData, _ := json.Marshal(map[string]string{"message": cause.Error()})
	if !s.settle(ctx, runID, domain.RunStatusFailed, exec.tally, errData) {
		return
	}

	s.emit(ctx, runID, domain.EventTypeTestFailed, map[string]interface{}{
		"run_id": runID,
		"status": string(domain.RunStatusFailed),
		"error":  cause.Error(),
	})
	log.Printf("ERROR: run %s failed: %v", runID, cause)
}

// settle persists the terminal state of a run and reports whether this call
// moved it out of running. Nothing may be announced unless it returns true; a
// run it gives up on stays running until RecoverInterruptedRuns.
func (s *Service) settle(ctx context.Context, runID string, status domain.RunStatus, counters domain.Counters, errData []byte) bool {
	for {
		ok, err := s.store.UpdateRunCompleted(ctx, runID, status, counters, errData)
		if err == nil {
			if !ok {
				log.Printf("WARN: run %s was already settled", runID)
			}
			return ok
		}

		select {
		case <-ctx.Done():
			log.Printf("ERROR: giving up on terminal state of run %s, left running: %v", runID, err)
			return false
		case <-time.After(settleRetryInterval):
			log.Printf("WARN: failed to update run %s, retrying: %v", runID, err)
		}
	}
}

// RecoverInterruptedRuns fails every run left running by a previous process.
// Call it once at startup, before accepting connections.
func (s *Service) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	runs, err := s.store.ListRunsByStatus(ctx, domain.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running runs: %w", err)
	}

	errData, _ := json.Marshal(map[string]string{"message": "interrupted by server restart"})
	recovered := 0
	for _, run := range runs {
		results, err := s.store.GetResults(ctx, run.RunID)
		if err != nil {
			return recovered, fmt.Errorf("failed to get results of run %s: %w", run.RunID, err)
		}
		ok, err := s.store.UpdateRunCompleted(ctx, run.RunID, domain.RunStatusFailed, tally(results), errData)
		if err != nil {
			return recovered, fmt.Errorf("failed to fail run %s: %w", run.RunID, err)
		}
		if ok {
			if err := s.recordEvent(ctx, run.RunID, domain.EventTypeTestFailed, map[string]interface{}{
				"run_id": run.RunID,
				"status": string(domain.RunStatusFailed),
				"error":  "interrupted by server restart",
			}); err != nil {
				log.Printf("ERROR: failed to record test_failed event: %v", err)
			}
			recovered++
		}
	}
	return recovered, nil
}

func tally(results []domain.Result) domain.Counters {
	var c domain.Counters
	for _, r := range results {
		c.Total++
		switch r.TestStatus {
		case domain.TestStatusPassed:
			c.Passed++
		case domain.TestStatusFailed:
			c.Failed++
		case domain.TestStatusSkipped:
			c.Skipped++
		}
	}
	return c
}
