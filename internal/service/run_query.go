package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/mcprunner/internal/domain"
)

// GetRun returns a run owned by userID together with its results in
// completion order.
func (s *Service) GetRun(ctx context.Context, runID, userID string) (*domain.RunSnapshot, error) {
	run, err := s.ownedRun(ctx, runID, userID)
	if err != nil {
		return nil, err
	}
	results, err := s.store.GetResults(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get results: %w", err)
	}
	return &domain.RunSnapshot{Run: run, Results: results}, nil
}

// ListRuns returns the runs of userID, newest first.
func (s *Service) ListRuns(ctx context.Context, userID string) ([]domain.Run, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrInvalidArgument)
	}
	runs, err := s.store.ListRuns(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *Service) ownedRun(ctx context.Context, runID, userID string) (*domain.Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("test_run_id is required: %w", domain.ErrInvalidArgument)
	}
	if userID == "" {
		return nil, fmt.Errorf("user_id is required: %w", domain.ErrInvalidArgument)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if run.UserID != userID {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrForbidden)
	}
	return run, nil
}
