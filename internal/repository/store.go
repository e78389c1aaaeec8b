// Package store defines the storage interface and its SQLite implementation.
package store

import (
	"context"

	"github.com/xiaot623/mcprunner/internal/domain"
)

// Store defines the interface for data persistence. Getters return (nil, nil)
// when the row does not exist.
type Store interface {
	// Artifact operations
	CreateCollection(ctx context.Context, c *domain.Collection) error
	GetCollection(ctx context.Context, collectionID string) (*domain.Collection, error)
	ListCollections(ctx context.Context, userID string) ([]domain.Collection, error)
	CreateEnvironment(ctx context.Context, e *domain.Environment) error
	GetEnvironment(ctx context.Context, environmentID string) (*domain.Environment, error)
	ListEnvironments(ctx context.Context, collectionID string) ([]domain.Environment, error)
	CreateTestData(ctx context.Context, d *domain.TestData) error
	GetTestData(ctx context.Context, testDataID string) (*domain.TestData, error)
	ListTestData(ctx context.Context, collectionID string) ([]domain.TestData, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, userID string) ([]domain.Run, error)
	ListRunsByStatus(ctx context.Context, status domain.RunStatus) ([]domain.Run, error)
	UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, counters domain.Counters, errData []byte) (bool, error)

	// Result operations
	CreateResult(ctx context.Context, result *domain.Result) error
	GetResults(ctx context.Context, runID string) ([]domain.Result, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// Lifecycle
	Close() error
}
