// Package domain defines the core domain models for test runs and their artifacts.
package domain

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TestStatus is the verdict for a single probed item.
type TestStatus string

const (
	TestStatusPassed  TestStatus = "passed"
	TestStatusFailed  TestStatus = "failed"
	TestStatusSkipped TestStatus = "skipped"
)

// EventType represents the type of a run lifecycle event.
type EventType string

const (
	EventTypeTestStarted       EventType = "test_started"
	EventTypeTestItemCompleted EventType = "test_item_completed"
	EventTypeTestCompleted     EventType = "test_completed"
	EventTypeTestFailed        EventType = "test_failed"
)
