package domain

import (
	"encoding/json"
	"time"
)

// Run represents one execution of a collection.
type Run struct {
	RunID         string          `json:"test_run_id"`
	CollectionID  string          `json:"collection_id"`
	EnvironmentID string          `json:"environment_id,omitempty"`
	TestDataID    string          `json:"test_data_id,omitempty"`
	UserID        string          `json:"user_id"`
	Status        RunStatus       `json:"status"`
	StartTime     time.Time       `json:"start_time"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Counters
	Error json.RawMessage `json:"error,omitempty"`
}

// Counters holds the aggregate outcome of a run.
type Counters struct {
	Total   int `json:"total_tests"`
	Passed  int `json:"passed_tests"`
	Failed  int `json:"failed_tests"`
	Skipped int `json:"skipped_tests"`
}

// Result is the outcome of one probed endpoint within a run.
type Result struct {
	ResultID        string          `json:"test_result_id"`
	RunID           string          `json:"test_run_id"`
	Seq             int64           `json:"seq"`
	RequestName     string          `json:"request_name"`
	RequestMethod   string          `json:"request_method"`
	RequestURL      string          `json:"request_url"`
	RequestHeaders  json.RawMessage `json:"request_headers,omitempty"`
	RequestBody     string          `json:"request_body,omitempty"`
	ResponseStatus  *int            `json:"response_status,omitempty"`
	ResponseHeaders json.RawMessage `json:"response_headers,omitempty"`
	ResponseBody    string          `json:"response_body,omitempty"`
	TestStatus      TestStatus      `json:"test_status"`
	TestMessage     string          `json:"test_message,omitempty"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	DurationMs      int64           `json:"duration"`
}

// RunSnapshot is a run plus its results in completion order.
type RunSnapshot struct {
	Run     *Run     `json:"test_run"`
	Results []Result `json:"test_results"`
}

// Event represents a recorded lifecycle event for replay.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
