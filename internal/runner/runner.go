// Package runner drives the execution of a collection and reports each probed
// item as it completes.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xiaot623/mcprunner/internal/domain"
)

// ErrAdapterFault wraps every failure of the runner itself, as opposed to a
// probed item failing its assertions.
var ErrAdapterFault = errors.New("runner fault")

// Runner executes a bundle and reports progress through callbacks.
type Runner interface {
	Run(ctx context.Context, bundle Bundle, cb Callbacks) (*Summary, error)
}

// Bundle is the raw material of one run.
type Bundle struct {
	RunID       string
	Collection  json.RawMessage
	Environment json.RawMessage // optional
	Data        json.RawMessage // optional, a JSON array of variable rows
}

// Callbacks receive progress. OnItemCompleted returning an error aborts the run.
type Callbacks struct {
	OnItemStarted   func(ctx context.Context, item ItemStart)
	OnItemCompleted func(ctx context.Context, outcome ItemOutcome) error
}

// ItemStart announces that an item is about to be probed.
type ItemStart struct {
	Name      string
	Iteration int
}

// RequestSnapshot is what was sent.
type RequestSnapshot struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseSnapshot is what came back.
type ResponseSnapshot struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ItemOutcome is the result of one probed item. Response is nil when the
// request never got a response.
type ItemOutcome struct {
	Name      string
	Iteration int
	Request   RequestSnapshot
	Response  *ResponseSnapshot
	Status    domain.TestStatus
	Message   string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns how long the item took.
func (o ItemOutcome) Duration() time.Duration {
	return o.EndedAt.Sub(o.StartedAt)
}

// Summary holds the aggregate counters of a finished run.
type Summary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Validate rejects counters that cannot describe a real run.
func (s *Summary) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: missing summary", ErrAdapterFault)
	}
	if s.Total < 0 || s.Passed < 0 || s.Failed < 0 || s.Skipped < 0 {
		return fmt.Errorf("%w: negative counters in summary", ErrAdapterFault)
	}
	if s.Passed+s.Failed+s.Skipped != s.Total {
		return fmt.Errorf("%w: summary counters do not add up to total %d", ErrAdapterFault, s.Total)
	}
	return nil
}

// Counters converts the summary to its stored form.
func (s *Summary) Counters() domain.Counters {
	return domain.Counters{Total: s.Total, Passed: s.Passed, Failed: s.Failed, Skipped: s.Skipped}
}

func (s *Summary) add(status domain.TestStatus) {
	s.Total++
	switch status {
	case domain.TestStatusPassed:
		s.Passed++
	case domain.TestStatusFailed:
		s.Failed++
	case domain.TestStatusSkipped:
		s.Skipped++
	}
}
