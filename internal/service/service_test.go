package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/mcprunner/internal/config"
	"github.com/xiaot623/mcprunner/internal/domain"
	"github.com/xiaot623/mcprunner/internal/hub"
	"github.com/xiaot623/mcprunner/internal/protocol"
	"github.com/xiaot623/mcprunner/internal/repository"
	"github.com/xiaot623/mcprunner/internal/runner"
	helpers "github.com/xiaot623/mcprunner/internal/testhelpers"
)

type fakeRunner struct {
	outcomes []runner.ItemOutcome
	summary  *runner.Summary
	err      error
	panicMsg string
	release  chan struct{}
	linger   time.Duration // slept after the items, ignoring ctx
}

func (f *fakeRunner) Run(ctx context.Context, bundle runner.Bundle, cb runner.Callbacks) (*runner.Summary, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	summary := &runner.Summary{}
	for _, o := range f.outcomes {
		if cb.OnItemStarted != nil {
			cb.OnItemStarted(ctx, runner.ItemStart{Name: o.Name})
		}
		if err := cb.OnItemCompleted(ctx, o); err != nil {
			return nil, err
		}
		summary.Total++
		switch o.Status {
		case domain.TestStatusPassed:
			summary.Passed++
		case domain.TestStatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}
	if f.linger > 0 {
		time.Sleep(f.linger)
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.summary != nil {
		return f.summary, nil
	}
	return summary, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []protocol.EventContent
}

func (b *recordingBroadcaster) Broadcast(env protocol.Envelope) int {
	ev, err := env.Event()
	if err != nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return 1
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.EventType
	}
	return out
}

func (b *recordingBroadcaster) last() protocol.EventContent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events[len(b.events)-1]
}

func outcome(name string, status domain.TestStatus) runner.ItemOutcome {
	now := time.Now()
	return runner.ItemOutcome{
		Name:      name,
		Request:   runner.RequestSnapshot{Method: "GET", URL: "http://api.test/" + name},
		Response:  &runner.ResponseSnapshot{Status: 200, Body: "{}"},
		Status:    status,
		StartedAt: now,
		EndedAt:   now.Add(5 * time.Millisecond),
	}
}

func newTestService(t *testing.T, r runner.Runner, cfg *config.Config) (*Service, store.Store, *recordingBroadcaster) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	b := &recordingBroadcaster{}
	return New(db, r, b, cfg), db, b
}

func seedCollection(t *testing.T, svc *Service, userID string) *domain.Collection {
	t.Helper()
	col, err := svc.CreateCollection(context.Background(), domain.UploadRequest{
		Name:    "demo",
		UserID:  userID,
		Content: []byte(`{"info":{"name":"demo"},"item":[]}`),
	})
	require.NoError(t, err)
	return col
}

func TestStartRunEventSequence(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRunner{outcomes: []runner.ItemOutcome{
		outcome("a", domain.TestStatusPassed),
		outcome("b", domain.TestStatusPassed),
		outcome("c", domain.TestStatusPassed),
	}}
	svc, db, b := newTestService(t, fr, nil)
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	svc.Wait()

	assert.Equal(t, []string{
		"test_started",
		"test_item_completed",
		"test_item_completed",
		"test_item_completed",
		"test_completed",
	}, b.types())
	done := b.last()
	assert.Equal(t, run.RunID, done.Data["run_id"])
	assert.Equal(t, "completed", done.Data["status"])
	assert.EqualValues(t, 3, done.Data["passed_tests"])

	snap, err := svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, snap.Run.Status)
	assert.Equal(t, domain.Counters{Total: 3, Passed: 3}, snap.Run.Counters)
	assert.NotNil(t, snap.Run.EndTime)
	require.Len(t, snap.Results, 3)
	assert.Equal(t, "a", snap.Results[0].RequestName)
	assert.Equal(t, "c", snap.Results[2].RequestName)
	assert.EqualValues(t, 5, snap.Results[0].DurationMs)

	// every broadcast was recorded first
	events, err := db.GetEvents(ctx, run.RunID, 0, nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestStartRunItemPayload(t *testing.T) {
	fr := &fakeRunner{outcomes: []runner.ItemOutcome{outcome("login", domain.TestStatusFailed)}}
	svc, _, b := newTestService(t, fr, nil)
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(context.Background(), domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)
	svc.Wait()

	b.mu.Lock()
	item := b.events[1]
	b.mu.Unlock()
	assert.Equal(t, "test_item_completed", item.EventType)
	assert.Equal(t, run.RunID, item.Data["run_id"])
	assert.Equal(t, "login", item.Data["name"])
	assert.Equal(t, "failed", item.Data["status"])
	assert.Equal(t, false, item.Data["passed"])
	assert.Contains(t, item.Data, "duration_ms")

	// any failed item fails the run
	assert.Equal(t, "failed", b.last().Data["status"])
	assert.Equal(t, "test_completed", b.last().EventType)
}

func TestStartRunValidation(t *testing.T) {
	ctx := context.Background()
	svc, db, b := newTestService(t, &fakeRunner{}, nil)
	col := seedCollection(t, svc, "u1")

	_, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = svc.StartRun(ctx, domain.StartRunRequest{UserID: "u1"})
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))

	_, err = svc.StartRun(ctx, domain.StartRunRequest{CollectionID: "col_missing", UserID: "u1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, EnvironmentID: "env_missing", UserID: "u1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	_, err = svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, TestDataID: "dat_missing", UserID: "u1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	// an environment of another collection does not resolve
	other := seedCollection(t, svc, "u1")
	env, err := svc.CreateEnvironment(ctx, domain.UploadRequest{
		Name: "staging", CollectionID: other.CollectionID, UserID: "u1", Content: []byte(`{"values":[]}`),
	})
	require.NoError(t, err)
	_, err = svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, EnvironmentID: env.EnvironmentID, UserID: "u1"})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	runs, err := db.ListRuns(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Empty(t, b.types())
}

func TestRunnerFaultAfterItems(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRunner{
		outcomes: []runner.ItemOutcome{outcome("a", domain.TestStatusPassed), outcome("b", domain.TestStatusPassed)},
		err:      errors.New("newman crashed"),
	}
	svc, _, b := newTestService(t, fr, nil)
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)
	svc.Wait()

	snap, err := svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, snap.Run.Status)
	assert.Len(t, snap.Results, 2)
	assert.Equal(t, 2, snap.Run.Total)
	assert.NotNil(t, snap.Run.EndTime)
	assert.Contains(t, string(snap.Run.Error), "newman crashed")

	last := b.last()
	assert.Equal(t, "test_failed", last.EventType)
	assert.Equal(t, "failed", last.Data["status"])
	assert.Contains(t, last.Data["error"], "newman crashed")
}

func TestRunnerPanicAndBadSummaryFailRun(t *testing.T) {
	cases := map[string]*fakeRunner{
		"panic":       {panicMsg: "index out of range"},
		"bad summary": {summary: &runner.Summary{Total: 5, Passed: 1}},
	}
	for name, fr := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, _, b := newTestService(t, fr, nil)
			col := seedCollection(t, svc, "u1")

			run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
			require.NoError(t, err)
			svc.Wait()

			snap, err := svc.GetRun(ctx, run.RunID, "u1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunStatusFailed, snap.Run.Status)
			assert.Equal(t, "test_failed", b.last().EventType)
		})
	}
}

func TestRunTimeoutFailsRun(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRunner{release: make(chan struct{})}
	svc, _, b := newTestService(t, fr, &config.Config{RunTimeout: 20 * time.Millisecond})
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)
	svc.Wait()

	snap, err := svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, snap.Run.Status)
	assert.Equal(t, "test_failed", b.last().EventType)
}

func TestGetRunWhileRunning(t *testing.T) {
	ctx := context.Background()
	fr := &fakeRunner{release: make(chan struct{}), outcomes: []runner.ItemOutcome{outcome("a", domain.TestStatusPassed)}}
	svc, _, _ := newTestService(t, fr, nil)
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)

	snap, err := svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, snap.Run.Status)
	assert.Equal(t, domain.Counters{}, snap.Run.Counters)
	assert.Nil(t, snap.Run.EndTime)
	assert.Empty(t, snap.Results)

	_, err = svc.GetRun(ctx, run.RunID, "u2")
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	_, err = svc.GetRun(ctx, "run_missing", "u1")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	close(fr.release)
	svc.Wait()

	snap, err = svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, snap.Run.Status)
}

func TestListRunsAndEvents(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, &fakeRunner{outcomes: []runner.ItemOutcome{outcome("a", domain.TestStatusPassed)}}, nil)
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)
	svc.Wait()

	runs, err := svc.ListRuns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)

	runs, err = svc.ListRuns(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, runs)

	events, err := svc.GetRunEvents(ctx, run.RunID, "u1", 0, []string{"test_completed"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.Equal(t, "completed", payload["status"])

	_, err = svc.GetRunEvents(ctx, run.RunID, "u2", 0, nil, 0)
	assert.True(t, errors.Is(err, domain.ErrForbidden))
}

func TestRecoverInterruptedRuns(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, &fakeRunner{}, nil)
	col := seedCollection(t, svc, "u1")

	require.NoError(t, db.CreateRun(ctx, &domain.Run{
		RunID:        "run_stale",
		CollectionID: col.CollectionID,
		UserID:       "u1",
		Status:       domain.RunStatusRunning,
		StartTime:    time.Now().Add(-time.Hour),
	}))

	n, err := svc.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	snap, err := svc.GetRun(ctx, "run_stale", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, snap.Run.Status)
	assert.Contains(t, string(snap.Run.Error), "interrupted")

	n, err = svc.RecoverInterruptedRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestShutdownRejectsNewRuns(t *testing.T) {
	ctx := context.Background()
	svc, db, _ := newTestService(t, &fakeRunner{}, nil)
	col := seedCollection(t, svc, "u1")

	require.NoError(t, svc.Shutdown(ctx))

	_, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	assert.True(t, errors.Is(err, ErrShuttingDown))

	// the persisted run does not stay running
	runs, err := db.ListRunsByStatus(ctx, domain.RunStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestShutdownTimesOut(t *testing.T) {
	fr := &fakeRunner{release: make(chan struct{})}
	svc, _, _ := newTestService(t, fr, nil)
	col := seedCollection(t, svc, "u1")

	_, err := svc.StartRun(context.Background(), domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, svc.Shutdown(ctx))

	close(fr.release)
	svc.Wait()
}

func TestDisconnectDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	h := hub.NewHub(16)
	origin := h.Admit(helpers.NewFakeSocket())
	listener := h.Admit(helpers.NewFakeSocket())

	fr := &fakeRunner{
		release:  make(chan struct{}),
		outcomes: []runner.ItemOutcome{outcome("a", domain.TestStatusPassed), outcome("b", domain.TestStatusPassed)},
	}
	svc := New(helpers.NewTestSQLiteStore(t), fr, h, nil)
	col := seedCollection(t, svc, "u1")

	run, err := svc.StartRun(ctx, domain.StartRunRequest{CollectionID: col.CollectionID, UserID: "u1"})
	require.NoError(t, err)

	h.Remove(origin)
	close(fr.release)
	svc.Wait()

	snap, err := svc.GetRun(ctx, run.RunID, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, snap.Run.Status)
	assert.Len(t, snap.Results, 2)

	var types []string
	for len(listener.Send) > 0 {
		env, err := protocol.Decode(<-listener.Send)
		require.NoError(t, err)
		ev, err := env.Event()
		require.NoError(t, err)
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"test_started", "test_item_completed", "test_item_completed", "test_completed"}, types)
}
