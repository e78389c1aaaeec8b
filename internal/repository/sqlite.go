package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/mcprunner/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS collections (
			collection_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			collection_data TEXT NOT NULL,
			user_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_collections_user ON collections(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS environments (
			environment_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			environment_data TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (collection_id) REFERENCES collections(collection_id)
		)`,
		`CREATE TABLE IF NOT EXISTS test_data (
			test_data_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (collection_id) REFERENCES collections(collection_id)
		)`,
		`CREATE TABLE IF NOT EXISTS test_runs (
			run_id TEXT PRIMARY KEY,
			collection_id TEXT NOT NULL,
			environment_id TEXT,
			test_data_id TEXT,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			end_time DATETIME,
			total_tests INTEGER NOT NULL DEFAULT 0,
			passed_tests INTEGER NOT NULL DEFAULT 0,
			failed_tests INTEGER NOT NULL DEFAULT 0,
			skipped_tests INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			FOREIGN KEY (collection_id) REFERENCES collections(collection_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_runs_user ON test_runs(user_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_test_runs_status ON test_runs(status)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			result_id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			request_name TEXT NOT NULL,
			request_method TEXT,
			request_url TEXT,
			request_headers TEXT,
			request_body TEXT,
			response_status INTEGER,
			response_headers TEXT,
			response_body TEXT,
			test_status TEXT NOT NULL,
			test_message TEXT,
			start_time DATETIME NOT NULL,
			end_time DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES test_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_test_results_run ON test_results(run_id, seq)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			FOREIGN KEY (run_id) REFERENCES test_runs(run_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullJSON(v json.RawMessage) sql.NullString {
	return sql.NullString{String: string(v), Valid: len(v) > 0}
}

// CreateCollection stores an uploaded collection.
func (s *SQLiteStore) CreateCollection(ctx context.Context, c *domain.Collection) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (collection_id, name, description, collection_data, user_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.CollectionID, c.Name, nullString(c.Description), string(c.Data), c.UserID, c.CreatedAt)
	return err
}

// GetCollection retrieves a collection by ID.
func (s *SQLiteStore) GetCollection(ctx context.Context, collectionID string) (*domain.Collection, error) {
	var c domain.Collection
	var description sql.NullString
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT collection_id, name, description, collection_data, user_id, created_at FROM collections WHERE collection_id = ?`,
		collectionID).Scan(&c.CollectionID, &c.Name, &description, &data, &c.UserID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Description = description.String
	c.Data = json.RawMessage(data)
	return &c, nil
}

// ListCollections lists a user's collections without their content, newest first.
func (s *SQLiteStore) ListCollections(ctx context.Context, userID string) ([]domain.Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, name, description, user_id, created_at FROM collections WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	collections := []domain.Collection{}
	for rows.Next() {
		var c domain.Collection
		var description sql.NullString
		if err := rows.Scan(&c.CollectionID, &c.Name, &description, &c.UserID, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Description = description.String
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// CreateEnvironment stores an uploaded environment.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, e *domain.Environment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO environments (environment_id, collection_id, name, description, environment_data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.EnvironmentID, e.CollectionID, e.Name, nullString(e.Description), string(e.Data), e.CreatedAt)
	return err
}

// GetEnvironment retrieves an environment by ID.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, environmentID string) (*domain.Environment, error) {
	var e domain.Environment
	var description sql.NullString
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT environment_id, collection_id, name, description, environment_data, created_at FROM environments WHERE environment_id = ?`,
		environmentID).Scan(&e.EnvironmentID, &e.CollectionID, &e.Name, &description, &data, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Description = description.String
	e.Data = json.RawMessage(data)
	return &e, nil
}

// ListEnvironments lists the environments attached to a collection.
func (s *SQLiteStore) ListEnvironments(ctx context.Context, collectionID string) ([]domain.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT environment_id, collection_id, name, description, created_at FROM environments WHERE collection_id = ? ORDER BY created_at ASC`,
		collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	envs := []domain.Environment{}
	for rows.Next() {
		var e domain.Environment
		var description sql.NullString
		if err := rows.Scan(&e.EnvironmentID, &e.CollectionID, &e.Name, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// CreateTestData stores an uploaded data file.
func (s *SQLiteStore) CreateTestData(ctx context.Context, d *domain.TestData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_data (test_data_id, collection_id, name, description, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.TestDataID, d.CollectionID, d.Name, nullString(d.Description), string(d.Data), d.CreatedAt)
	return err
}

// GetTestData retrieves a data file by ID.
func (s *SQLiteStore) GetTestData(ctx context.Context, testDataID string) (*domain.TestData, error) {
	var d domain.TestData
	var description sql.NullString
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT test_data_id, collection_id, name, description, data, created_at FROM test_data WHERE test_data_id = ?`,
		testDataID).Scan(&d.TestDataID, &d.CollectionID, &d.Name, &description, &data, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Description = description.String
	d.Data = json.RawMessage(data)
	return &d, nil
}

// ListTestData lists the data files attached to a collection.
func (s *SQLiteStore) ListTestData(ctx context.Context, collectionID string) ([]domain.TestData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_data_id, collection_id, name, description, created_at FROM test_data WHERE collection_id = ? ORDER BY created_at ASC`,
		collectionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []domain.TestData{}
	for rows.Next() {
		var d domain.TestData
		var description sql.NullString
		if err := rows.Scan(&d.TestDataID, &d.CollectionID, &d.Name, &description, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Description = description.String
		items = append(items, d)
	}
	return items, rows.Err()
}

const runColumns = `run_id, collection_id, environment_id, test_data_id, user_id, status, start_time, end_time,
	total_tests, passed_tests, failed_tests, skipped_tests, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var environmentID, testDataID, errData sql.NullString
	var endTime sql.NullTime
	err := row.Scan(&run.RunID, &run.CollectionID, &environmentID, &testDataID, &run.UserID, &run.Status,
		&run.StartTime, &endTime, &run.Total, &run.Passed, &run.Failed, &run.Skipped, &errData)
	if err != nil {
		return nil, err
	}
	run.EnvironmentID = environmentID.String
	run.TestDataID = testDataID.String
	if endTime.Valid {
		run.EndTime = &endTime.Time
	}
	if errData.Valid && errData.String != "" {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO test_runs (run_id, collection_id, environment_id, test_data_id, user_id, status, start_time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.CollectionID, nullString(run.EnvironmentID), nullString(run.TestDataID), run.UserID, run.Status, run.StartTime)
	return err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM test_runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns lists a user's runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, userID string) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM test_runs WHERE user_id = ? ORDER BY start_time DESC`, userID)
}

// ListRunsByStatus lists every run currently in the given status.
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status domain.RunStatus) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM test_runs WHERE status = ? ORDER BY start_time ASC`, status)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunCompleted moves a running run to its terminal status. It reports
// false when the run was not running, so a terminal run is never rewritten.
func (s *SQLiteStore) UpdateRunCompleted(ctx context.Context, runID string, status domain.RunStatus, counters domain.Counters, errData []byte) (bool, error) {
	var errValue sql.NullString
	if len(errData) > 0 {
		errValue = sql.NullString{String: string(errData), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, end_time = ?, total_tests = ?, passed_tests = ?, failed_tests = ?, skipped_tests = ?, error = ?
		WHERE run_id = ? AND status = ?`,
		status, time.Now(), counters.Total, counters.Passed, counters.Failed, counters.Skipped, errValue,
		runID, domain.RunStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateResult appends a result to its run. Seq is assigned by the database.
func (s *SQLiteStore) CreateResult(ctx context.Context, r *domain.Result) error {
	var status sql.NullInt64
	if r.ResponseStatus != nil {
		status = sql.NullInt64{Int64: int64(*r.ResponseStatus), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO test_results (result_id, run_id, request_name, request_method, request_url, request_headers, request_body,
			response_status, response_headers, response_body, test_status, test_message, start_time, end_time, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ResultID, r.RunID, r.RequestName, nullString(r.RequestMethod), nullString(r.RequestURL), nullJSON(r.RequestHeaders),
		nullString(r.RequestBody), status, nullJSON(r.ResponseHeaders), nullString(r.ResponseBody), r.TestStatus,
		nullString(r.TestMessage), r.StartTime, r.EndTime, r.DurationMs)
	if err != nil {
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.Seq = seq
	return nil
}

// GetResults returns a run's results in insertion order.
func (s *SQLiteStore) GetResults(ctx context.Context, runID string) ([]domain.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, result_id, run_id, request_name, request_method, request_url, request_headers, request_body,
			response_status, response_headers, response_body, test_status, test_message, start_time, end_time, duration_ms
		FROM test_results WHERE run_id = ? ORDER BY seq ASC`,
		runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []domain.Result{}
	for rows.Next() {
		var r domain.Result
		var method, url, reqHeaders, reqBody, respHeaders, respBody, message sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&r.Seq, &r.ResultID, &r.RunID, &r.RequestName, &method, &url, &reqHeaders, &reqBody,
			&status, &respHeaders, &respBody, &r.TestStatus, &message, &r.StartTime, &r.EndTime, &r.DurationMs); err != nil {
			return nil, err
		}
		r.RequestMethod = method.String
		r.RequestURL = url.String
		r.RequestBody = reqBody.String
		r.ResponseBody = respBody.String
		r.TestMessage = message.String
		if reqHeaders.Valid {
			r.RequestHeaders = json.RawMessage(reqHeaders.String)
		}
		if respHeaders.Valid {
			r.ResponseHeaders = json.RawMessage(respHeaders.String)
		}
		if status.Valid {
			code := int(status.Int64)
			r.ResponseStatus = &code
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CreateEvent records a lifecycle event.
func (s *SQLiteStore) CreateEvent(ctx context.Context, event *domain.Event) error {
	payload := ""
	if event.Payload != nil {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, run_id, ts, type, payload) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.Ts, event.Type, payload)
	return err
}

// GetEvents returns a run's events in time order, optionally filtered.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, ts, type, payload FROM events WHERE run_id = ?`
	args := []interface{}{runID}

	if afterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, afterTs)
	}

	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	// rowid breaks ties between events recorded in the same millisecond
	query += ` ORDER BY ts ASC, rowid ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var event domain.Event
		var payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.RunID, &event.Ts, &event.Type, &payload); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
