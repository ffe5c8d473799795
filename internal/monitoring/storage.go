// Package monitoring implements the Monitoring Engine: a singleton,
// long-lived periodic tester that drives every enabled public
// operation on a timer, records each outcome, and maintains running
// per-endpoint statistics in its own embedded SQLite store.
package monitoring

import (
	"context"
	"database/sql"
	"time"
)

// TestResult is one canned-request outcome.
type TestResult struct {
	ID             string
	SessionID      string
	Endpoint       string
	Success        bool
	ResponseTimeMs int64
	StatusCode     int
	ErrorMessage   string
	ResponseSize   int
	CreditsCost    int64
	Timestamp      time.Time
}

// EndpointStats are the running aggregates for one endpoint.
type EndpointStats struct {
	Endpoint          string
	TotalCalls        int64
	TotalSuccesses    int64
	TotalFailures     int64
	MinResponseTimeMs *int64
	MaxResponseTimeMs *int64
	LastSuccessAt     *time.Time
	LastFailureAt     *time.Time
	LastUpdated       time.Time
}

// TestSession aggregates the results of one full cycle.
type TestSession struct {
	ID                string
	StartedAt         time.Time
	FinishedAt        *time.Time
	EndpointCount     int
	SuccessCount      int
	FailureCount      int
	AvgResponseTimeMs float64
}

// ResultsQuery filters the Results() listing.
type ResultsQuery struct {
	Endpoint    string
	Limit       int
	Offset      int
	SuccessOnly bool
	Since       *time.Time
}

// Store persists sessions, results, and aggregates to the engine's
// private SQLite database.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) InsertSession(ctx context.Context, sess TestSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_sessions (id, started_at, endpoint_count, success_count, failure_count, avg_response_time_ms)
		VALUES (?, ?, 0, 0, 0, 0)
	`, sess.ID, sess.StartedAt)
	return err
}

func (s *Store) FinalizeSession(ctx context.Context, sess TestSession) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE test_sessions SET finished_at = ?, endpoint_count = ?, success_count = ?, failure_count = ?, avg_response_time_ms = ?
		WHERE id = ?
	`, sess.FinishedAt, sess.EndpointCount, sess.SuccessCount, sess.FailureCount, sess.AvgResponseTimeMs, sess.ID)
	return err
}

func (s *Store) InsertResult(ctx context.Context, r TestResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_results (id, session_id, endpoint, success, response_time_ms, status_code, error_message, response_size, credits_cost, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.SessionID, r.Endpoint, boolToInt(r.Success), r.ResponseTimeMs, r.StatusCode, nullString(r.ErrorMessage), r.ResponseSize, r.CreditsCost, r.Timestamp)
	return err
}

// UpsertEndpointStats folds one result into the endpoint's running
// totals: counts, min/max response time, and the appropriate
// last-success/last-failure timestamp.
func (s *Store) UpsertEndpointStats(ctx context.Context, r TestResult) error {
	var existing EndpointStats
	var minRT, maxRT sql.NullInt64
	var lastSuccess, lastFailure sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT total_calls, total_successes, total_failures, min_response_time_ms, max_response_time_ms, last_success_at, last_failure_at
		FROM endpoint_stats WHERE endpoint = ?
	`, r.Endpoint).Scan(&existing.TotalCalls, &existing.TotalSuccesses, &existing.TotalFailures, &minRT, &maxRT, &lastSuccess, &lastFailure)

	if err == sql.ErrNoRows {
		existing = EndpointStats{Endpoint: r.Endpoint}
	} else if err != nil {
		return err
	}

	existing.TotalCalls++
	if r.Success {
		existing.TotalSuccesses++
		t := r.Timestamp
		existing.LastSuccessAt = &t
	} else {
		existing.TotalFailures++
		t := r.Timestamp
		existing.LastFailureAt = &t
	}
	if existing.LastSuccessAt == nil && lastSuccess.Valid {
		existing.LastSuccessAt = &lastSuccess.Time
	}
	if existing.LastFailureAt == nil && lastFailure.Valid {
		existing.LastFailureAt = &lastFailure.Time
	}

	min := r.ResponseTimeMs
	max := r.ResponseTimeMs
	if minRT.Valid && minRT.Int64 < min {
		min = minRT.Int64
	}
	if maxRT.Valid && maxRT.Int64 > max {
		max = maxRT.Int64
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoint_stats (endpoint, total_calls, total_successes, total_failures, min_response_time_ms, max_response_time_ms, last_success_at, last_failure_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint) DO UPDATE SET
			total_calls = excluded.total_calls,
			total_successes = excluded.total_successes,
			total_failures = excluded.total_failures,
			min_response_time_ms = excluded.min_response_time_ms,
			max_response_time_ms = excluded.max_response_time_ms,
			last_success_at = excluded.last_success_at,
			last_failure_at = excluded.last_failure_at,
			last_updated = excluded.last_updated
	`, existing.Endpoint, existing.TotalCalls, existing.TotalSuccesses, existing.TotalFailures, min, max, existing.LastSuccessAt, existing.LastFailureAt, r.Timestamp)
	return err
}

func (s *Store) Results(ctx context.Context, q ResultsQuery) ([]TestResult, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, session_id, endpoint, success, response_time_ms, status_code, error_message, response_size, credits_cost, timestamp FROM test_results WHERE 1=1`
	var args []interface{}
	if q.Endpoint != "" {
		query += " AND endpoint = ?"
		args = append(args, q.Endpoint)
	}
	if q.SuccessOnly {
		query += " AND success = 1"
	}
	if q.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *q.Since)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TestResult
	for rows.Next() {
		var r TestResult
		var success int
		var statusCode, responseSize sql.NullInt64
		var errMsg sql.NullString
		var creditsCost sql.NullInt64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Endpoint, &success, &r.ResponseTimeMs, &statusCode, &errMsg, &responseSize, &creditsCost, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.StatusCode = int(statusCode.Int64)
		r.ErrorMessage = errMsg.String
		r.ResponseSize = int(responseSize.Int64)
		r.CreditsCost = creditsCost.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) ([]EndpointStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint, total_calls, total_successes, total_failures, min_response_time_ms, max_response_time_ms, last_success_at, last_failure_at, last_updated
		FROM endpoint_stats ORDER BY endpoint
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EndpointStats
	for rows.Next() {
		var st EndpointStats
		var minRT, maxRT sql.NullInt64
		var lastSuccess, lastFailure sql.NullTime
		if err := rows.Scan(&st.Endpoint, &st.TotalCalls, &st.TotalSuccesses, &st.TotalFailures, &minRT, &maxRT, &lastSuccess, &lastFailure, &st.LastUpdated); err != nil {
			return nil, err
		}
		if minRT.Valid {
			st.MinResponseTimeMs = &minRT.Int64
		}
		if maxRT.Valid {
			st.MaxResponseTimeMs = &maxRT.Int64
		}
		if lastSuccess.Valid {
			st.LastSuccessAt = &lastSuccess.Time
		}
		if lastFailure.Valid {
			st.LastFailureAt = &lastFailure.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ConsecutiveFailures counts how many of an endpoint's most recent
// results were failures, stopping at the first success — the signal
// the alerting threshold acts on.
func (s *Store) ConsecutiveFailures(ctx context.Context, endpoint string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT success FROM test_results WHERE endpoint = ? ORDER BY timestamp DESC LIMIT 50
	`, endpoint)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var success int
		if err := rows.Scan(&success); err != nil {
			return 0, err
		}
		if success != 0 {
			break
		}
		count++
	}
	return count, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
