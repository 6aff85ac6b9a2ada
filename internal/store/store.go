// Package store persists API keys and job execution records in SQLite.
// UPDATE by request_id is the only mutation after insert; terminal rows are
// immutable except for the webhook delivery field.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/browserd/browserd/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_value TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used TIMESTAMP,
	is_active INTEGER NOT NULL DEFAULT 1,
	rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
	total_requests INTEGER NOT NULL DEFAULT 0,
	scopes TEXT NOT NULL DEFAULT 'execute',
	expires_at TIMESTAMP,
	webhook_url TEXT,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL UNIQUE,
	api_key_id INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	status TEXT NOT NULL,
	script TEXT NOT NULL,
	script_hash TEXT NOT NULL,
	script_size INTEGER NOT NULL,
	timeout INTEGER NOT NULL,
	user_agent TEXT,
	webhook_url TEXT,
	execution_time REAL,
	queue_wait_time REAL,
	video_path TEXT,
	video_size_mb REAL,
	memory_peak_mb REAL,
	cpu_time_ms REAL,
	error_message TEXT,
	result TEXT,
	tags TEXT,
	priority INTEGER NOT NULL DEFAULT 1,
	webhook_status TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_status
	ON executions(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_executions_key
	ON executions(api_key_id, created_at DESC);
`

// Store wraps the SQLite database. Safe for concurrent use; database/sql
// serializes access to the single connection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent workers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	var one int
	return s.db.QueryRow("SELECT 1").Scan(&one)
}

// InsertJob writes a new row in state queued. Called under the queue mutex
// so the row and the queue entry commit together.
func (s *Store) InsertJob(job *model.Job) error {
	tags, err := json.Marshal(job.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO executions
			(request_id, api_key_id, created_at, status, script, script_hash,
			 script_size, timeout, user_agent, webhook_url, tags, priority)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.RequestID, job.APIKeyID, job.CreatedAt.UTC(), model.StatusQueued,
		job.Script, job.ScriptHash, job.ScriptSize, job.Timeout,
		nullable(job.UserAgent), nullable(job.WebhookURL), string(tags), job.Priority)
	if err != nil {
		return fmt.Errorf("inserting execution %s: %w", job.RequestID, err)
	}
	return nil
}

// MarkRunning transitions queued → running and records the queue wait.
func (s *Store) MarkRunning(requestID string, queueWait float64) error {
	res, err := s.db.Exec(`
		UPDATE executions SET status = ?, queue_wait_time = ?
		WHERE request_id = ? AND status = ?`,
		model.StatusRunning, queueWait, requestID, model.StatusQueued)
	if err != nil {
		return fmt.Errorf("marking %s running: %w", requestID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("marking %s running: %w", requestID, model.ErrNotFound)
	}
	return nil
}

// Complete writes the terminal state. The caller guarantees res.Status is
// terminal; the webhook dispatcher reads the row only after this returns.
func (s *Store) Complete(requestID string, res *model.Result) error {
	if !res.Status.Terminal() {
		return fmt.Errorf("completing %s: %s is not a terminal status", requestID, res.Status)
	}
	var resultJSON any
	if len(res.ResultJSON) > 0 {
		resultJSON = string(res.ResultJSON)
	}
	_, err := s.db.Exec(`
		UPDATE executions SET
			status = ?, completed_at = ?, execution_time = ?, queue_wait_time = ?,
			video_path = ?, video_size_mb = ?, memory_peak_mb = ?, cpu_time_ms = ?,
			error_message = ?, result = ?
		WHERE request_id = ?`,
		res.Status, time.Now().UTC(), res.ExecutionTime, res.QueueWaitTime,
		nullable(res.VideoPath), res.VideoSizeMB, res.MemoryPeakMB, res.CPUTimeMS,
		nullable(res.Error), resultJSON, requestID)
	if err != nil {
		return fmt.Errorf("completing %s: %w", requestID, err)
	}
	return nil
}

// SetWebhookStatus records the delivery outcome ("sent" or "failed"). The
// only permitted mutation of a terminal row.
func (s *Store) SetWebhookStatus(requestID, status string) error {
	_, err := s.db.Exec(`UPDATE executions SET webhook_status = ? WHERE request_id = ?`,
		status, requestID)
	if err != nil {
		return fmt.Errorf("recording webhook status for %s: %w", requestID, err)
	}
	return nil
}

// GetExecution reads a single row by request_id.
func (s *Store) GetExecution(requestID string) (*model.Execution, error) {
	row := s.db.QueryRow(`
		SELECT request_id, api_key_id, created_at, completed_at, status,
			script_hash, script_size,
			COALESCE(execution_time, 0), COALESCE(queue_wait_time, 0),
			COALESCE(video_path, ''), COALESCE(video_size_mb, 0),
			COALESCE(memory_peak_mb, 0), COALESCE(cpu_time_ms, 0),
			COALESCE(error_message, ''), COALESCE(result, ''),
			COALESCE(tags, '[]'), priority, COALESCE(webhook_status, '')
		FROM executions WHERE request_id = ?`, requestID)

	var e model.Execution
	var completedAt sql.NullTime
	var result, tags string
	err := row.Scan(&e.RequestID, &e.APIKeyID, &e.CreatedAt, &completedAt, &e.Status,
		&e.ScriptHash, &e.ScriptSize, &e.ExecutionTime, &e.QueueWaitTime,
		&e.VideoPath, &e.VideoSizeMB, &e.MemoryPeakMB, &e.CPUTimeMS,
		&e.ErrorMessage, &result, &tags, &e.Priority, &e.WebhookStatus)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", requestID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", requestID, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if result != "" {
		e.Result = json.RawMessage(result)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		e.Tags = nil
	}
	return &e, nil
}

// RecoverQueued returns all queued rows in dequeue order. Run once at
// startup, before the server accepts submissions, so jobs that were durable
// but not yet executed when the process died are re-enqueued.
func (s *Store) RecoverQueued() ([]*model.Job, error) {
	rows, err := s.db.Query(`
		SELECT request_id, api_key_id, created_at, script, script_hash,
			script_size, timeout, COALESCE(user_agent, ''),
			COALESCE(webhook_url, ''), COALESCE(tags, '[]'), priority
		FROM executions WHERE status = ?
		ORDER BY priority DESC, created_at ASC`, model.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("sweeping queued rows: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var j model.Job
		var tags string
		if err := rows.Scan(&j.RequestID, &j.APIKeyID, &j.CreatedAt, &j.Script,
			&j.ScriptHash, &j.ScriptSize, &j.Timeout, &j.UserAgent,
			&j.WebhookURL, &tags, &j.Priority); err != nil {
			return nil, fmt.Errorf("scanning queued row: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &j.Tags)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of rows in the given state.
func (s *Store) CountByStatus(status model.Status) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM executions WHERE status = ?`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s executions: %w", status, err)
	}
	return n, nil
}

// ClearVideoPath nulls out video_path after the artifact is reclaimed.
// The job row itself is preserved.
func (s *Store) ClearVideoPath(requestID string) error {
	_, err := s.db.Exec(`UPDATE executions SET video_path = NULL WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("clearing video path for %s: %w", requestID, err)
	}
	return nil
}

// PurgeOlderThan deletes rows created more than the given number of days
// ago. Returns the number of rows removed.
func (s *Store) PurgeOlderThan(days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(`DELETE FROM executions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging executions older than %d days: %w", days, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Compact reclaims space and refreshes planner statistics after a purge.
func (s *Store) Compact() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
