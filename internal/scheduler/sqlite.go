package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const executionSchema = `
CREATE TABLE IF NOT EXISTS job_executions (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	completed_at INTEGER,
	duration_ms  INTEGER,
	output       TEXT,
	error        TEXT
);
CREATE INDEX IF NOT EXISTS idx_job_executions_job_id
	ON job_executions (job_id, started_at);
`

// SQLiteExecutionStore persists firing history in a sqlite database.
type SQLiteExecutionStore struct {
	db *sql.DB
}

// NewSQLiteExecutionStore opens (creating if needed) the execution
// database at path.
func NewSQLiteExecutionStore(path string) (*SQLiteExecutionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open execution db: %w", err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(executionSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduler: init execution schema: %w", err)
	}
	return &SQLiteExecutionStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteExecutionStore) Close() error { return s.db.Close() }

func (s *SQLiteExecutionStore) Create(ctx context.Context, exec *JobExecution) error {
	if exec == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO job_executions
			(id, job_id, status, started_at, completed_at, duration_ms, output, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobID, string(exec.Status),
		exec.StartedAt.UnixMilli(), nullableMilli(exec.CompletedAt),
		exec.Duration.Milliseconds(), exec.Output, exec.Error)
	if err != nil {
		return fmt.Errorf("scheduler: create execution: %w", err)
	}
	return nil
}

func (s *SQLiteExecutionStore) Update(ctx context.Context, exec *JobExecution) error {
	return s.Create(ctx, exec)
}

func (s *SQLiteExecutionStore) Get(ctx context.Context, id string) (*JobExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, status, started_at, completed_at, duration_ms, output, error
		 FROM job_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

func (s *SQLiteExecutionStore) List(ctx context.Context, jobID string, limit, offset int) ([]*JobExecution, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, job_id, status, started_at, completed_at, duration_ms, output, error
		 FROM job_executions`
	args := []any{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list executions: %w", err)
	}
	defer rows.Close()

	var out []*JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *SQLiteExecutionStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_executions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduler: prune executions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*JobExecution, error) {
	var exec JobExecution
	var status string
	var startedAt int64
	var completedAt sql.NullInt64
	var durationMS int64
	if err := row.Scan(&exec.ID, &exec.JobID, &status, &startedAt,
		&completedAt, &durationMS, &exec.Output, &exec.Error); err != nil {
		return nil, err
	}
	exec.Status = ExecutionStatus(status)
	exec.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		exec.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
	}
	exec.Duration = time.Duration(durationMS) * time.Millisecond
	return &exec, nil
}

func nullableMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
