package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Postgres stores history in three tables: executions, node_executions and
// execution_log. Snapshots and bundles are JSONB columns.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and prepares the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		trigger_type TEXT NOT NULL,
		status       TEXT NOT NULL,
		snapshot     JSONB NOT NULL,
		error        TEXT,
		started_at   TIMESTAMPTZ NOT NULL,
		finished_at  TIMESTAMPTZ,
		duration_ms  BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions (workflow_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_user ON executions (user_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS node_executions (
		id           BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
		node_id      TEXT NOT NULL,
		node_type    TEXT NOT NULL,
		status       TEXT NOT NULL,
		attempt      INT NOT NULL,
		input        JSONB,
		output       JSONB,
		error        TEXT,
		error_kind   TEXT,
		started_at   TIMESTAMPTZ NOT NULL,
		duration_ms  BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_node_executions_execution ON node_executions (execution_id, id);

	CREATE TABLE IF NOT EXISTS execution_log (
		id           BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL,
		node_id      TEXT,
		level        TEXT NOT NULL,
		message      TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_execution_log_execution ON execution_log (execution_id, id);`

	if _, err := p.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to prepare history schema: %w", err)
	}
	return nil
}

// CreateExecution implements Sink.
func (p *Postgres) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, user_id, trigger_type, status, snapshot, error, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.WorkflowID, rec.UserID, rec.TriggerType, rec.Status,
		snapshot, nullString(rec.Error), rec.StartedAt, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateExecution implements Sink.
func (p *Postgres) UpdateExecution(ctx context.Context, rec *ExecutionRecord) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE executions
		SET status = $2, error = $3, finished_at = $4, duration_ms = $5
		WHERE id = $1`,
		rec.ID, rec.Status, nullString(rec.Error), rec.FinishedAt, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to update execution %s: %w", rec.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &NotFoundError{ExecutionID: rec.ID}
	}
	return nil
}

// RecordNode implements Sink.
func (p *Postgres) RecordNode(ctx context.Context, rec *NodeRecord) error {
	input, err := marshalBundle(rec.Input)
	if err != nil {
		return err
	}
	output, err := marshalBundle(rec.Output)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO node_executions (execution_id, node_id, node_type, status, attempt, input, output, error, error_kind, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ExecutionID, rec.NodeID, rec.NodeType, rec.Status, rec.Attempt,
		input, output, nullString(rec.Error), nullString(rec.ErrorKind),
		rec.StartedAt, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to insert node run %s/%s: %w", rec.ExecutionID, rec.NodeID, err)
	}
	return nil
}

// AppendLog implements Sink.
func (p *Postgres) AppendLog(ctx context.Context, entry *LogEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO execution_log (execution_id, node_id, level, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ExecutionID, nullString(entry.NodeID), entry.Level, entry.Message, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append log for %s: %w", entry.ExecutionID, err)
	}
	return nil
}

// FindExecution implements Sink.
func (p *Postgres) FindExecution(ctx context.Context, executionID, userID string) (*ExecutionRecord, []NodeRecord, error) {
	rec := &ExecutionRecord{}
	var snapshot []byte
	row := p.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, user_id, trigger_type, status, snapshot, COALESCE(error, ''), started_at, finished_at, duration_ms
		FROM executions WHERE id = $1 AND ($2 = '' OR user_id = $2)`, executionID, userID)

	var finished sql.NullTime
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.UserID, &rec.TriggerType, &rec.Status,
		&snapshot, &rec.Error, &rec.StartedAt, &finished, &rec.DurationMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, &NotFoundError{ExecutionID: executionID}
		}
		return nil, nil, fmt.Errorf("failed to load execution %s: %w", executionID, err)
	}
	if finished.Valid {
		rec.FinishedAt = &finished.Time
	}
	if len(snapshot) > 0 {
		rec.Snapshot = &workflow.Snapshot{}
		if err := json.Unmarshal(snapshot, rec.Snapshot); err != nil {
			return nil, nil, fmt.Errorf("failed to decode snapshot for %s: %w", executionID, err)
		}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, node_type, status, attempt, input, output, COALESCE(error, ''), COALESCE(error_kind, ''), started_at, duration_ms
		FROM node_executions WHERE execution_id = $1 ORDER BY id`, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load node runs for %s: %w", executionID, err)
	}
	defer rows.Close()

	var runs []NodeRecord
	for rows.Next() {
		run := NodeRecord{ExecutionID: executionID}
		var input, output []byte
		if err := rows.Scan(&run.NodeID, &run.NodeType, &run.Status, &run.Attempt,
			&input, &output, &run.Error, &run.ErrorKind, &run.StartedAt, &run.DurationMs); err != nil {
			return nil, nil, fmt.Errorf("failed to scan node run: %w", err)
		}
		if run.Input, err = unmarshalBundle(input); err != nil {
			return nil, nil, err
		}
		if run.Output, err = unmarshalBundle(output); err != nil {
			return nil, nil, err
		}
		runs = append(runs, run)
	}
	return rec, runs, rows.Err()
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func marshalBundle(b workflow.Bundle) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bundle: %w", err)
	}
	return data, nil
}

func unmarshalBundle(data []byte) (workflow.Bundle, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var b workflow.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
