package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/code-sandbox/internal/repository"
)

// Compile-time check that *DB implements repository.HistoryRepository.
var _ repository.HistoryRepository = (*DB)(nil)

// RecordSessionStart inserts the audit row for a freshly created session.
func (db *DB) RecordSessionStart(ctx context.Context, rec *repository.SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES (?, ?)`,
		rec.ID,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording session start: %w", err)
	}
	return nil
}

// RecordSessionEnd stamps a session row with its destruction time and the
// reason it ended.
func (db *DB) RecordSessionEnd(ctx context.Context, id, reason string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE sessions SET destroyed_at = ?, reason = ? WHERE id = ?`,
		time.Now(),
		reason,
		id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording session end for %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking session end update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("sqlite: no session row for %s", id)
	}
	return nil
}

// RecordExecution inserts the audit row for one execute call, generating
// its record id.
func (db *DB) RecordExecution(ctx context.Context, rec *repository.ExecutionRecord) error {
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions
			(id, session_id, code, status, stdout, stderr, fault_kind, fault_message, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.SessionID,
		rec.Code,
		rec.Status,
		rec.Stdout,
		rec.Stderr,
		rec.FaultKind,
		rec.FaultMessage,
		rec.Duration.Milliseconds(),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording execution: %w", err)
	}
	return nil
}

// ListExecutions returns a session's execute calls in issue order.
func (db *DB) ListExecutions(ctx context.Context, sessionID string, opts repository.ListOptions) ([]repository.ExecutionRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, session_id, code, status, stdout, stderr, fault_kind, fault_message, duration_ms, created_at
		 FROM executions
		 WHERE session_id = ?
		 ORDER BY created_at ASC
		 LIMIT ? OFFSET ?`,
		sessionID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var records []repository.ExecutionRecord
	for rows.Next() {
		var rec repository.ExecutionRecord
		var durationMS int64
		if err := rows.Scan(
			&rec.ID,
			&rec.SessionID,
			&rec.Code,
			&rec.Status,
			&rec.Stdout,
			&rec.Stderr,
			&rec.FaultKind,
			&rec.FaultMessage,
			&durationMS,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating execution rows: %w", err)
	}

	return records, nil
}

// GetSession returns one session audit row. Mostly useful in tests and
// post-run tooling.
func (db *DB) GetSession(ctx context.Context, id string) (*repository.SessionRecord, error) {
	var rec repository.SessionRecord
	var destroyedAt sql.NullTime
	var reason string

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, created_at, destroyed_at, reason FROM sessions WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.CreatedAt, &destroyedAt, &reason)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("sqlite: no session row for %s", id)
		}
		return nil, fmt.Errorf("sqlite: getting session %s: %w", id, err)
	}

	if destroyedAt.Valid {
		rec.DestroyedAt = &destroyedAt.Time
	}
	rec.Reason = reason
	return &rec, nil
}
