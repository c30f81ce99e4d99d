package repository

import (
	"context"
	"time"
)

// SessionRecord is the audit row for one session's lifetime.
type SessionRecord struct {
	ID          string     `json:"id"`
	CreatedAt   time.Time  `json:"createdAt"`
	DestroyedAt *time.Time `json:"destroyedAt,omitempty"`
	// Reason the session ended: "explicit", "idle", or "timeout".
	Reason string `json:"reason,omitempty"`
}

// ExecutionRecord is the audit row for one execute call. The benchmark
// compiles per-query code/output transcripts from these after a run.
type ExecutionRecord struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"sessionId"`
	Code         string        `json:"code"`
	Status       string        `json:"status"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	FaultKind    string        `json:"faultKind,omitempty"`
	FaultMessage string        `json:"faultMessage,omitempty"`
	Duration     time.Duration `json:"duration"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type ListOptions struct {
	Limit  int
	Offset int
}

// HistoryRepository records session and execution history for post-run
// inspection.
type HistoryRepository interface {
	RecordSessionStart(ctx context.Context, rec *SessionRecord) error
	RecordSessionEnd(ctx context.Context, id, reason string) error
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
	ListExecutions(ctx context.Context, sessionID string, opts ListOptions) ([]ExecutionRecord, error)
}
