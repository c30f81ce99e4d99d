// Package service contains the business logic layer of the sandbox server.
//
// Handlers parse HTTP and write responses; this layer enforces the session
// semantics: per-call deadlines, the one-execute-per-session rule, timeout
// invalidation, and audit recording. It talks to the session store and the
// history repository, never to HTTP.
package service

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/observability"
	"github.com/sakif/code-sandbox/internal/repository"
	"github.com/sakif/code-sandbox/internal/session"
)

// Validation constants.
const (
	MaxCodeLength = 100000 // ~100KB of code per fragment
)

// Config holds execution policy settings.
type Config struct {
	// DefaultExecTimeout bounds an execute call when the request carries
	// no override.
	DefaultExecTimeout time.Duration
	// MaxExecTimeout clamps per-call overrides.
	MaxExecTimeout time.Duration
	// OpTimeout bounds non-execute engine operations (variable inspection,
	// file listing).
	OpTimeout time.Duration
}

// DefaultConfig provides sensible execution policy defaults.
func DefaultConfig() Config {
	return Config{
		DefaultExecTimeout: 30 * time.Second,
		MaxExecTimeout:     5 * time.Minute,
		OpTimeout:          10 * time.Second,
	}
}

// Health reports whether the server is accepting new sessions, used by the
// orchestrator to decide whether to create a session or retry later.
type Health struct {
	Accepting   bool `json:"accepting"`
	Sessions    int  `json:"sessions"`
	MaxSessions int  `json:"maxSessions"`
}

// Sandbox coordinates the session store, execution policy, and history.
type Sandbox struct {
	store   *session.Store
	history repository.HistoryRepository
	logger  *slog.Logger
	config  Config
}

// NewSandbox creates the sandbox service and hooks session-end events into
// the history repository. history may be nil to disable audit recording.
func NewSandbox(store *session.Store, history repository.HistoryRepository, logger *slog.Logger, cfg Config) *Sandbox {
	s := &Sandbox{
		store:   store,
		history: history,
		logger:  logger,
		config:  cfg,
	}

	if history != nil {
		store.OnEnd = func(id, reason string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := history.RecordSessionEnd(ctx, id, reason); err != nil {
				logger.Error("failed to record session end",
					slog.String("session", id), slog.String("error", err.Error()))
			}
		}
	}

	return s
}

// CreateSession allocates a new session with a fresh engine.
func (s *Sandbox) CreateSession(ctx context.Context) (*session.Session, error) {
	sess, err := s.store.Create(ctx)
	if err != nil {
		return nil, err
	}

	if s.history != nil {
		if err := s.history.RecordSessionStart(ctx, &repository.SessionRecord{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt,
		}); err != nil {
			// Audit failure must not fail the create.
			s.logger.Error("failed to record session start",
				slog.String("session", sess.ID), slog.String("error", err.Error()))
		}
	}

	return sess, nil
}

// GetSession returns a session's bookkeeping snapshot.
func (s *Sandbox) GetSession(id string) (*session.Session, error) {
	return s.store.Get(id)
}

// DestroySession releases a session's engine and forgets the id.
func (s *Sandbox) DestroySession(ctx context.Context, id string) error {
	return s.store.Destroy(ctx, id)
}

// Execute runs one code fragment on a session under a deadline.
//
// Outcomes follow the session state machine: success and fault leave the
// session Active; a deadline expiry forcibly terminates the engine and
// invalidates the session, so the next call against the id gets
// SessionNotFound.
func (s *Sandbox) Execute(ctx context.Context, id string, req engine.Request) (*engine.Result, error) {
	if req.Code == "" {
		return nil, apperror.ValidationFailed("code", "code is required")
	}
	if len(req.Code) > MaxCodeLength {
		return nil, apperror.ValidationFailed("code", "code exceeds maximum length")
	}

	timeout := s.config.DefaultExecTimeout
	if req.Timeout > 0 {
		timeout = min(req.Timeout, s.config.MaxExecTimeout)
	}

	lease, err := s.store.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := lease.Engine().Execute(execCtx, req)
	if err != nil {
		if lease.Engine().Broken() {
			lease.MarkUnreliable()
		}
		return nil, err
	}

	if result.Status == engine.StatusTimedOut {
		lease.MarkUnreliable()
	}

	observability.ExecutionsTotal.WithLabelValues(string(result.Status)).Inc()
	observability.ExecutionDuration.Observe(result.Duration.Seconds())
	s.recordExecution(id, req.Code, result)

	return result, nil
}

// recordExecution writes the audit row for one execute call. Best effort;
// runs on its own context because the request's may already be expired.
func (s *Sandbox) recordExecution(id, code string, result *engine.Result) {
	if s.history == nil {
		return
	}

	rec := &repository.ExecutionRecord{
		SessionID: id,
		Code:      code,
		Status:    string(result.Status),
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Duration:  result.Duration,
	}
	if result.Fault != nil {
		rec.FaultKind = result.Fault.Kind
		rec.FaultMessage = result.Fault.Message
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.RecordExecution(ctx, rec); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("session", id), slog.String("error", err.Error()))
	}
}

// Variables lists the names bound in a session's interpreter namespace.
func (s *Sandbox) Variables(ctx context.Context, id string) ([]string, error) {
	lease, err := s.store.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()
	return lease.Engine().Variables(opCtx)
}

// Variable returns the repr of one binding in a session's namespace.
func (s *Sandbox) Variable(ctx context.Context, id, name string) (string, error) {
	if name == "" {
		return "", apperror.ValidationFailed("name", "variable name is required")
	}

	lease, err := s.store.Acquire(id)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()
	return lease.Engine().Variable(opCtx, name)
}

// UploadFile copies contents into a session's working directory, typically
// the dataset under analysis.
func (s *Sandbox) UploadFile(ctx context.Context, id, path string, contents io.Reader) error {
	if path == "" {
		return apperror.ValidationFailed("path", "destination path is required")
	}

	lease, err := s.store.Acquire(id)
	if err != nil {
		return err
	}
	defer lease.Release()

	return lease.Engine().UploadFile(ctx, path, contents)
}

// DownloadFile streams an artifact out of a session. Allowed on Expired
// sessions too: a timed-out fragment's partial outputs stay retrievable
// until the session is reclaimed.
func (s *Sandbox) DownloadFile(ctx context.Context, id, path string) (io.ReadCloser, error) {
	if path == "" {
		return nil, apperror.ValidationFailed("path", "file path is required")
	}

	lease, err := s.store.AcquireAny(id)
	if err != nil {
		return nil, err
	}

	rc, err := lease.Engine().DownloadFile(ctx, path)
	if err != nil {
		lease.Release()
		return nil, err
	}

	return &leasedReadCloser{rc: rc, lease: lease}, nil
}

// leasedReadCloser holds the session lease until the download stream is
// closed, so a concurrent execute cannot race the copy.
type leasedReadCloser struct {
	rc    io.ReadCloser
	lease *session.Lease
}

func (l *leasedReadCloser) Read(p []byte) (int, error) { return l.rc.Read(p) }

func (l *leasedReadCloser) Close() error {
	err := l.rc.Close()
	l.lease.Release()
	return err
}

// ListFiles lists a directory in a session's working directory.
func (s *Sandbox) ListFiles(ctx context.Context, id, dir string) ([]engine.FileInfo, error) {
	lease, err := s.store.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	opCtx, cancel := context.WithTimeout(ctx, s.config.OpTimeout)
	defer cancel()
	return lease.Engine().ListFiles(opCtx, dir)
}

// ListExecutions returns a session's recorded execute history.
func (s *Sandbox) ListExecutions(ctx context.Context, id string, opts repository.ListOptions) ([]repository.ExecutionRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ListExecutions(ctx, id, opts)
}

// Health reports acceptance and occupancy for the orchestrator.
func (s *Sandbox) Health() Health {
	return Health{
		Accepting:   s.store.Accepting(),
		Sessions:    s.store.Len(),
		MaxSessions: s.store.Capacity(),
	}
}
