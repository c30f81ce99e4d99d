package engine

import (
	"context"
	"io"
	"time"
)

// Status is the terminal outcome of a single execute call. Exactly one
// status holds per result.
type Status string

const (
	StatusOk       Status = "ok"
	StatusFaulted  Status = "faulted"
	StatusTimedOut Status = "timed_out"
)

// Request represents a request to execute one code fragment.
type Request struct {
	Code string `json:"code"`
	// Timeout overrides the server's default execute deadline when > 0.
	Timeout time.Duration `json:"-"`
}

// Fault describes an unhandled error raised by executed code. It is a
// normal outcome, distinct from transport or infrastructure errors.
type Fault struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// Result represents the captured outcome of one execute call.
type Result struct {
	Status Status `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	// Value is the repr of the fragment's trailing expression, if any.
	Value    string        `json:"value,omitempty"`
	Fault    *Fault        `json:"fault,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FileInfo describes one entry in the engine's working directory.
type FileInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// Engine is a single long-lived interpreter owned by one session. Its
// state (bindings, imports, open resources) persists across Execute calls
// and is never shared across sessions. Implementations are NOT safe for
// concurrent use; the session store serializes callers.
type Engine interface {
	// Execute runs one code fragment synchronously. A faulted fragment
	// does not roll back state — partial side effects persist, mirroring
	// interpreter semantics. On deadline expiry the underlying process is
	// forcibly terminated, a timed_out result is returned, and the engine
	// must be discarded (Broken reports true).
	Execute(ctx context.Context, req Request) (*Result, error)

	// Variables lists the names bound in the interpreter namespace.
	Variables(ctx context.Context) ([]string, error)
	// Variable returns the repr of one binding.
	Variable(ctx context.Context, name string) (string, error)

	// UploadFile copies contents into the engine's working directory.
	UploadFile(ctx context.Context, path string, contents io.Reader) error
	// DownloadFile streams a file out of the engine. The caller closes it.
	DownloadFile(ctx context.Context, path string) (io.ReadCloser, error)
	// ListFiles lists a directory inside the engine.
	ListFiles(ctx context.Context, dir string) ([]FileInfo, error)

	// Broken reports whether the engine was forcibly terminated and can no
	// longer be trusted.
	Broken() bool

	// Close releases the engine's resources.
	Close(ctx context.Context) error
}

// Provisioner allocates fresh engines for new sessions.
type Provisioner interface {
	StartEngine(ctx context.Context) (Engine, error)
	Close() error
}
