// Package enginetest provides in-memory fakes of the engine interfaces so
// store, service, and handler tests run without a Docker daemon.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sakif/code-sandbox/internal/engine"
)

// FakeEngine imitates the persistent-interpreter contract with a string
// binding table. It understands three fragment shapes:
//
//	"x = 1"   binds x
//	"x"       returns the binding's value as the result value
//	"raise"   returns a faulted result (kind ZeroDivisionError)
//
// ExecDelay simulates slow code; when the context expires first the engine
// reports a timed_out result and Broken() afterwards, matching the Docker
// engine's forced-termination behavior.
type FakeEngine struct {
	ExecDelay time.Duration
	// ExecFunc overrides Execute entirely when set.
	ExecFunc func(ctx context.Context, req engine.Request) (*engine.Result, error)

	mu     sync.Mutex
	vars   map[string]string
	files  map[string][]byte
	broken bool
	closed bool
	calls  int
}

var _ engine.Engine = (*FakeEngine)(nil)

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		vars:  make(map[string]string),
		files: make(map[string][]byte),
	}
}

// Calls reports how many Execute calls this engine served.
func (f *FakeEngine) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Closed reports whether Close was called.
func (f *FakeEngine) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeEngine) Execute(ctx context.Context, req engine.Request) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, req)
	}

	start := time.Now()
	if f.ExecDelay > 0 {
		timer := time.NewTimer(f.ExecDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			f.mu.Lock()
			f.broken = true
			f.mu.Unlock()
			return &engine.Result{
				Status:   engine.StatusTimedOut,
				Duration: time.Since(start),
			}, nil
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	code := strings.TrimSpace(req.Code)
	result := &engine.Result{Status: engine.StatusOk, Duration: time.Since(start)}

	switch {
	case code == "raise":
		result.Status = engine.StatusFaulted
		result.Fault = &engine.Fault{
			Kind:      "ZeroDivisionError",
			Message:   "division by zero",
			Traceback: "Traceback (most recent call last):\n  ...\nZeroDivisionError: division by zero",
		}
	case strings.Contains(code, "="):
		parts := strings.SplitN(code, "=", 2)
		f.vars[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	default:
		if v, ok := f.vars[code]; ok {
			result.Value = v
		} else {
			result.Status = engine.StatusFaulted
			result.Fault = &engine.Fault{
				Kind:    "NameError",
				Message: fmt.Sprintf("name '%s' is not defined", code),
			}
		}
	}

	return result, nil
}

func (f *FakeEngine) Variables(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.vars))
	for name := range f.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeEngine) Variable(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.vars[name]
	if !ok {
		return "", fmt.Errorf("NameError: name '%s' is not defined", name)
	}
	return v, nil
}

func (f *FakeEngine) UploadFile(ctx context.Context, path string, contents io.Reader) error {
	data, err := io.ReadAll(contents)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *FakeEngine) DownloadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *FakeEngine) ListFiles(ctx context.Context, dir string) ([]engine.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]engine.FileInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, engine.FileInfo{Name: name, Size: int64(len(f.files[name]))})
	}
	return infos, nil
}

func (f *FakeEngine) Broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.broken
}

func (f *FakeEngine) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeProvisioner hands out FakeEngines and remembers them for assertions.
type FakeProvisioner struct {
	// ExecDelay is copied onto every engine it creates.
	ExecDelay time.Duration
	// StartErr makes StartEngine fail when set.
	StartErr error

	mu      sync.Mutex
	engines []*FakeEngine
}

var _ engine.Provisioner = (*FakeProvisioner)(nil)

func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{}
}

func (p *FakeProvisioner) StartEngine(ctx context.Context) (engine.Engine, error) {
	if p.StartErr != nil {
		return nil, p.StartErr
	}

	e := NewFakeEngine()
	e.ExecDelay = p.ExecDelay

	p.mu.Lock()
	p.engines = append(p.engines, e)
	p.mu.Unlock()
	return e, nil
}

// Engines returns every engine started so far.
func (p *FakeProvisioner) Engines() []*FakeEngine {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeEngine(nil), p.engines...)
}

func (p *FakeProvisioner) Close() error {
	return nil
}
