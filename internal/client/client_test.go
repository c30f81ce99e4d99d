package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fastRetry keeps test backoff in the microsecond range.
func fastRetry() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Retry:      fastRetry(),
	}, testLogger())
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestCreateAndGetSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/sessions":
			writeJSONStatus(w, http.StatusCreated, map[string]string{"id": "s1", "status": "active"})
		case r.Method == http.MethodGet && r.URL.Path == "/api/sessions/s1":
			writeJSONStatus(w, http.StatusOK, map[string]string{"id": "s1", "status": "active"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	sess, err := c.CreateSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)

	sess, err = c.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
}

func TestExecuteResultPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sessions/s1/execute", r.URL.Path)

		var payload struct {
			Code           string  `json:"code"`
			TimeoutSeconds float64 `json:"timeoutSeconds"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "1/0", payload.Code)
		assert.Equal(t, 2.5, payload.TimeoutSeconds)

		writeJSONStatus(w, http.StatusOK, engine.Result{
			Status: engine.StatusFaulted,
			Fault: &engine.Fault{
				Kind:      "ZeroDivisionError",
				Message:   "division by zero",
				Traceback: "Traceback ...",
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result, err := c.Execute(context.Background(), "s1", "1/0", 2500*time.Millisecond)
	require.NoError(t, err)

	// A fault is a result, not an error: the orchestrator feeds the
	// traceback back to the model.
	assert.Equal(t, engine.StatusFaulted, result.Status)
	require.NotNil(t, result.Fault)
	assert.Equal(t, "ZeroDivisionError", result.Fault.Kind)
}

func TestExecuteRetriesBusy(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSONStatus(w, http.StatusConflict, map[string]string{
				"error": "session_busy", "message": "session s1 has a call in flight",
			})
			return
		}
		writeJSONStatus(w, http.StatusOK, engine.Result{Status: engine.StatusOk, Value: "2"})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	result, err := c.Execute(context.Background(), "s1", "x + 1", 0)
	require.NoError(t, err)
	assert.Equal(t, "2", result.Value)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSessionNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSONStatus(w, http.StatusNotFound, map[string]string{
			"error": "session_not_found", "message": "session not found with id s1",
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Execute(context.Background(), "s1", "x", 0)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestErrorKindMapping(t *testing.T) {
	tests := []struct {
		status int
		kind   string
		want   error
	}{
		{http.StatusNotFound, "session_not_found", apperror.ErrSessionNotFound},
		{http.StatusConflict, "session_busy", apperror.ErrSessionBusy},
		{http.StatusServiceUnavailable, "capacity_exceeded", apperror.ErrCapacityExceeded},
		{http.StatusBadRequest, "validation_error", apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSONStatus(w, tt.status, map[string]string{"error": tt.kind, "message": "boom"})
			}))
			defer srv.Close()

			c := newTestClient(srv)
			_, err := c.GetSession(context.Background(), "s1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// flakyTransport fails the first n round trips at the transport level.
type flakyTransport struct {
	failures atomic.Int32
	inner    http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.inner.RoundTrip(req)
}

func TestTransportFailuresRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusOK, map[string]string{"id": "s1", "status": "active"})
	}))
	defer srv.Close()

	tr := &flakyTransport{inner: http.DefaultTransport}
	tr.failures.Store(2)

	c := New(Config{
		BaseURL:    srv.URL,
		HTTPClient: &http.Client{Transport: tr},
		Retry:      fastRetry(),
	}, testLogger())

	sess, err := c.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
}

func TestTransportFailureExhaustsRetries(t *testing.T) {
	tr := &flakyTransport{inner: http.DefaultTransport}
	tr.failures.Store(100)

	c := New(Config{
		BaseURL:    "http://sandbox.invalid",
		HTTPClient: &http.Client{Transport: tr},
		Retry:      fastRetry(),
	}, testLogger())

	_, err := c.GetSession(context.Background(), "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 4 attempts")
}

func TestFileUploadDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/sessions/s1/files":
			assert.Equal(t, "data.csv", r.URL.Query().Get("path"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "a,b\n", string(body))
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && r.URL.Path == "/api/sessions/s1/files/download":
			assert.Equal(t, "out.png", r.URL.Query().Get("path"))
			w.Header().Set("Content-Type", "application/octet-stream")
			fmt.Fprint(w, "binary-bytes")
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := newTestClient(srv)
	require.NoError(t, c.UploadFile(context.Background(), "s1", "data.csv", strings.NewReader("a,b\n")))

	rc, err := c.DownloadFile(context.Background(), "s1", "out.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "binary-bytes", string(data))
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/health", r.URL.Path)
		writeJSONStatus(w, http.StatusOK, map[string]interface{}{
			"accepting": true, "sessions": 3, "maxSessions": 16,
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Accepting)
	assert.Equal(t, 3, h.Sessions)
	assert.Equal(t, 16, h.MaxSessions)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 10*time.Second, p.Delay(10))
}
