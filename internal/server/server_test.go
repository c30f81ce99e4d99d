package server_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/client"
	"github.com/sakif/code-sandbox/internal/config"
	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/engine/enginetest"
	"github.com/sakif/code-sandbox/internal/server"
	"github.com/sakif/code-sandbox/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testServer struct {
	client *client.Client
	prov   *enginetest.FakeProvisioner
	url    string
}

// newTestServer wires the full HTTP stack over a fake engine provisioner
// and returns a client pointed at it.
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Defaults()
	cfg.History.Path = ":memory:"
	if mutate != nil {
		mutate(&cfg)
	}

	prov := enginetest.NewFakeProvisioner()
	srv, err := server.New(&cfg, testLogger(), prov)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	c := client.New(client.Config{
		BaseURL:    ts.URL,
		HTTPClient: ts.Client(),
		Retry: client.RetryPolicy{
			MaxRetries:        2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}, testLogger())

	return &testServer{client: c, prov: prov, url: ts.URL}
}

// TestSessionRoundTrip walks the orchestrator's happy path end to end:
// create, run stateful fragments, inspect, destroy, observe the id is gone.
func TestSessionRoundTrip(t *testing.T) {
	c := newTestServer(t, nil).client
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StatusActive, sess.Status)

	result, err := c.Execute(ctx, sess.ID, "x = 1", 0)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOk, result.Status)

	result, err = c.Execute(ctx, sess.ID, "x", 0)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOk, result.Status)
	assert.Equal(t, "1", result.Value)

	names, err := c.Variables(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, names)

	value, err := c.Variable(ctx, sess.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	require.NoError(t, c.DestroySession(ctx, sess.ID))

	_, err = c.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
	_, err = c.Execute(ctx, sess.ID, "x", 0)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestFaultComesBackAsResult(t *testing.T) {
	c := newTestServer(t, nil).client
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)

	result, err := c.Execute(ctx, sess.ID, "raise", 0)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFaulted, result.Status)
	require.NotNil(t, result.Fault)
	assert.Equal(t, "ZeroDivisionError", result.Fault.Kind)
	assert.NotEmpty(t, result.Fault.Traceback)

	// Session is still usable after the fault.
	result, err = c.Execute(ctx, sess.ID, "y = 2", 0)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOk, result.Status)
}

func TestTimeoutInvalidatesSessionOverHTTP(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Sessions.DefaultExecTimeout = 30 * time.Millisecond
	})
	ts.prov.ExecDelay = time.Second
	c := ts.client
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)

	result, err := c.Execute(ctx, sess.ID, "while True: pass", 0)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusTimedOut, result.Status)

	_, err = c.Execute(ctx, sess.ID, "x", 0)
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}

func TestCapacityExceededOverHTTP(t *testing.T) {
	c := newTestServer(t, func(cfg *config.Config) {
		cfg.Sessions.MaxSessions = 1
	}).client
	ctx := context.Background()

	_, err := c.CreateSession(ctx)
	require.NoError(t, err)

	_, err = c.CreateSession(ctx)
	assert.ErrorIs(t, err, apperror.ErrCapacityExceeded)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.False(t, h.Accepting)
	assert.Equal(t, 1, h.Sessions)
	assert.Equal(t, 1, h.MaxSessions)
}

func TestConcurrentExecutesSerialized(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.prov.ExecDelay = 100 * time.Millisecond
	c := ts.client
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)

	// Two concurrent executes against one session: with retries exhausted
	// faster than the in-flight call, exactly one succeeds immediately and
	// the other either retries into success or surfaces busy. Either way
	// the engine must never see overlapping calls.
	var wg sync.WaitGroup
	outcomes := make([]error, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, outcomes[i] = c.Execute(ctx, sess.ID, "x = 1", 0)
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range outcomes {
		if err != nil {
			assert.ErrorIs(t, err, apperror.ErrSessionBusy)
			failures++
		}
	}
	assert.LessOrEqual(t, failures, 1)
}

func TestExecutionHistoryOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.client
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)
	_, err = c.Execute(ctx, sess.ID, "x = 1", 0)
	require.NoError(t, err)
	_, err = c.Execute(ctx, sess.ID, "raise", 0)
	require.NoError(t, err)

	resp, err := http.Get(ts.url + "/api/sessions/" + sess.ID + "/executions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Executions []struct {
			Code   string `json:"code"`
			Status string `json:"status"`
		} `json:"executions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Executions, 2)
	assert.Equal(t, "x = 1", body.Executions[0].Code)
	assert.Equal(t, "faulted", body.Executions[1].Status)
}

func TestValidationErrorOverHTTP(t *testing.T) {
	c := newTestServer(t, nil).client
	ctx := context.Background()

	sess, err := c.CreateSession(ctx)
	require.NoError(t, err)

	_, err = c.Execute(ctx, sess.ID, "", 0)
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := config.Defaults()
	cfg.History.Enabled = false

	srv, err := server.New(&cfg, testLogger(), enginetest.NewFakeProvisioner())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
