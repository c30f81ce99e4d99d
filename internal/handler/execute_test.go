package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/engine/enginetest"
	"github.com/sakif/code-sandbox/internal/handler"
	"github.com/sakif/code-sandbox/internal/service"
	"github.com/sakif/code-sandbox/internal/session"
)

// newHandlerFixture assembles the session routes over a fake engine, the
// minimum wiring needed to exercise handlers without Docker overhead.
func newHandlerFixture(t *testing.T) (*chi.Mux, *service.Sandbox) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := session.New(session.Config{
		MaxSessions:   4,
		IdleTimeout:   time.Hour,
		SweepInterval: time.Hour,
	}, enginetest.NewFakeProvisioner(), logger)
	t.Cleanup(store.Stop)

	sandbox := service.NewSandbox(store, nil, logger, service.DefaultConfig())

	executeHandler := handler.NewExecuteHandler(sandbox, logger)
	sessionHandler := handler.NewSessionHandler(sandbox, logger)

	router := chi.NewRouter()
	router.Post("/api/sessions", sessionHandler.HandleCreate)
	router.Post("/api/sessions/{id}/execute", executeHandler.HandleExecute)
	router.Get("/api/sessions/{id}/variables", executeHandler.HandleVariables)
	router.Get("/api/sessions/{id}/variables/{name}", executeHandler.HandleVariable)

	return router, sandbox
}

func TestExecuteHandler_HandleExecute(t *testing.T) {
	router, sandbox := newHandlerFixture(t)
	sess, err := sandbox.CreateSession(context.Background())
	require.NoError(t, err)

	t.Run("valid execution", func(t *testing.T) {
		reqBody := `{"code":"x = 1"}`
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/execute", bytes.NewBufferString(reqBody))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var res engine.Result
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.Equal(t, engine.StatusOk, res.Status)
	})

	t.Run("invalid request body", func(t *testing.T) {
		reqBody := `{"invalid_json":`
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/execute", bytes.NewBufferString(reqBody))
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("empty code", func(t *testing.T) {
		reqBody := `{"code":""}`
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID+"/execute", bytes.NewBufferString(reqBody))
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var errRes handler.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&errRes))
		assert.Equal(t, "validation_error", errRes.Error)
	})

	t.Run("unknown session", func(t *testing.T) {
		reqBody := `{"code":"x = 1"}`
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/ghost/execute", bytes.NewBufferString(reqBody))
		rr := httptest.NewRecorder()

		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)

		var errRes handler.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&errRes))
		assert.Equal(t, "session_not_found", errRes.Error)
	})
}

func TestExecuteHandler_Variables(t *testing.T) {
	router, sandbox := newHandlerFixture(t)
	sess, err := sandbox.CreateSession(context.Background())
	require.NoError(t, err)

	_, err = sandbox.Execute(context.Background(), sess.ID, engine.Request{Code: "a = 7"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID+"/variables", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var listRes struct {
		Variables []string `json:"variables"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&listRes))
	assert.Equal(t, []string{"a"}, listRes.Variables)

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID+"/variables/a", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var varRes struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&varRes))
	assert.Equal(t, "a", varRes.Name)
	assert.Equal(t, "7", varRes.Value)
}
