package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-sandbox/internal/service"
)

// SessionHandler handles session lifecycle requests.
type SessionHandler struct {
	sandbox *service.Sandbox
	logger  *slog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sandbox *service.Sandbox, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sandbox: sandbox,
		logger:  logger,
	}
}

// HandleCreate allocates a new session and returns its identifier.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sandbox.CreateSession(r.Context())
	if err != nil {
		h.logger.Warn("session create rejected", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// HandleGet reports a session's status and activity timestamps.
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := h.sandbox.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// HandleDestroy releases a session's engine. Destroying an unknown or
// already-destroyed id returns 404.
func (h *SessionHandler) HandleDestroy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.sandbox.DestroySession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// HandleHealth reports whether the server is accepting new sessions and
// the current session count.
func (h *SessionHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sandbox.Health())
}
