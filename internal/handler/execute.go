package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/repository"
	"github.com/sakif/code-sandbox/internal/service"
)

// ExecuteHandler handles code execution and namespace inspection requests.
type ExecuteHandler struct {
	sandbox *service.Sandbox
	logger  *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(sandbox *service.Sandbox, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		sandbox: sandbox,
		logger:  logger,
	}
}

// executeRequest is the wire form of an execute call.
type executeRequest struct {
	Code string `json:"code"`
	// TimeoutSeconds overrides the server's default execute deadline.
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
}

// HandleExecute runs one code fragment on a session.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "invalid request body",
		})
		return
	}

	h.logger.Info("executing code fragment", slog.String("session", id))

	result, err := h.sandbox.Execute(r.Context(), id, engine.Request{
		Code:    req.Code,
		Timeout: time.Duration(req.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// HandleVariables lists the names bound in a session's namespace.
func (h *ExecuteHandler) HandleVariables(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	names, err := h.sandbox.Variables(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string][]string{"variables": names})
}

// HandleVariable returns the repr of one binding.
func (h *ExecuteHandler) HandleVariable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	value, err := h.sandbox.Variable(r.Context(), id, name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
}

// HandleExecutions returns a session's recorded execute history.
func (h *ExecuteHandler) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opts := repository.ListOptions{}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}

	records, err := h.sandbox.ListExecutions(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []repository.ExecutionRecord{}
	}

	writeJSON(w, http.StatusOK, map[string][]repository.ExecutionRecord{"executions": records})
}
