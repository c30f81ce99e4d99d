package handler

// Response helpers shared by all API endpoints. Every error response has
// the same shape:
//
//	{"error": "session_not_found", "message": "session not found with id abc123"}
//
// so the orchestrator can branch on the machine-readable kind without
// parsing messages.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-sandbox/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error kind (e.g., "session_busy")
	Message string `json:"message"` // Human-readable description
}

// writeJSON sends a JSON response with the given status code. Headers must
// be set before the first body write.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent — we can only log it.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// writeError maps a domain error to the appropriate HTTP status code and
// sends it. The service layer returns apperror values; this is the only
// place they are translated to HTTP.
//
// Contract for callers: session_not_found means create a new session;
// session_busy means retry after backoff; capacity_exceeded means retry
// later or surface a hard failure upward.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status := http.StatusInternalServerError
		errorType := "internal_error"

		switch {
		case errors.Is(err, apperror.ErrValidation):
			status = http.StatusBadRequest // 400
			errorType = "validation_error"
		case errors.Is(err, apperror.ErrSessionNotFound):
			status = http.StatusNotFound // 404
			errorType = "session_not_found"
		case errors.Is(err, apperror.ErrSessionBusy):
			status = http.StatusConflict // 409
			errorType = "session_busy"
		case errors.Is(err, apperror.ErrCapacityExceeded):
			status = http.StatusServiceUnavailable // 503
			errorType = "capacity_exceeded"
		}

		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
		})
		return
	}

	// Unknown error — return a generic 500 and keep internals out of the
	// response body.
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
