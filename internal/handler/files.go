package handler

import (
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/code-sandbox/internal/service"
)

// FileHandler handles dataset upload and artifact download for sessions.
type FileHandler struct {
	sandbox *service.Sandbox
	logger  *slog.Logger
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(sandbox *service.Sandbox, logger *slog.Logger) *FileHandler {
	return &FileHandler{
		sandbox: sandbox,
		logger:  logger,
	}
}

// HandleUpload copies the request body to a path inside the session's
// working directory. The destination comes from the `path` query parameter.
func (h *FileHandler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dst := r.URL.Query().Get("path")

	h.logger.Info("uploading file to session",
		slog.String("session", id), slog.String("path", dst))

	if err := h.sandbox.UploadFile(r.Context(), id, dst, r.Body); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"path": dst})
}

// HandleDownload streams a file out of the session. Works on an Expired
// session too, so artifacts survive a timeout until the session is
// reclaimed.
func (h *FileHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	src := r.URL.Query().Get("path")

	rc, err := h.sandbox.DownloadFile(r.Context(), id, src)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+path.Base(src))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Error("failed to stream file download",
			slog.String("session", id), slog.String("error", err.Error()))
	}
}

// HandleList lists a directory in the session's working directory. The
// `dir` query parameter defaults to the working directory itself.
func (h *FileHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dir := r.URL.Query().Get("dir")
	if dir == "" {
		dir = "."
	}

	files, err := h.sandbox.ListFiles(r.Context(), id, dir)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"dir": dir, "files": files})
}
