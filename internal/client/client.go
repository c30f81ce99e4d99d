// Package client is the orchestrator-facing client for the sandbox server.
//
// It exposes the server's outcomes as typed values the orchestration loop
// can branch on: a Faulted result feeds the traceback back to the model, a
// TimedOut result means destroy-and-recreate, SessionNotFound means the
// session is gone. Only transport failures and busy sessions are retried,
// with exponential backoff and a bounded attempt count.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/engine"
	"github.com/sakif/code-sandbox/internal/service"
	"github.com/sakif/code-sandbox/internal/session"
)

// Config holds client settings.
type Config struct {
	// BaseURL is the sandbox server root, e.g. "http://localhost:8080".
	BaseURL string
	// HTTPClient overrides the default client (useful in tests).
	HTTPClient *http.Client
	// Retry controls transport-failure and busy backoff.
	Retry RetryPolicy
}

// Client talks to one sandbox server.
type Client struct {
	baseURL string
	http    *http.Client
	retry   RetryPolicy
	logger  *slog.Logger
}

// New creates a sandbox client.
func New(cfg Config, logger *slog.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialDelay == 0 {
		retry = DefaultRetryPolicy()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		retry:   retry,
		logger:  logger,
	}
}

// CreateSession allocates a new session on the server.
func (c *Client) CreateSession(ctx context.Context) (*session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", nil, &sess, false); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession fetches a session's status snapshot.
func (c *Client) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var sess session.Session
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &sess, false); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DestroySession releases a session on the server.
func (c *Client) DestroySession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/sessions/"+url.PathEscape(id), nil, nil, false)
}

// executePayload mirrors the server's execute request body.
type executePayload struct {
	Code           string  `json:"code"`
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty"`
}

// Execute runs one code fragment on a session. A busy session is retried
// with backoff; Faulted and TimedOut come back as results, not errors.
func (c *Client) Execute(ctx context.Context, id, code string, timeout time.Duration) (*engine.Result, error) {
	payload := executePayload{Code: code}
	if timeout > 0 {
		payload.TimeoutSeconds = timeout.Seconds()
	}

	var result engine.Result
	path := "/api/sessions/" + url.PathEscape(id) + "/execute"
	if err := c.do(ctx, http.MethodPost, path, payload, &result, true); err != nil {
		return nil, err
	}
	return &result, nil
}

// Variables lists the names bound in the session's namespace.
func (c *Client) Variables(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Variables []string `json:"variables"`
	}
	path := "/api/sessions/" + url.PathEscape(id) + "/variables"
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return nil, err
	}
	return out.Variables, nil
}

// Variable returns the repr of one binding.
func (c *Client) Variable(ctx context.Context, id, name string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	path := "/api/sessions/" + url.PathEscape(id) + "/variables/" + url.PathEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, false); err != nil {
		return "", err
	}
	return out.Value, nil
}

// UploadFile copies contents into the session's working directory,
// typically the dataset before the first execute.
func (c *Client) UploadFile(ctx context.Context, id, dst string, contents io.Reader) error {
	u := c.baseURL + "/api/sessions/" + url.PathEscape(id) + "/files?path=" + url.QueryEscape(dst)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, contents)
	if err != nil {
		return fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport failure: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return c.decodeError(resp)
	}
	return nil
}

// DownloadFile streams an artifact from the session. The caller closes the
// returned reader.
func (c *Client) DownloadFile(ctx context.Context, id, src string) (io.ReadCloser, error) {
	u := c.baseURL + "/api/sessions/" + url.PathEscape(id) + "/files/download?path=" + url.QueryEscape(src)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport failure: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeError(resp)
	}
	return resp.Body, nil
}

// Health reports whether the server is accepting new sessions.
func (c *Client) Health(ctx context.Context) (*service.Health, error) {
	var health service.Health
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &health, false); err != nil {
		return nil, err
	}
	return &health, nil
}

// do performs one JSON request/response round trip with the retry policy.
// Transport failures always retry up to the bound; HTTP-level busy
// responses retry only when retryBusy is set.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}, retryBusy bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.retry.Delay(attempt-1)); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Transport failure: connection refused, reset, DNS. Retry
			// with backoff, then surface as fatal for this query.
			lastErr = err
			c.logger.Warn("sandbox call failed, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		apiErr := c.handleResponse(resp, out)
		if apiErr == nil {
			return nil
		}
		if retryBusy && errors.Is(apiErr, apperror.ErrSessionBusy) {
			lastErr = apiErr
			continue
		}
		return apiErr
	}

	return fmt.Errorf("giving up after %d attempts: %w", c.retry.MaxRetries+1, lastErr)
}

// handleResponse decodes a success body into out, or maps an error body to
// the matching apperror kind.
func (c *Client) handleResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response body: %w", err)
		}
		return nil
	}

	return c.decodeError(resp)
}

// decodeError turns an error response into the matching domain error so
// callers can use errors.Is against the apperror sentinels.
func (c *Client) decodeError(resp *http.Response) error {
	var errBody struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		return fmt.Errorf("server returned %d with unreadable body", resp.StatusCode)
	}

	sentinel := map[string]error{
		"session_not_found": apperror.ErrSessionNotFound,
		"session_busy":      apperror.ErrSessionBusy,
		"capacity_exceeded": apperror.ErrCapacityExceeded,
		"validation_error":  apperror.ErrValidation,
	}[errBody.Error]
	if sentinel == nil {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, errBody.Message)
	}

	return &apperror.AppError{Err: sentinel, Message: errBody.Message}
}

// sleep waits for the backoff delay unless the context ends first.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
