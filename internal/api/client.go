// Package api provides a typed REST client for the theme-ingestion backend.
//
// Response shapes are normalized at this boundary: endpoints that may return
// either a bare array or a wrapped object come out as one Go type, so the
// rest of the engine never branches on payload shape.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client talks to the backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Used to install the
// session transport and cookie jar.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New creates a client for the given base URL.
// If baseURL is empty, uses THEMECTL_SERVER_URL or defaults to localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("THEMECTL_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Minute, // processing runs server-side in one call
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// errorPayload is the backend's error envelope.
type errorPayload struct {
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var payload errorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Code
		// Prefer the most specific server-provided message.
		switch {
		case payload.Detail != "":
			apiErr.Detail = payload.Detail
		case payload.Message != "":
			apiErr.Detail = payload.Message
		case payload.Error != "":
			apiErr.Detail = payload.Error
		}
	}
	if apiErr.Detail == "" {
		apiErr.Detail = strings.TrimSpace(string(body))
	}
	return apiErr
}

// =============================================================================
// AUTH
// =============================================================================

// Token obtains a bearer-mode credential.
func (c *Client) Token(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/token", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login obtains a cookie-mode credential; the session cookie lands in the jar.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshToken refreshes a bearer-mode credential.
func (c *Client) RefreshToken(ctx context.Context) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh-token", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshSession refreshes a cookie-mode session.
func (c *Client) RefreshSession(ctx context.Context) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh-session", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshCSRF rotates the CSRF token. The endpoint itself is exempt from
// CSRF-header injection; see session.Transport.
func (c *Client) RefreshCSRF(ctx context.Context) (string, error) {
	var resp struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh-csrf", nil, &resp); err != nil {
		return "", err
	}
	return resp.CSRFToken, nil
}

// Me probes the authenticated "who am I" endpoint.
func (c *Client) Me(ctx context.Context) (*MeResponse, error) {
	var resp MeResponse
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout invalidates the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
}

// =============================================================================
// THEMES
// =============================================================================

// CreateTheme creates a new theme collection.
func (c *Client) CreateTheme(ctx context.Context, name, description string, isPublic bool) (*Theme, error) {
	req := map[string]any{
		"name":        name,
		"description": description,
		"is_public":   isPublic,
	}
	var resp Theme
	if err := c.do(ctx, http.MethodPost, "/themes", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListThemes returns all themes. The server has returned both a bare array
// and a {themes: [...]} object across versions; both are accepted.
func (c *Client) ListThemes(ctx context.Context) ([]Theme, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/themes", nil, &raw); err != nil {
		return nil, err
	}
	return normalizeList[Theme](raw, "themes")
}

// DeleteTheme removes a theme and its files.
func (c *Client) DeleteTheme(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/themes/"+url.PathEscape(id), nil, nil)
}

// FinalizeTheme marks a theme's ingestion as finished.
func (c *Client) FinalizeTheme(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/themes/"+url.PathEscape(id)+"/finalize", nil, nil)
}

// ListThemeFiles returns the files uploaded to a theme.
func (c *Client) ListThemeFiles(ctx context.Context, themeID string) ([]FileInfo, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/themes/"+url.PathEscape(themeID)+"/files", nil, &raw); err != nil {
		return nil, err
	}
	return normalizeList[FileInfo](raw, "files")
}

// normalizeList accepts either a bare JSON array or an object wrapping the
// array under key, and decodes to a single slice type.
func normalizeList[T any](raw json.RawMessage, key string) ([]T, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("unmarshal list: %w", err)
		}
		return items, nil
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("unmarshal list wrapper: %w", err)
	}
	inner, ok := wrapped[key]
	if !ok {
		return nil, fmt.Errorf("response has neither array nor %q field", key)
	}
	var items []T
	if err := json.Unmarshal(inner, &items); err != nil {
		return nil, fmt.Errorf("unmarshal %q list: %w", key, err)
	}
	return items, nil
}

// =============================================================================
// FILES
// =============================================================================

// UploadFiles uploads local files to a theme as one multipart request.
func (c *Client) UploadFiles(ctx context.Context, themeID string, paths []string) ([]FileInfo, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("theme_id", themeID); err != nil {
		return nil, fmt.Errorf("write theme_id field: %w", err)
	}
	for _, path := range paths {
		if err := appendFilePart(writer, path); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var raw json.RawMessage
	if err := c.send(req, &raw); err != nil {
		return nil, err
	}
	return normalizeList[FileInfo](raw, "files")
}

func appendFilePart(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("copy %s into request: %w", path, err)
	}
	return nil
}

// DeleteFile removes a single uploaded file.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/files/"+url.PathEscape(id), nil, nil)
}

// ProcessFiles runs ingestion, chunking, embedding and vector storage for all
// files of a theme. Synchronous from the client's perspective.
func (c *Client) ProcessFiles(ctx context.Context, req ProcessRequest) (*ProcessReport, error) {
	var resp ProcessReport
	if err := c.do(ctx, http.MethodPost, "/files/process", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// TASKS
// =============================================================================

// CreateTask creates a pipeline task for a theme.
func (c *Client) CreateTask(ctx context.Context, themeID, name string) (*Task, error) {
	req := map[string]any{"theme_id": themeID, "name": name}
	var resp Task
	if err := c.do(ctx, http.MethodPost, "/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTasks returns the tasks for a theme, most recent first.
func (c *Client) ListTasks(ctx context.Context, themeID string) ([]Task, error) {
	var raw json.RawMessage
	path := "/tasks?theme_id=" + url.QueryEscape(themeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return normalizeList[Task](raw, "tasks")
}

// GetTask retrieves a task by ID.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var resp Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelTask cancels a running task.
func (c *Client) CancelTask(ctx context.Context, id string) (*Task, error) {
	var resp Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResumeTask resumes a paused or failed task.
func (c *Client) ResumeTask(ctx context.Context, id string) (*Task, error) {
	var resp Task
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AppendTaskLogs appends log lines to a task's server-side log.
func (c *Client) AppendTaskLogs(ctx context.Context, id string, lines []string) error {
	req := map[string]any{"logs": lines}
	return c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/logs", req, nil)
}
