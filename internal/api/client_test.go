package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListThemesAcceptsBothShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{
			name: "bare array",
			body: `[{"id":"t1","name":"One"},{"id":"t2","name":"Two"}]`,
			want: 2,
		},
		{
			name: "wrapped object",
			body: `{"themes":[{"id":"t1","name":"One"}]}`,
			want: 1,
		},
		{
			name: "null body",
			body: `null`,
			want: 0,
		},
		{
			name: "empty wrapped list",
			body: `{"themes":[]}`,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/themes", r.URL.Path)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			themes, err := New(srv.URL).ListThemes(context.Background())
			require.NoError(t, err)
			assert.Len(t, themes, tt.want)
		})
	}
}

func TestListThemesRejectsUnknownShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"collections":[]}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).ListThemes(context.Background())
	assert.Error(t, err)
}

func TestErrorPayloadParsing(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantCode   string
		wantDetail string
	}{
		{
			name:       "detail preferred",
			status:     400,
			body:       `{"detail":"bad theme id","message":"ignored"}`,
			wantDetail: "bad theme id",
		},
		{
			name:       "message fallback",
			status:     422,
			body:       `{"message":"missing field"}`,
			wantDetail: "missing field",
		},
		{
			name:       "error field fallback",
			status:     500,
			body:       `{"error":"boom"}`,
			wantDetail: "boom",
		},
		{
			name:       "code carried through",
			status:     404,
			body:       `{"code":"session_not_found","detail":"session not found"}`,
			wantCode:   "session_not_found",
			wantDetail: "session not found",
		},
		{
			name:       "non-json body used verbatim",
			status:     502,
			body:       "Bad Gateway",
			wantDetail: "Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).ListThemes(context.Background())
			require.Error(t, err)

			apiErr, ok := AsAPIError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantDetail, apiErr.Detail)
		})
	}
}

func TestAPIErrorClassification(t *testing.T) {
	assert.True(t, (&APIError{Status: 401}).AuthFailure())
	assert.True(t, (&APIError{Status: 403}).AuthFailure())
	assert.False(t, (&APIError{Status: 500}).AuthFailure())

	assert.True(t, (&APIError{Code: "session_not_found"}).SessionNotFound())
	assert.True(t, (&APIError{Status: 404, Detail: "Session not found for user"}).SessionNotFound())
	assert.False(t, (&APIError{Status: 404, Detail: "theme not found"}).SessionNotFound())

	assert.True(t, (&APIError{Status: 403, Detail: "CSRF token mismatch"}).CSRFInvalid())
	assert.True(t, (&APIError{Status: 403, Code: "csrf_invalid"}).CSRFInvalid())
	assert.False(t, (&APIError{Status: 403, Detail: "read only"}).CSRFInvalid())
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "network error", err: errors.New("connection refused"), want: true},
		{name: "500", err: &APIError{Status: 500}, want: true},
		{name: "503", err: &APIError{Status: 503}, want: true},
		{name: "408", err: &APIError{Status: 408}, want: true},
		{name: "429", err: &APIError{Status: 429}, want: true},
		{name: "401 is authoritative", err: &APIError{Status: 401}, want: false},
		{name: "403 is authoritative", err: &APIError{Status: 403}, want: false},
		{name: "404 is not retryable", err: &APIError{Status: 404}, want: false},
		{name: "session not found on 200-range code", err: &APIError{Status: 500, Code: "session_not_found"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Transient(tt.err))
		})
	}
}

func TestUploadFilesMultipart(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.md")
	pathB := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(pathA, []byte("# alpha"), 0600))
	require.NoError(t, os.WriteFile(pathB, []byte("beta"), 0600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1 << 20))

		assert.Equal(t, "theme-1", r.FormValue("theme_id"))

		files := r.MultipartForm.File["files"]
		require.Len(t, files, 2)
		assert.Equal(t, "a.md", files[0].Filename)
		assert.Equal(t, "b.txt", files[1].Filename)

		f, err := files[0].Open()
		require.NoError(t, err)
		content, _ := io.ReadAll(f)
		f.Close()
		assert.Equal(t, "# alpha", string(content))

		io.WriteString(w, `{"files":[{"id":"f1","filename":"a.md","size":7},{"id":"f2","filename":"b.txt","size":4}]}`)
	}))
	defer srv.Close()

	files, err := New(srv.URL).UploadFiles(context.Background(), "theme-1", []string{pathA, pathB})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "f1", files[0].ID)
}

func TestUploadFilesMissingLocalFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent when a local file is unreadable")
	}))
	defer srv.Close()

	_, err := New(srv.URL).UploadFiles(context.Background(), "theme-1", []string{"/nonexistent/file.md"})
	assert.Error(t, err)
}

func TestProcessFilesRequestBody(t *testing.T) {
	var got ProcessRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files/process", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &got))
		io.WriteString(w, `{"summary":{"total_files":3,"successful":3,"total_chunks":42,"total_embeddings":42}}`)
	}))
	defer srv.Close()

	report, err := New(srv.URL).ProcessFiles(context.Background(), ProcessRequest{
		ThemeID:      "theme-1",
		ChunkSize:    1000,
		ChunkOverlap: 200,
	})
	require.NoError(t, err)

	assert.Equal(t, "theme-1", got.ThemeID)
	assert.Equal(t, 1000, got.ChunkSize)
	assert.Equal(t, 200, got.ChunkOverlap)
	assert.Equal(t, 3, report.Summary.TotalFiles)
	assert.Equal(t, 42, report.Summary.TotalChunks)
}

func TestListTasksQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks", r.URL.Path)
		assert.Equal(t, "theme with spaces", r.URL.Query().Get("theme_id"))
		io.WriteString(w, `{"tasks":[{"id":"task-1","status":"in_progress","current_step":1,"progress":40}]}`)
	}))
	defer srv.Close()

	tasks, err := New(srv.URL).ListTasks(context.Background(), "theme with spaces")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskInProgress, tasks[0].Status)
	assert.Equal(t, 1, tasks[0].CurrentStep)
}

func TestTaskMetadataPipelineStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"id": "task-1",
			"status": "in_progress",
			"metadata": {"pipeline_status": {"dataIngestion": "completed", "textChunking": "in_progress"}}
		}`)
	}))
	defer srv.Close()

	task, err := New(srv.URL).GetTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", task.Metadata.PipelineStatus["dataIngestion"])
	assert.Equal(t, "in_progress", task.Metadata.PipelineStatus["textChunking"])
}

func TestCancelTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks/task-1/cancel", r.URL.Path)
		io.WriteString(w, `{"id":"task-1","theme_id":"th-1","status":"cancelled"}`)
	}))
	defer srv.Close()

	task, err := New(srv.URL).CancelTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, TaskCancelled, task.Status)
}

func TestAppendTaskLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tasks/task-1/logs", r.URL.Path)
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"one", "two"}, body["logs"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := New(srv.URL).AppendTaskLogs(context.Background(), "task-1", []string{"one", "two"})
	require.NoError(t, err)
}
