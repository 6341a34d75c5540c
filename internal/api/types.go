package api

import "time"

// TaskStatus is the lifecycle state of a server-side pipeline task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final one.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the server-owned record of one long-running pipeline job.
// The server is the source of truth; clients mirror it verbatim.
type Task struct {
	ID           string       `json:"id"`
	ThemeID      string       `json:"theme_id"`
	Name         string       `json:"name,omitempty"`
	Status       TaskStatus   `json:"status"`
	CurrentStep  int          `json:"current_step"`
	Progress     int          `json:"progress"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Logs         []string     `json:"logs,omitempty"`
	Metadata     TaskMetadata `json:"metadata,omitempty"`
}

// TaskMetadata carries free-form task data; the pipeline stage map is the
// part the client mirrors.
type TaskMetadata struct {
	PipelineStatus map[string]string `json:"pipeline_status,omitempty"`
}

// LoginRequest carries credentials for both auth modes.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by login, token and refresh endpoints.
type LoginResponse struct {
	AccessToken string     `json:"access_token,omitempty"`
	TokenType   string     `json:"token_type,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	UserID      string     `json:"user_id"`
	Username    string     `json:"username"`
	CSRFToken   string     `json:"csrf_token,omitempty"`
}

// MeResponse is the session verification probe result.
type MeResponse struct {
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id,omitempty"`
	Username      string `json:"username,omitempty"`
	CSRFToken     string `json:"csrf_token,omitempty"`
}

// Theme is a target document collection.
type Theme struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	IsPublic    bool       `json:"is_public"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// FileInfo describes one uploaded file as the server knows it.
type FileInfo struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Source   string `json:"source,omitempty"`
	Size     int64  `json:"size"`
	Type     string `json:"type,omitempty"`
}

// ProcessRequest starts server-side ingestion, chunking, embedding and storage
// for all files of a theme in one call.
type ProcessRequest struct {
	ThemeID            string         `json:"theme_id"`
	ChunkSize          int            `json:"chunk_size"`
	ChunkOverlap       int            `json:"chunk_overlap"`
	AdditionalMetadata map[string]any `json:"additional_metadata,omitempty"`
}

// ProcessSummary aggregates the outcome of a processing run.
type ProcessSummary struct {
	TotalFiles      int `json:"total_files"`
	Successful      int `json:"successful"`
	Failed          int `json:"failed"`
	TotalChunks     int `json:"total_chunks"`
	TotalEmbeddings int `json:"total_embeddings"`
}

// FileResult is the per-file outcome within a processing report.
type FileResult struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	Success    bool   `json:"success"`
	Chunks     int    `json:"chunks"`
	Embeddings int    `json:"embeddings"`
	Error      string `json:"error,omitempty"`
}

// ProcessReport is the structured result of a processing call.
type ProcessReport struct {
	Summary         ProcessSummary `json:"summary"`
	Results         []FileResult   `json:"results,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}
