package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const stateFileName = "workflow.json"

// snapshot is the serialized projection of the wizard state. Live handles
// (sockets, open files) are never part of it. The field names are the wire
// contract with earlier clients; do not rename.
type snapshot struct {
	CurrentStep    int               `json:"currentStep"`
	CurrentThemeID string            `json:"currentThemeId"`
	SelectedTheme  string            `json:"selectedTheme"`
	ProcessingTask *taskSnapshot     `json:"processingTask,omitempty"`
	VectorDBStatus map[string]string `json:"vectorDBStatus,omitempty"`
	ProcessingLogs []string          `json:"processingLogs,omitempty"`
	UploadedFiles  []fileSnapshot    `json:"uploadedFiles,omitempty"`
	DropZoneFiles  []DropFile        `json:"dropZoneFiles,omitempty"`

	// Minimal degraded form only.
	UploadedFileIDs []string `json:"uploadedFileIds,omitempty"`
}

type taskSnapshot struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	CurrentStep  int    `json:"current_step"`
	Progress     int    `json:"progress"`
	Name         string `json:"name,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type fileSnapshot struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Filename string `json:"filename"`
	Source   string `json:"source,omitempty"`
	Size     int64  `json:"size"`
	Type     string `json:"type,omitempty"`
}

// minimal reduces a snapshot to the degraded form used when a full write
// fails: theme identity plus bare file IDs.
func (s *snapshot) minimal() *snapshot {
	ids := make([]string, 0, len(s.UploadedFiles))
	for _, f := range s.UploadedFiles {
		ids = append(ids, f.ID)
	}
	return &snapshot{
		CurrentStep:     s.CurrentStep,
		CurrentThemeID:  s.CurrentThemeID,
		SelectedTheme:   s.SelectedTheme,
		UploadedFileIDs: ids,
	}
}

// validate checks the restored shape before it is trusted.
func (s *snapshot) validate() error {
	if !Step(s.CurrentStep).Valid() {
		return fmt.Errorf("step %d out of range", s.CurrentStep)
	}
	if s.CurrentThemeID == "" && s.CurrentStep > int(StepSelectTheme) {
		return fmt.Errorf("step %d requires a theme", s.CurrentStep)
	}
	return nil
}

// StateStore persists wizard snapshots to one JSON file, written atomically
// via temp file + rename.
type StateStore struct {
	path string
}

// NewStateStore creates a store rooted at stateDir.
func NewStateStore(stateDir string) *StateStore {
	return &StateStore{path: filepath.Join(stateDir, stateFileName)}
}

// Save writes the full snapshot.
func (st *StateStore) Save(snap *snapshot) error {
	return st.write(snap)
}

// SaveMinimal writes the degraded snapshot; used when the full write fails
// so that persistence is degraded rather than lost.
func (st *StateStore) SaveMinimal(snap *snapshot) error {
	return st.write(snap.minimal())
}

func (st *StateStore) write(snap *snapshot) error {
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal workflow state: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".workflow.tmp.%s", uuid.New().String()))
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save workflow state: %w", err)
	}
	return nil
}

// Load reads and validates the persisted snapshot. A missing file is not an
// error; corrupt or invalid content is.
func (st *StateStore) Load() (*snapshot, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workflow state: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse workflow state: %w", err)
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow state: %w", err)
	}
	return &snap, nil
}

// Clear removes the persisted snapshot.
func (st *StateStore) Clear() {
	_ = os.Remove(st.path)
}
