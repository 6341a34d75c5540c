package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *snapshot {
	return &snapshot{
		CurrentStep:    int(StepProcess),
		CurrentThemeID: "theme-1",
		SelectedTheme:  "Networking",
		ProcessingTask: &taskSnapshot{
			ID:           "task-1",
			Status:       "in_progress",
			CurrentStep:  2,
			Progress:     60,
			Name:         "Networking",
			ErrorMessage: "",
		},
		VectorDBStatus: map[string]string{
			"dataIngestion": "completed",
			"textChunking":  "completed",
		},
		ProcessingLogs: []string{"ingested", "chunked"},
		UploadedFiles: []fileSnapshot{
			{ID: "f1", Title: "Alpha", Filename: "a.md", Source: "local", Size: 120, Type: "markdown"},
		},
		DropZoneFiles: []DropFile{{Name: "b.md", Size: 40, ID: "local-1"}},
	}
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := NewStateStore(t.TempDir())
	want := sampleSnapshot()

	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSnapshotWireFieldNames(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(dir)
	require.NoError(t, store.Save(sampleSnapshot()))

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{
		"currentStep", "currentThemeId", "selectedTheme",
		"processingTask", "vectorDBStatus", "processingLogs",
		"uploadedFiles", "dropZoneFiles",
	} {
		assert.Contains(t, raw, key)
	}

	var task map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["processingTask"], &task))
	for _, key := range []string{"id", "status", "current_step", "progress", "name"} {
		assert.Contains(t, task, key)
	}

	var files []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["uploadedFiles"], &files))
	require.Len(t, files, 1)
	for _, key := range []string{"id", "title", "filename", "source", "size", "type"} {
		assert.Contains(t, files[0], key)
	}
}

func TestMinimalSnapshotKeepsIdentityAndFileIDs(t *testing.T) {
	min := sampleSnapshot().minimal()

	assert.Equal(t, int(StepProcess), min.CurrentStep)
	assert.Equal(t, "theme-1", min.CurrentThemeID)
	assert.Equal(t, "Networking", min.SelectedTheme)
	assert.Equal(t, []string{"f1"}, min.UploadedFileIDs)

	assert.Nil(t, min.ProcessingTask)
	assert.Empty(t, min.UploadedFiles)
	assert.Empty(t, min.ProcessingLogs)
	assert.Empty(t, min.DropZoneFiles)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	store := NewStateStore(t.TempDir())
	snap, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStateStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), []byte("{broken"), 0600))

	_, err := store.Load()
	assert.Error(t, err)
}

func TestLoadRejectsInvalidState(t *testing.T) {
	tests := []struct {
		name string
		snap snapshot
	}{
		{
			name: "step out of range",
			snap: snapshot{CurrentStep: 9, CurrentThemeID: "theme-1"},
		},
		{
			name: "later step without theme",
			snap: snapshot{CurrentStep: int(StepFiles)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store := NewStateStore(dir)
			data, err := json.Marshal(tt.snap)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(dir, stateFileName), data, 0600))

			_, err = store.Load()
			assert.Error(t, err)
		})
	}
}

func TestClearRemovesState(t *testing.T) {
	store := NewStateStore(t.TempDir())
	require.NoError(t, store.Save(sampleSnapshot()))
	store.Clear()

	snap, err := store.Load()
	assert.NoError(t, err)
	assert.Nil(t, snap)
}

func TestApplyServerNormalizesKeys(t *testing.T) {
	m := NewStageMap()
	m.ApplyServer(map[string]string{
		"data_ingestion":     "completed",
		"generateEmbeddings": "in_progress",
		"unknown_stage":      "completed",
	})

	assert.Equal(t, StageCompleted, m[StageDataIngestion])
	assert.Equal(t, StageInProgress, m[StageGenerateEmbeddings])
	assert.Equal(t, StagePending, m[StageTextChunking])
	assert.Len(t, m, len(Stages), "unknown keys must not grow the map")
}
