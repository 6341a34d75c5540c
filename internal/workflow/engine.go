package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mlehnert/themectl/internal/api"
)

// workflowAPI is the slice of the REST client the engine needs.
type workflowAPI interface {
	CreateTheme(ctx context.Context, name, description string, isPublic bool) (*api.Theme, error)
	DeleteTheme(ctx context.Context, id string) error
	FinalizeTheme(ctx context.Context, id string) error
	ListThemeFiles(ctx context.Context, themeID string) ([]api.FileInfo, error)
	UploadFiles(ctx context.Context, themeID string, paths []string) ([]api.FileInfo, error)
	ProcessFiles(ctx context.Context, req api.ProcessRequest) (*api.ProcessReport, error)
	CreateTask(ctx context.Context, themeID, name string) (*api.Task, error)
	ListTasks(ctx context.Context, themeID string) ([]api.Task, error)
	GetTask(ctx context.Context, id string) (*api.Task, error)
	AppendTaskLogs(ctx context.Context, id string, lines []string) error
}

// Tracker is the real-time channel as the engine sees it.
type Tracker interface {
	Connect()
	Connected() bool
	Subscribe(themeID string)
	Unsubscribe(themeID string)
}

// Notifier receives user-facing events. Implementations must not call back
// into the engine synchronously.
type Notifier interface {
	Toast(msg string)
	Warn(msg string)
	StepChanged(step Step)
	TaskUpdated(task *api.Task, stages StageMap)
	ConnectionLost()
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Toast(string)                    {}
func (NopNotifier) Warn(string)                     {}
func (NopNotifier) StepChanged(Step)                {}
func (NopNotifier) TaskUpdated(*api.Task, StageMap) {}
func (NopNotifier) ConnectionLost()                 {}

// Config holds processing defaults forwarded to the server.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// Engine is the wizard state machine. Every mutation follows the order
// mutate, persist, notify, so a reload at any point observes a consistent
// snapshot.
type Engine struct {
	api      workflowAPI
	tracker  Tracker
	notifier Notifier
	store    *StateStore
	logger   *slog.Logger
	cfg      Config

	mu             sync.Mutex
	currentStep    Step
	themeID        string
	themeName      string
	uploadedFiles  []api.FileInfo
	dropZoneFiles  []DropFile
	activeTask     *api.Task
	stages         StageMap
	logs           []string
	seenLogs       map[string]struct{}
	filesLoadedFor string // theme whose file list was already loaded, for idempotent navigation
	finishEnabled  bool
}

// New creates an engine at step 1 with all stages pending.
func New(apiClient workflowAPI, tracker Tracker, store *StateStore, notifier Notifier, logger *slog.Logger, cfg Config) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:         apiClient,
		tracker:     tracker,
		notifier:    notifier,
		store:       store,
		logger:      logger,
		cfg:         cfg,
		currentStep: StepSelectTheme,
		stages:      NewStageMap(),
		seenLogs:    make(map[string]struct{}),
	}
}

// =============================================================================
// ACCESSORS
// =============================================================================

// CurrentStep returns the wizard's current step.
func (e *Engine) CurrentStep() Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentStep
}

// Theme returns the selected theme's ID and name.
func (e *Engine) Theme() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.themeID, e.themeName
}

// Stages returns a copy of the stage-status map.
func (e *Engine) Stages() StageMap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stages.Clone()
}

// ActiveTask returns a copy of the mirrored task, or nil.
func (e *Engine) ActiveTask() *api.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTask == nil {
		return nil
	}
	t := *e.activeTask
	return &t
}

// Logs returns a copy of the visible processing log.
func (e *Engine) Logs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.logs))
	copy(out, e.logs)
	return out
}

// UploadedFiles returns a copy of the uploaded file records.
func (e *Engine) UploadedFiles() []api.FileInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]api.FileInfo, len(e.uploadedFiles))
	copy(out, e.uploadedFiles)
	return out
}

// FinishEnabled reports whether processing completed and the finish action
// is available.
func (e *Engine) FinishEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishEnabled
}

// =============================================================================
// THEME OPERATIONS
// =============================================================================

// CreateTheme creates a theme, an initial upload-step task, and moves the
// wizard to the upload step.
func (e *Engine) CreateTheme(ctx context.Context, name, description string, isPublic bool) (string, error) {
	theme, err := e.api.CreateTheme(ctx, name, description, isPublic)
	if err != nil {
		return "", fmt.Errorf("create theme: %w", err)
	}

	task, err := e.api.CreateTask(ctx, theme.ID, name)
	if err != nil {
		// The theme exists; task creation is retried when processing starts.
		e.logger.Warn("initial task creation failed", "theme_id", theme.ID, "error", err)
	}

	e.mu.Lock()
	e.resetThemeStateLocked()
	e.themeID = theme.ID
	e.themeName = theme.Name
	e.activeTask = task
	e.currentStep = StepUpload
	e.mu.Unlock()

	if e.tracker != nil {
		e.tracker.Subscribe(theme.ID)
	}

	e.persist()
	e.notifier.StepChanged(StepUpload)
	return theme.ID, nil
}

// SelectTheme adopts a theme. All theme-scoped substate is reset first so
// nothing leaks across themes; if the backend reports an existing task for
// the theme it is adopted and the wizard jumps to the step it implies.
func (e *Engine) SelectTheme(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("theme id required")
	}

	e.mu.Lock()
	e.resetThemeStateLocked()
	e.themeID = id
	e.themeName = name
	e.mu.Unlock()

	tasks, err := e.api.ListTasks(ctx, id)
	if err != nil {
		e.logger.Warn("task lookup for theme failed", "theme_id", id, "error", err)
	}

	task := pickResumableTask(tasks)

	var step Step
	if task != nil {
		e.mu.Lock()
		e.adoptTaskLocked(task)
		step = StepForTaskStep(task.CurrentStep)
		e.currentStep = step
		e.mu.Unlock()
		e.logger.Info("resuming task for theme", "theme_id", id, "task_id", task.ID, "step", step.String())
	} else {
		e.mu.Lock()
		e.currentStep = StepUpload
		step = StepUpload
		e.mu.Unlock()
	}

	if e.tracker != nil {
		e.tracker.Subscribe(id)
	}

	e.persist()
	e.notifier.StepChanged(step)
	return nil
}

// pickResumableTask chooses the task to adopt: a live one first, then the
// most recent completed one. Cancelled tasks are never adopted.
func pickResumableTask(tasks []api.Task) *api.Task {
	for i := range tasks {
		switch tasks[i].Status {
		case api.TaskInProgress, api.TaskPending, api.TaskPaused:
			return &tasks[i]
		}
	}
	for i := range tasks {
		if tasks[i].Status == api.TaskCompleted {
			return &tasks[i]
		}
	}
	return nil
}

// DeleteTheme removes a theme server-side and clears any state scoped to
// it. Confirmation belongs at the call boundary.
func (e *Engine) DeleteTheme(ctx context.Context, id string) error {
	if err := e.api.DeleteTheme(ctx, id); err != nil {
		return fmt.Errorf("delete theme: %w", err)
	}

	e.mu.Lock()
	selected := e.themeID == id
	if selected {
		e.resetThemeStateLocked()
		e.themeID = ""
		e.themeName = ""
		e.currentStep = StepSelectTheme
	}
	e.mu.Unlock()

	if selected && e.tracker != nil {
		e.tracker.Unsubscribe(id)
	}
	e.persist()
	if selected {
		e.notifier.StepChanged(StepSelectTheme)
	}
	return nil
}

// resetThemeStateLocked clears everything scoped to the current theme.
func (e *Engine) resetThemeStateLocked() {
	e.uploadedFiles = nil
	e.dropZoneFiles = nil
	e.activeTask = nil
	e.stages = NewStageMap()
	e.logs = nil
	e.seenLogs = make(map[string]struct{})
	e.filesLoadedFor = ""
	e.finishEnabled = false
}

// adoptTaskLocked mirrors a server task: stage statuses verbatim, logs
// deduplicated.
func (e *Engine) adoptTaskLocked(t *api.Task) {
	task := *t
	e.activeTask = &task
	if task.Metadata.PipelineStatus != nil {
		e.stages.ApplyServer(task.Metadata.PipelineStatus)
	}
	e.appendLogsLocked(task.Logs)
}

// appendLogsLocked appends new log lines, skipping ones already seen
// (reconnects may re-deliver).
func (e *Engine) appendLogsLocked(lines []string) {
	for _, line := range lines {
		if _, seen := e.seenLogs[line]; seen {
			continue
		}
		e.seenLogs[line] = struct{}{}
		e.logs = append(e.logs, line)
	}
}

// =============================================================================
// NAVIGATION
// =============================================================================

// NavigateToStep moves the wizard. Step-entry side effects are idempotent:
// navigating to the same step twice must not re-run them. persist=false is
// used right after a restore, when the state was already on disk.
func (e *Engine) NavigateToStep(ctx context.Context, step Step, persist bool) error {
	if !step.Valid() {
		return fmt.Errorf("step %d out of range", step)
	}

	e.mu.Lock()
	if step > StepSelectTheme && e.themeID == "" {
		e.mu.Unlock()
		return fmt.Errorf("step %s requires a selected theme", step)
	}
	e.currentStep = step
	e.mu.Unlock()

	switch step {
	case StepFiles:
		e.loadFilesOnce(ctx)
	case StepProcess:
		e.refreshProcessingView()
	}

	if persist {
		e.persist()
	}
	e.notifier.StepChanged(step)
	return nil
}

// loadFilesOnce reloads the server file list at most once per theme.
func (e *Engine) loadFilesOnce(ctx context.Context) {
	e.mu.Lock()
	themeID := e.themeID
	loaded := e.filesLoadedFor == themeID
	e.mu.Unlock()
	if loaded {
		return
	}

	files, err := e.api.ListThemeFiles(ctx, themeID)
	if err != nil {
		e.logger.Warn("file list reload failed", "theme_id", themeID, "error", err)
		return
	}

	e.mu.Lock()
	e.uploadedFiles = files
	e.filesLoadedFor = themeID
	e.mu.Unlock()
}

// refreshProcessingView re-attaches the real-time channel when a live task
// exists. Terminal tasks only have their last known state displayed.
func (e *Engine) refreshProcessingView() {
	e.mu.Lock()
	themeID := e.themeID
	live := e.activeTask != nil && !e.activeTask.Status.Terminal()
	e.mu.Unlock()

	if !live || e.tracker == nil {
		return
	}
	if !e.tracker.Connected() {
		e.tracker.Connect()
	}
	e.tracker.Subscribe(themeID)
}

// =============================================================================
// FILES
// =============================================================================

// StageLocalFiles records local picks before upload.
func (e *Engine) StageLocalFiles(files []DropFile) {
	e.mu.Lock()
	e.dropZoneFiles = append(e.dropZoneFiles, files...)
	e.mu.Unlock()
	e.persist()
}

// UploadFiles uploads local paths to the selected theme and records the
// returned file descriptors.
func (e *Engine) UploadFiles(ctx context.Context, paths []string) ([]api.FileInfo, error) {
	e.mu.Lock()
	themeID := e.themeID
	e.mu.Unlock()
	if themeID == "" {
		return nil, fmt.Errorf("no theme selected")
	}

	files, err := e.api.UploadFiles(ctx, themeID, paths)
	if err != nil {
		return nil, fmt.Errorf("upload files: %w", err)
	}

	e.mu.Lock()
	existing := make(map[string]struct{}, len(e.uploadedFiles))
	for _, f := range e.uploadedFiles {
		existing[f.ID] = struct{}{}
	}
	for _, f := range files {
		if _, dup := existing[f.ID]; !dup {
			e.uploadedFiles = append(e.uploadedFiles, f)
		}
	}
	e.dropZoneFiles = nil
	e.mu.Unlock()

	e.persist()
	e.notifier.Toast(fmt.Sprintf("%d file(s) uploaded", len(files)))
	return files, nil
}

// RemoveUploadedFile drops a file record after a server-side delete.
func (e *Engine) RemoveUploadedFile(id string) {
	e.mu.Lock()
	kept := e.uploadedFiles[:0]
	for _, f := range e.uploadedFiles {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	e.uploadedFiles = kept
	e.mu.Unlock()
	e.persist()
}

// =============================================================================
// PROCESSING
// =============================================================================

// StartFileProcessing runs the whole pipeline server-side in one call:
// ingestion, chunking, embedding, vector storage. The stage map reflects
// only server-reported state; there is no simulated progress.
func (e *Engine) StartFileProcessing(ctx context.Context) (*api.ProcessReport, error) {
	e.mu.Lock()
	themeID := e.themeID
	if themeID == "" {
		e.mu.Unlock()
		return nil, fmt.Errorf("no theme selected")
	}
	if len(e.uploadedFiles) == 0 {
		e.mu.Unlock()
		return nil, fmt.Errorf("no files uploaded for theme %s", e.themeName)
	}
	e.stages = NewStageMap()
	e.logs = nil
	e.seenLogs = make(map[string]struct{})
	e.finishEnabled = false
	e.mu.Unlock()
	e.persist()

	report, err := e.api.ProcessFiles(ctx, api.ProcessRequest{
		ThemeID:      themeID,
		ChunkSize:    e.cfg.ChunkSize,
		ChunkOverlap: e.cfg.ChunkOverlap,
	})
	if err != nil {
		line := fmt.Sprintf("Processing failed: %v", err)
		e.mu.Lock()
		e.failFirstOpenStageLocked()
		e.appendLogsLocked([]string{line})
		stages := e.stages.Clone()
		task := e.activeTask
		e.mu.Unlock()
		e.persist()
		e.notifier.TaskUpdated(task, stages)
		// Mirror the failure into the server-side task log so other
		// clients of the theme see it too.
		if task != nil {
			if lerr := e.api.AppendTaskLogs(ctx, task.ID, []string{line}); lerr != nil {
				e.logger.Debug("task log append failed", "task", task.ID, "error", lerr)
			}
		}
		return nil, fmt.Errorf("process files: %w", err)
	}

	e.mu.Lock()
	for _, s := range Stages {
		e.stages[s] = StageCompleted
	}
	e.finishEnabled = true
	e.appendLogsLocked([]string{"Processing completed successfully"})
	stages := e.stages.Clone()
	task := e.activeTask
	e.mu.Unlock()

	e.persist()
	e.notifier.TaskUpdated(task, stages)
	e.notifier.Toast(fmt.Sprintf("Processed %d/%d files", report.Summary.Successful, report.Summary.TotalFiles))

	// The wizard returns to theme selection once a run finished.
	if err := e.NavigateToStep(ctx, StepSelectTheme, true); err != nil {
		e.logger.Warn("post-processing navigation failed", "error", err)
	}
	return report, nil
}

// failFirstOpenStageLocked marks the first not-completed stage failed so
// the failure is visible and retryable on the current step.
func (e *Engine) failFirstOpenStageLocked() {
	for _, s := range Stages {
		if e.stages[s] != StageCompleted {
			e.stages[s] = StageFailed
			return
		}
	}
}

// Finish finalizes the theme after a successful run.
func (e *Engine) Finish(ctx context.Context) error {
	e.mu.Lock()
	themeID := e.themeID
	enabled := e.finishEnabled
	e.mu.Unlock()
	if !enabled {
		return fmt.Errorf("processing has not completed")
	}
	if err := e.api.FinalizeTheme(ctx, themeID); err != nil {
		return fmt.Errorf("finalize theme: %w", err)
	}
	e.notifier.Toast("Theme finalized")
	return nil
}

// =============================================================================
// TASK RECONCILIATION
// =============================================================================

// ApplyTaskUpdate merges an authoritative server task update. The latest
// payload wins verbatim; updates for other themes are discarded.
func (e *Engine) ApplyTaskUpdate(t api.Task) {
	e.mu.Lock()
	if t.ThemeID != "" && t.ThemeID != e.themeID {
		e.mu.Unlock()
		return
	}
	e.adoptTaskLocked(&t)
	stages := e.stages.Clone()
	task := e.activeTask
	e.mu.Unlock()

	e.persist()
	e.notifier.TaskUpdated(task, stages)
}

// RefreshActiveTask re-pulls the authoritative task over REST; real-time
// delivery is best-effort, not exactly-once.
func (e *Engine) RefreshActiveTask(ctx context.Context) error {
	e.mu.Lock()
	var taskID string
	if e.activeTask != nil {
		taskID = e.activeTask.ID
	}
	e.mu.Unlock()
	if taskID == "" {
		return nil
	}

	task, err := e.api.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("refresh task: %w", err)
	}
	e.ApplyTaskUpdate(*task)
	return nil
}

// ConnectionLost propagates the tracker's terminal failure to the UI.
func (e *Engine) ConnectionLost() {
	e.notifier.ConnectionLost()
}

// UnloadWarning returns the confirmation message to show before exiting
// while a task is still running.
func (e *Engine) UnloadWarning() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activeTask != nil && !e.activeTask.Status.Terminal() {
		return "Processing is still running on the server; it will continue after you exit.", true
	}
	return "", false
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persist writes the current snapshot; on failure it degrades to the
// minimal form instead of losing persistence entirely.
func (e *Engine) persist() {
	if e.store == nil {
		return
	}

	e.mu.Lock()
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if err := e.store.Save(snap); err != nil {
		e.logger.Warn("full state save failed, degrading to minimal snapshot", "error", err)
		if err := e.store.SaveMinimal(snap); err != nil {
			e.logger.Error("minimal state save failed", "error", err)
		}
		e.notifier.Warn("Workflow state could only be partially saved")
	}
}

func (e *Engine) snapshotLocked() *snapshot {
	snap := &snapshot{
		CurrentStep:    int(e.currentStep),
		CurrentThemeID: e.themeID,
		SelectedTheme:  e.themeName,
		VectorDBStatus: make(map[string]string, len(e.stages)),
		ProcessingLogs: append([]string(nil), e.logs...),
		DropZoneFiles:  append([]DropFile(nil), e.dropZoneFiles...),
	}
	for stage, status := range e.stages {
		snap.VectorDBStatus[string(stage)] = string(status)
	}
	for _, f := range e.uploadedFiles {
		snap.UploadedFiles = append(snap.UploadedFiles, fileSnapshot{
			ID: f.ID, Title: f.Title, Filename: f.Filename,
			Source: f.Source, Size: f.Size, Type: f.Type,
		})
	}
	if e.activeTask != nil {
		snap.ProcessingTask = &taskSnapshot{
			ID:           e.activeTask.ID,
			Status:       string(e.activeTask.Status),
			CurrentStep:  e.activeTask.CurrentStep,
			Progress:     e.activeTask.Progress,
			Name:         e.activeTask.Name,
			ErrorMessage: e.activeTask.ErrorMessage,
		}
	}
	return snap
}

// SaveState forces a persist; exposed for shutdown paths.
func (e *Engine) SaveState() {
	e.persist()
}

// RestoreState loads the persisted snapshot, validates it and adopts it.
// Returns false (leaving the engine fresh at step 1) when nothing valid is
// stored. File records persisted as bare IDs are re-fetched.
func (e *Engine) RestoreState(ctx context.Context) bool {
	if e.store == nil {
		return false
	}
	snap, err := e.store.Load()
	if err != nil {
		e.logger.Warn("workflow state restore failed, starting fresh", "error", err)
		return false
	}
	if snap == nil {
		return false
	}

	e.mu.Lock()
	e.resetThemeStateLocked()
	e.themeID = snap.CurrentThemeID
	e.themeName = snap.SelectedTheme
	e.currentStep = Step(snap.CurrentStep)
	for key, val := range snap.VectorDBStatus {
		if stage, ok := normalizeStageKey(key); ok {
			e.stages[stage] = StageStatus(val)
		}
	}
	e.appendLogsLocked(snap.ProcessingLogs)
	e.dropZoneFiles = append([]DropFile(nil), snap.DropZoneFiles...)
	for _, f := range snap.UploadedFiles {
		e.uploadedFiles = append(e.uploadedFiles, api.FileInfo{
			ID: f.ID, Title: f.Title, Filename: f.Filename,
			Source: f.Source, Size: f.Size, Type: f.Type,
		})
	}
	if snap.ProcessingTask != nil {
		e.activeTask = &api.Task{
			ID:           snap.ProcessingTask.ID,
			ThemeID:      snap.CurrentThemeID,
			Name:         snap.ProcessingTask.Name,
			Status:       api.TaskStatus(snap.ProcessingTask.Status),
			CurrentStep:  snap.ProcessingTask.CurrentStep,
			Progress:     snap.ProcessingTask.Progress,
			ErrorMessage: snap.ProcessingTask.ErrorMessage,
		}
	}
	needFetch := len(snap.UploadedFiles) == 0 && len(snap.UploadedFileIDs) > 0 && e.themeID != ""
	step := e.currentStep
	e.mu.Unlock()

	if needFetch {
		e.restoreFilesFromIDs(ctx, snap.UploadedFileIDs)
	}

	// Persistence is suppressed here: the state was just read from disk and
	// step side effects that already ran must not fire again.
	if err := e.NavigateToStep(ctx, step, false); err != nil {
		e.logger.Warn("restored step navigation failed", "step", int(step), "error", err)
	}
	return true
}

// restoreFilesFromIDs re-fetches metadata for files persisted as bare IDs
// by the minimal snapshot.
func (e *Engine) restoreFilesFromIDs(ctx context.Context, ids []string) {
	e.mu.Lock()
	themeID := e.themeID
	e.mu.Unlock()

	files, err := e.api.ListThemeFiles(ctx, themeID)
	if err != nil {
		e.logger.Warn("re-fetch of uploaded file metadata failed", "error", err)
		return
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	e.mu.Lock()
	for _, f := range files {
		if _, ok := wanted[f.ID]; ok {
			e.uploadedFiles = append(e.uploadedFiles, f)
		}
	}
	e.filesLoadedFor = themeID
	e.mu.Unlock()
}
