// Package workflow drives the ordered, resumable theme-ingestion wizard:
// step navigation, the client-side mirror of the server task, pipeline
// stage statuses and durable state persistence.
package workflow

// Step is a wizard step. Steps are ordered; advancing requires the
// resources the next step depends on.
type Step int

const (
	StepSelectTheme Step = iota + 1
	StepUpload
	StepFiles
	StepProcess
)

// Valid reports whether the step is inside the wizard's range.
func (s Step) Valid() bool {
	return s >= StepSelectTheme && s <= StepProcess
}

func (s Step) String() string {
	switch s {
	case StepSelectTheme:
		return "select-theme"
	case StepUpload:
		return "upload"
	case StepFiles:
		return "files"
	case StepProcess:
		return "process"
	default:
		return "unknown"
	}
}

// stepForTaskStep maps a server task's integer step index to a wizard step.
var stepForTaskStep = map[int]Step{
	0: StepUpload,
	1: StepFiles,
	2: StepProcess,
	3: StepProcess,
}

// StepForTaskStep resolves a task step index; values outside the table
// fall back to the upload step rather than failing.
func StepForTaskStep(n int) Step {
	if s, ok := stepForTaskStep[n]; ok {
		return s
	}
	return StepUpload
}

// Stage is one phase of the server-side processing pipeline.
type Stage string

const (
	StageDataIngestion      Stage = "dataIngestion"
	StageTextChunking       Stage = "textChunking"
	StageGenerateEmbeddings Stage = "generateEmbeddings"
	StageStoreVectors       Stage = "storeVectors"
)

// Stages lists the pipeline stages in chain order.
var Stages = []Stage{StageDataIngestion, StageTextChunking, StageGenerateEmbeddings, StageStoreVectors}

// StageStatus is the client-mirrored status of one pipeline stage.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
)

// StageMap holds the per-stage statuses rendered as progress indicators.
type StageMap map[Stage]StageStatus

// NewStageMap returns a map with every stage pending.
func NewStageMap() StageMap {
	m := make(StageMap, len(Stages))
	for _, s := range Stages {
		m[s] = StagePending
	}
	return m
}

// Clone returns an independent copy.
func (m StageMap) Clone() StageMap {
	out := make(StageMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ApplyServer overwrites statuses with the server's map verbatim:
// last-write-wins, never a computed diff, so reordered delivery between
// the push and poll paths cannot lose updates. Unknown keys are ignored;
// snake_case key drift is normalized.
func (m StageMap) ApplyServer(raw map[string]string) {
	for key, val := range raw {
		stage, ok := normalizeStageKey(key)
		if !ok {
			continue
		}
		m[stage] = StageStatus(val)
	}
}

func normalizeStageKey(key string) (Stage, bool) {
	switch key {
	case "dataIngestion", "data_ingestion":
		return StageDataIngestion, true
	case "textChunking", "text_chunking":
		return StageTextChunking, true
	case "generateEmbeddings", "generate_embeddings":
		return StageGenerateEmbeddings, true
	case "storeVectors", "store_vectors":
		return StageStoreVectors, true
	}
	return "", false
}

// DropFile is a locally staged file that has not been uploaded yet.
type DropFile struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	ID   string `json:"id"`
}
