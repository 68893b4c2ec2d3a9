package batch

import (
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/id"
)

// TaskStatus represents the lifecycle state of a task.
//
// Transitions: pending → queued → processing → {completed, failed,
// retrying}; retrying → queued. Completed and failed are terminal and
// frozen — the Tracker rejects any further transition.
type TaskStatus string

const (
	// TaskPending means the task exists but has not been enqueued.
	TaskPending TaskStatus = "pending"
	// TaskQueued means a dispatch envelope for the task is waiting for a worker.
	TaskQueued TaskStatus = "queued"
	// TaskProcessing means a worker is executing an attempt.
	TaskProcessing TaskStatus = "processing"
	// TaskCompleted means the task finished successfully.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed means the task failed and exhausted its attempt budget.
	TaskFailed TaskStatus = "failed"
	// TaskRetrying means the last attempt failed and the task is waiting
	// to re-enter the queue.
	TaskRetrying TaskStatus = "retrying"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// InputKind identifies how a task's input payload is referenced.
type InputKind string

const (
	// InputAudioURL references audio fetched from a URL or blob path.
	InputAudioURL InputKind = "audio_url"
	// InputAudioB64 carries base64-encoded audio inline.
	InputAudioB64 InputKind = "audio_b64"
	// InputText carries the text to translate inline.
	InputText InputKind = "text"
)

// Input is an opaque input descriptor. Ref is a URL, base64 blob, or
// raw text depending on Kind; it is resolved to bytes lazily by the
// storage collaborator at processing time.
type Input struct {
	Kind InputKind `json:"kind" msgpack:"kind"`
	Ref  string    `json:"ref" msgpack:"ref"`
}

// Task is one independently schedulable unit of a batch.
type Task struct {
	voxpipe.Entity

	ID         id.TaskID  `json:"id"`
	BatchID    id.BatchID `json:"batch_id"`
	ExternalID string     `json:"external_id,omitempty"`

	Input        Input  `json:"input"`
	SrcLang      string `json:"src_lang,omitempty"`
	TgtLang      string `json:"tgt_lang,omitempty"`
	DetectedLang string `json:"detected_lang,omitempty"`

	Status       TaskStatus `json:"status"`
	ModelUsed    string     `json:"model_used,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`

	Transcript   string `json:"transcript,omitempty"`
	Translation  string `json:"translation,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	InputPath  string `json:"input_path,omitempty"`
	ResultPath string `json:"result_path,omitempty"`

	ProcessingTime time.Duration `json:"processing_time,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Outcome is a worker-reported terminal result for one attempt.
type Outcome struct {
	Success      bool
	Transcript   string
	Translation  string
	DetectedLang string
	ModelUsed    string
	ErrorMessage string
	ResultPath   string
	Elapsed      time.Duration
}
