package dlq

import (
	"time"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/id"
)

// Entry represents a task that has exhausted its attempt budget and been
// moved to the dead letter queue for inspection or replay.
type Entry struct {
	ID           id.DLQID      `json:"id"`
	TaskID       id.TaskID     `json:"task_id"`
	BatchID      id.BatchID    `json:"batch_id"`
	JobType      batch.JobType `json:"job_type"`
	Class        string        `json:"class"`
	Envelope     []byte        `json:"envelope"`
	Error        string        `json:"error"`
	AttemptCount int           `json:"attempt_count"`
	MaxAttempts  int           `json:"max_attempts"`
	FailedAt     time.Time     `json:"failed_at"`
	ReplayedAt   *time.Time    `json:"replayed_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}
