// Package batch defines the batch and task entities, their persistence
// contracts, and the Tracker that owns every state transition: the
// per-task lifecycle machine and the per-batch status recompute that
// aggregates task outcomes.
package batch

import (
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/id"
)

// JobType is the kind of processing a batch requests.
type JobType string

const (
	// JobTypeASR transcribes audio items.
	JobTypeASR JobType = "asr"
	// JobTypeNMT translates text items.
	JobTypeNMT JobType = "nmt"
	// JobTypeASRNMT transcribes audio items and translates the transcript.
	JobTypeASRNMT JobType = "asr+nmt"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeASR, JobTypeNMT, JobTypeASRNMT:
		return true
	}
	return false
}

// NeedsAudio reports whether items of this job type must carry audio input.
func (t JobType) NeedsAudio() bool {
	return t == JobTypeASR || t == JobTypeASRNMT
}

// NeedsTranslation reports whether this job type runs the translation stage.
func (t JobType) NeedsTranslation() bool {
	return t == JobTypeNMT || t == JobTypeASRNMT
}

// Status represents the lifecycle state of a batch. It is a pure
// function of the batch's task counts and is never set directly by a
// client; the Tracker recomputes it after every task write.
type Status string

const (
	// StatusPending means no task has started processing yet.
	StatusPending Status = "pending"
	// StatusProcessing means at least one task is not yet terminal.
	StatusProcessing Status = "processing"
	// StatusCompleted means every task completed successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means every task failed.
	StatusFailed Status = "failed"
	// StatusPartial means some tasks completed and some failed.
	StatusPartial Status = "partial"
)

// Terminal reports whether s is a terminal batch status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPartial
}

// Batch is a submitted unit of client work containing one task per item.
// Counters and Status are owned by the Tracker; everything else is
// immutable after creation.
type Batch struct {
	voxpipe.Entity

	ID             id.BatchID        `json:"id"`
	Owner          string            `json:"owner"`
	JobType        JobType           `json:"job_type"`
	Status         Status            `json:"status"`
	DefaultSrcLang string            `json:"default_src_lang,omitempty"`
	DefaultTgtLang string            `json:"default_tgt_lang,omitempty"`
	Priority       int               `json:"priority"`
	TotalTasks     int               `json:"total_tasks"`
	CompletedTasks int               `json:"completed_tasks"`
	FailedTasks    int               `json:"failed_tasks"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}
