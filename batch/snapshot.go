package batch

import (
	"math"
	"time"
)

// TaskSnapshot is the public view of one task.
type TaskSnapshot struct {
	ID           string     `json:"id"`
	ExternalID   string     `json:"external_id,omitempty"`
	Status       TaskStatus `json:"status"`
	SrcLang      string     `json:"src_lang,omitempty"`
	TgtLang      string     `json:"tgt_lang,omitempty"`
	DetectedLang string     `json:"detected_lang,omitempty"`
	Transcript   string     `json:"transcript,omitempty"`
	Translation  string     `json:"translation,omitempty"`
	ModelUsed    string     `json:"model_used,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	ProcessingMS int64      `json:"processing_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Snapshot is the public view of a batch at one point in time. It is
// what Status returns to callers and what the webhook notifier delivers.
type Snapshot struct {
	ID              string         `json:"id"`
	JobType         JobType        `json:"job_type"`
	Status          Status         `json:"status"`
	Priority        int            `json:"priority"`
	DefaultSrcLang  string         `json:"default_src_lang,omitempty"`
	DefaultTgtLang  string         `json:"default_tgt_lang,omitempty"`
	TotalTasks      int            `json:"total_tasks"`
	CompletedTasks  int            `json:"completed_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	ProgressPercent float64        `json:"progress_percent"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Tasks           []TaskSnapshot `json:"tasks,omitempty"`
}

// NewSnapshot builds a Snapshot from a batch and, optionally, its tasks.
func NewSnapshot(b *Batch, tasks []*Task) *Snapshot {
	var progress float64
	if b.TotalTasks > 0 {
		progress = float64(b.CompletedTasks+b.FailedTasks) / float64(b.TotalTasks) * 100
		progress = math.Round(progress*100) / 100
	}

	snap := &Snapshot{
		ID:              b.ID.String(),
		JobType:         b.JobType,
		Status:          b.Status,
		Priority:        b.Priority,
		DefaultSrcLang:  b.DefaultSrcLang,
		DefaultTgtLang:  b.DefaultTgtLang,
		TotalTasks:      b.TotalTasks,
		CompletedTasks:  b.CompletedTasks,
		FailedTasks:     b.FailedTasks,
		ProgressPercent: progress,
		CreatedAt:       b.CreatedAt,
		StartedAt:       b.StartedAt,
		CompletedAt:     b.CompletedAt,
	}

	for _, task := range tasks {
		snap.Tasks = append(snap.Tasks, TaskSnapshot{
			ID:           task.ID.String(),
			ExternalID:   task.ExternalID,
			Status:       task.Status,
			SrcLang:      task.SrcLang,
			TgtLang:      task.TgtLang,
			DetectedLang: task.DetectedLang,
			Transcript:   task.Transcript,
			Translation:  task.Translation,
			ModelUsed:    task.ModelUsed,
			ErrorMessage: task.ErrorMessage,
			AttemptCount: task.AttemptCount,
			ProcessingMS: task.ProcessingTime.Milliseconds(),
			CreatedAt:    task.CreatedAt,
			CompletedAt:  task.CompletedAt,
		})
	}

	return snap
}

// Page is one page of an owner-scoped batch listing.
type Page struct {
	Batches  []*Snapshot `json:"batches"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}
