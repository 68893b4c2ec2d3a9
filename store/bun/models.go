package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
	"github.com/voxpipe/voxpipe/id"
)

// ── Batch model ───────────────────────────────────────────────────

type batchModel struct {
	bun.BaseModel `bun:"table:voxpipe_batches"`

	ID             string            `bun:"id,pk"`
	Owner          string            `bun:"owner,notnull"`
	JobType        string            `bun:"job_type,notnull"`
	Status         string            `bun:"status,notnull,default:'pending'"`
	DefaultSrcLang string            `bun:"default_src_lang"`
	DefaultTgtLang string            `bun:"default_tgt_lang"`
	Priority       int               `bun:"priority,notnull,default:5"`
	TotalTasks     int               `bun:"total_tasks,notnull,default:0"`
	CompletedTasks int               `bun:"completed_tasks,notnull,default:0"`
	FailedTasks    int               `bun:"failed_tasks,notnull,default:0"`
	CallbackURL    string            `bun:"callback_url"`
	Metadata       map[string]string `bun:"metadata,type:jsonb"`
	StartedAt      *time.Time        `bun:"started_at"`
	CompletedAt    *time.Time        `bun:"completed_at"`
	CreatedAt      time.Time         `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time         `bun:"updated_at,notnull,default:current_timestamp"`
}

func toBatchModel(b *batch.Batch) *batchModel {
	return &batchModel{
		ID:             b.ID.String(),
		Owner:          b.Owner,
		JobType:        string(b.JobType),
		Status:         string(b.Status),
		DefaultSrcLang: b.DefaultSrcLang,
		DefaultTgtLang: b.DefaultTgtLang,
		Priority:       b.Priority,
		TotalTasks:     b.TotalTasks,
		CompletedTasks: b.CompletedTasks,
		FailedTasks:    b.FailedTasks,
		CallbackURL:    b.CallbackURL,
		Metadata:       b.Metadata,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func fromBatchModel(m *batchModel) (*batch.Batch, error) {
	parsedID, err := id.ParseBatchID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse batch id %q: %w", m.ID, err)
	}

	return &batch.Batch{
		Entity: voxpipe.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             parsedID,
		Owner:          m.Owner,
		JobType:        batch.JobType(m.JobType),
		Status:         batch.Status(m.Status),
		DefaultSrcLang: m.DefaultSrcLang,
		DefaultTgtLang: m.DefaultTgtLang,
		Priority:       m.Priority,
		TotalTasks:     m.TotalTasks,
		CompletedTasks: m.CompletedTasks,
		FailedTasks:    m.FailedTasks,
		CallbackURL:    m.CallbackURL,
		Metadata:       m.Metadata,
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}, nil
}

// ── Task model ────────────────────────────────────────────────────

type taskModel struct {
	bun.BaseModel `bun:"table:voxpipe_tasks"`

	ID             string     `bun:"id,pk"`
	BatchID        string     `bun:"batch_id,notnull"`
	ExternalID     string     `bun:"external_id"`
	InputKind      string     `bun:"input_kind,notnull"`
	InputRef       string     `bun:"input_ref,notnull"`
	SrcLang        string     `bun:"src_lang"`
	TgtLang        string     `bun:"tgt_lang"`
	DetectedLang   string     `bun:"detected_lang"`
	Status         string     `bun:"status,notnull,default:'pending'"`
	ModelUsed      string     `bun:"model_used"`
	AttemptCount   int        `bun:"attempt_count,notnull,default:0"`
	MaxAttempts    int        `bun:"max_attempts,notnull,default:3"`
	Transcript     string     `bun:"transcript"`
	Translation    string     `bun:"translation"`
	ErrorMessage   string     `bun:"error_message"`
	InputPath      string     `bun:"input_path"`
	ResultPath     string     `bun:"result_path"`
	ProcessingTime int64      `bun:"processing_time,notnull,default:0"`
	StartedAt      *time.Time `bun:"started_at"`
	CompletedAt    *time.Time `bun:"completed_at"`
	CreatedAt      time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toTaskModel(t *batch.Task) *taskModel {
	return &taskModel{
		ID:             t.ID.String(),
		BatchID:        t.BatchID.String(),
		ExternalID:     t.ExternalID,
		InputKind:      string(t.Input.Kind),
		InputRef:       t.Input.Ref,
		SrcLang:        t.SrcLang,
		TgtLang:        t.TgtLang,
		DetectedLang:   t.DetectedLang,
		Status:         string(t.Status),
		ModelUsed:      t.ModelUsed,
		AttemptCount:   t.AttemptCount,
		MaxAttempts:    t.MaxAttempts,
		Transcript:     t.Transcript,
		Translation:    t.Translation,
		ErrorMessage:   t.ErrorMessage,
		InputPath:      t.InputPath,
		ResultPath:     t.ResultPath,
		ProcessingTime: t.ProcessingTime.Nanoseconds(),
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) (*batch.Task, error) {
	parsedID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse task id %q: %w", m.ID, err)
	}
	parsedBatchID, err := id.ParseBatchID(m.BatchID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse batch id %q: %w", m.BatchID, err)
	}

	return &batch.Task{
		Entity: voxpipe.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         parsedID,
		BatchID:    parsedBatchID,
		ExternalID: m.ExternalID,
		Input: batch.Input{
			Kind: batch.InputKind(m.InputKind),
			Ref:  m.InputRef,
		},
		SrcLang:        m.SrcLang,
		TgtLang:        m.TgtLang,
		DetectedLang:   m.DetectedLang,
		Status:         batch.TaskStatus(m.Status),
		ModelUsed:      m.ModelUsed,
		AttemptCount:   m.AttemptCount,
		MaxAttempts:    m.MaxAttempts,
		Transcript:     m.Transcript,
		Translation:    m.Translation,
		ErrorMessage:   m.ErrorMessage,
		InputPath:      m.InputPath,
		ResultPath:     m.ResultPath,
		ProcessingTime: time.Duration(m.ProcessingTime),
		StartedAt:      m.StartedAt,
		CompletedAt:    m.CompletedAt,
	}, nil
}

// ── Envelope model ────────────────────────────────────────────────

type envelopeModel struct {
	bun.BaseModel `bun:"table:voxpipe_envelopes"`

	TaskID    string     `bun:"task_id,pk"`
	BatchID   string     `bun:"batch_id,notnull"`
	JobType   string     `bun:"job_type,notnull"`
	InputKind string     `bun:"input_kind,notnull"`
	InputRef  string     `bun:"input_ref,notnull"`
	SrcLang   string     `bun:"src_lang"`
	TgtLang   string     `bun:"tgt_lang"`
	Class     string     `bun:"class,notnull"`
	Priority  int        `bun:"priority,notnull,default:5"`
	Attempt   int        `bun:"attempt,notnull,default:1"`
	NotBefore time.Time  `bun:"not_before,notnull,default:current_timestamp"`
	Timeout   int64      `bun:"timeout,notnull,default:0"`
	ClaimedAt *time.Time `bun:"claimed_at"`
	CreatedAt time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

func toEnvelopeModel(e *envelope.Envelope) *envelopeModel {
	return &envelopeModel{
		TaskID:    e.TaskID.String(),
		BatchID:   e.BatchID.String(),
		JobType:   string(e.JobType),
		InputKind: string(e.Input.Kind),
		InputRef:  e.Input.Ref,
		SrcLang:   e.SrcLang,
		TgtLang:   e.TgtLang,
		Class:     e.Class,
		Priority:  e.Priority,
		Attempt:   e.Attempt,
		NotBefore: e.NotBefore,
		Timeout:   int64(e.Timeout),
		ClaimedAt: e.ClaimedAt,
		CreatedAt: time.Now().UTC(),
	}
}

func fromEnvelopeModel(m *envelopeModel) (*envelope.Envelope, error) {
	parsedTaskID, err := id.ParseTaskID(m.TaskID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse task id %q: %w", m.TaskID, err)
	}
	parsedBatchID, err := id.ParseBatchID(m.BatchID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse batch id %q: %w", m.BatchID, err)
	}

	return &envelope.Envelope{
		TaskID:  parsedTaskID,
		BatchID: parsedBatchID,
		JobType: batch.JobType(m.JobType),
		Input: batch.Input{
			Kind: batch.InputKind(m.InputKind),
			Ref:  m.InputRef,
		},
		SrcLang:   m.SrcLang,
		TgtLang:   m.TgtLang,
		Class:     m.Class,
		Priority:  m.Priority,
		Attempt:   m.Attempt,
		NotBefore: m.NotBefore,
		Timeout:   time.Duration(m.Timeout),
		ClaimedAt: m.ClaimedAt,
	}, nil
}

// ── DLQ entry model ───────────────────────────────────────────────

type dlqEntryModel struct {
	bun.BaseModel `bun:"table:voxpipe_dlq"`

	ID           string     `bun:"id,pk"`
	TaskID       string     `bun:"task_id,notnull"`
	BatchID      string     `bun:"batch_id,notnull"`
	JobType      string     `bun:"job_type,notnull"`
	Class        string     `bun:"class,notnull"`
	Envelope     []byte     `bun:"envelope,notnull,type:bytea"`
	Error        string     `bun:"error,notnull"`
	AttemptCount int        `bun:"attempt_count,notnull"`
	MaxAttempts  int        `bun:"max_attempts,notnull,default:3"`
	FailedAt     time.Time  `bun:"failed_at,notnull,default:current_timestamp"`
	ReplayedAt   *time.Time `bun:"replayed_at"`
	CreatedAt    time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}

func toDLQModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:           e.ID.String(),
		TaskID:       e.TaskID.String(),
		BatchID:      e.BatchID.String(),
		JobType:      string(e.JobType),
		Class:        e.Class,
		Envelope:     e.Envelope,
		Error:        e.Error,
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		FailedAt:     e.FailedAt,
		ReplayedAt:   e.ReplayedAt,
		CreatedAt:    e.CreatedAt,
	}
}

func fromDLQModel(m *dlqEntryModel) (*dlq.Entry, error) {
	parsedID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse dlq id %q: %w", m.ID, err)
	}
	parsedTaskID, err := id.ParseTaskID(m.TaskID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse task id %q: %w", m.TaskID, err)
	}
	parsedBatchID, err := id.ParseBatchID(m.BatchID)
	if err != nil {
		return nil, fmt.Errorf("voxpipe/bun: parse batch id %q: %w", m.BatchID, err)
	}

	return &dlq.Entry{
		ID:           parsedID,
		TaskID:       parsedTaskID,
		BatchID:      parsedBatchID,
		JobType:      batch.JobType(m.JobType),
		Class:        m.Class,
		Envelope:     m.Envelope,
		Error:        m.Error,
		AttemptCount: m.AttemptCount,
		MaxAttempts:  m.MaxAttempts,
		FailedAt:     m.FailedAt,
		ReplayedAt:   m.ReplayedAt,
		CreatedAt:    m.CreatedAt,
	}, nil
}
