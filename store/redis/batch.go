package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/id"
)

// CreateBatch persists the batch and its tasks in one transaction.
func (s *Store) CreateBatch(ctx context.Context, b *batch.Batch, tasks []*batch.Task) error {
	bID := b.ID.String()
	key := batchKey(bID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: create batch check exists: %w", err)
	}
	if exists > 0 {
		return voxpipe.ErrBatchAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, batchToMap(b))
	pipe.SAdd(ctx, batchIDsKey, bID)
	for _, t := range tasks {
		tID := t.ID.String()
		pipe.HSet(ctx, taskKey(tID), taskToMap(t))
		pipe.SAdd(ctx, batchTasksKey(bID), tID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxpipe/redis: create batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a batch by ID.
func (s *Store) GetBatch(ctx context.Context, batchID id.BatchID) (*batch.Batch, error) {
	vals, err := s.client.HGetAll(ctx, batchKey(batchID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: get batch: %w", err)
	}
	if len(vals) == 0 {
		return nil, voxpipe.ErrBatchNotFound
	}
	return mapToBatch(vals)
}

// UpdateBatch persists changes to an existing batch.
func (s *Store) UpdateBatch(ctx context.Context, b *batch.Batch) error {
	key := batchKey(b.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: update batch exists: %w", err)
	}
	if exists == 0 {
		return voxpipe.ErrBatchNotFound
	}

	fields := batchToMap(b)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSet(ctx, key, fields).Result(); err != nil {
		return fmt.Errorf("voxpipe/redis: update batch: %w", err)
	}
	return nil
}

// DeleteBatch removes a batch and all its tasks.
func (s *Store) DeleteBatch(ctx context.Context, batchID id.BatchID) error {
	bID := batchID.String()
	key := batchKey(bID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: delete batch exists: %w", err)
	}
	if exists == 0 {
		return voxpipe.ErrBatchNotFound
	}

	taskIDs, err := s.client.SMembers(ctx, batchTasksKey(bID)).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: delete batch tasks smembers: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, tID := range taskIDs {
		pipe.Del(ctx, taskKey(tID))
	}
	pipe.Del(ctx, batchTasksKey(bID))
	pipe.Del(ctx, key)
	pipe.SRem(ctx, batchIDsKey, bID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("voxpipe/redis: delete batch: %w", err)
	}
	return nil
}

// ListBatches returns batches matching opts plus the total count before
// pagination, ordered by creation time descending.
func (s *Store) ListBatches(ctx context.Context, opts batch.ListOpts) ([]*batch.Batch, int, error) {
	ids, err := s.client.SMembers(ctx, batchIDsKey).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("voxpipe/redis: list batches smembers: %w", err)
	}

	batches := make([]*batch.Batch, 0, len(ids))
	for _, bID := range ids {
		vals, getErr := s.client.HGetAll(ctx, batchKey(bID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue // skip missing
		}
		b, convErr := mapToBatch(vals)
		if convErr != nil {
			continue
		}
		if opts.Owner != "" && b.Owner != opts.Owner {
			continue
		}
		if opts.Status != "" && b.Status != opts.Status {
			continue
		}
		if !opts.CompletedBefore.IsZero() {
			if b.CompletedAt == nil || !b.CompletedAt.Before(opts.CompletedBefore) {
				continue
			}
		}
		batches = append(batches, b)
	}

	sort.Slice(batches, func(i, k int) bool {
		return batches[i].CreatedAt.After(batches[k].CreatedAt)
	})

	total := len(batches)
	if opts.Offset > 0 {
		if opts.Offset >= len(batches) {
			return nil, total, nil
		}
		batches = batches[opts.Offset:]
	}
	if opts.Limit > 0 && len(batches) > opts.Limit {
		batches = batches[:opts.Limit]
	}
	return batches, total, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*batch.Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(taskID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, voxpipe.ErrTaskNotFound
	}
	return mapToTask(vals)
}

// UpdateTask persists changes to an existing task.
func (s *Store) UpdateTask(ctx context.Context, t *batch.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("voxpipe/redis: update task exists: %w", err)
	}
	if exists == 0 {
		return voxpipe.ErrTaskNotFound
	}

	fields := taskToMap(t)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.client.HSet(ctx, key, fields).Result(); err != nil {
		return fmt.Errorf("voxpipe/redis: update task: %w", err)
	}
	return nil
}

// ListTasks returns all tasks of a batch ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, batchID id.BatchID) ([]*batch.Task, error) {
	taskIDs, err := s.client.SMembers(ctx, batchTasksKey(batchID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: list tasks smembers: %w", err)
	}

	tasks := make([]*batch.Task, 0, len(taskIDs))
	for _, tID := range taskIDs {
		vals, getErr := s.client.HGetAll(ctx, taskKey(tID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		t, convErr := mapToTask(vals)
		if convErr != nil {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})
	return tasks, nil
}

// CountTaskStates returns the batch's terminal task counts and the total
// task count.
func (s *Store) CountTaskStates(ctx context.Context, batchID id.BatchID) (batch.Counts, error) {
	taskIDs, err := s.client.SMembers(ctx, batchTasksKey(batchID.String())).Result()
	if err != nil {
		return batch.Counts{}, fmt.Errorf("voxpipe/redis: count task states: %w", err)
	}

	var c batch.Counts
	for _, tID := range taskIDs {
		status, getErr := s.client.HGet(ctx, taskKey(tID), "status").Result()
		if getErr != nil {
			continue
		}
		c.Total++
		switch batch.TaskStatus(status) {
		case batch.TaskCompleted:
			c.Completed++
		case batch.TaskFailed:
			c.Failed++
		}
	}
	return c, nil
}

// ── helpers ──

func batchToMap(b *batch.Batch) map[string]interface{} {
	m := map[string]interface{}{
		"id":               b.ID.String(),
		"owner":            b.Owner,
		"job_type":         string(b.JobType),
		"status":           string(b.Status),
		"default_src_lang": b.DefaultSrcLang,
		"default_tgt_lang": b.DefaultTgtLang,
		"priority":         strconv.Itoa(b.Priority),
		"total_tasks":      strconv.Itoa(b.TotalTasks),
		"completed_tasks":  strconv.Itoa(b.CompletedTasks),
		"failed_tasks":     strconv.Itoa(b.FailedTasks),
		"callback_url":     b.CallbackURL,
		"metadata":         marshalJSON(b.Metadata),
		"created_at":       b.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       b.UpdatedAt.Format(time.RFC3339Nano),
	}
	if b.StartedAt != nil {
		m["started_at"] = b.StartedAt.Format(time.RFC3339Nano)
	}
	if b.CompletedAt != nil {
		m["completed_at"] = b.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToBatch(m map[string]string) (*batch.Batch, error) {
	bID, err := id.ParseBatchID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: parse batch id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	totalTasks, _ := strconv.Atoi(m["total_tasks"])               //nolint:errcheck // best-effort parse from trusted Redis data
	completedTasks, _ := strconv.Atoi(m["completed_tasks"])       //nolint:errcheck // best-effort parse from trusted Redis data
	failedTasks, _ := strconv.Atoi(m["failed_tasks"])             //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	b := &batch.Batch{
		Entity: voxpipe.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:             bID,
		Owner:          m["owner"],
		JobType:        batch.JobType(m["job_type"]),
		Status:         batch.Status(m["status"]),
		DefaultSrcLang: m["default_src_lang"],
		DefaultTgtLang: m["default_tgt_lang"],
		Priority:       priority,
		TotalTasks:     totalTasks,
		CompletedTasks: completedTasks,
		FailedTasks:    failedTasks,
		CallbackURL:    m["callback_url"],
		Metadata:       unmarshalMap(m["metadata"]),
	}

	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		b.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		b.CompletedAt = &t
	}
	return b, nil
}

func taskToMap(t *batch.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":              t.ID.String(),
		"batch_id":        t.BatchID.String(),
		"external_id":     t.ExternalID,
		"input_kind":      string(t.Input.Kind),
		"input_ref":       t.Input.Ref,
		"src_lang":        t.SrcLang,
		"tgt_lang":        t.TgtLang,
		"detected_lang":   t.DetectedLang,
		"status":          string(t.Status),
		"model_used":      t.ModelUsed,
		"attempt_count":   strconv.Itoa(t.AttemptCount),
		"max_attempts":    strconv.Itoa(t.MaxAttempts),
		"transcript":      t.Transcript,
		"translation":     t.Translation,
		"error_message":   t.ErrorMessage,
		"input_path":      t.InputPath,
		"result_path":     t.ResultPath,
		"processing_time": strconv.FormatInt(int64(t.ProcessingTime), 10),
		"created_at":      t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToTask(m map[string]string) (*batch.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("voxpipe/redis: parse task id: %w", err)
	}
	batchID, _ := id.ParseBatchID(m["batch_id"]) //nolint:errcheck // best-effort parse from trusted Redis data

	attemptCount, _ := strconv.Atoi(m["attempt_count"])             //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])               //nolint:errcheck // best-effort parse from trusted Redis data
	processing, _ := strconv.ParseInt(m["processing_time"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])   //nolint:errcheck // best-effort parse from trusted Redis data

	t := &batch.Task{
		Entity: voxpipe.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         tID,
		BatchID:    batchID,
		ExternalID: m["external_id"],
		Input: batch.Input{
			Kind: batch.InputKind(m["input_kind"]),
			Ref:  m["input_ref"],
		},
		SrcLang:        m["src_lang"],
		TgtLang:        m["tgt_lang"],
		DetectedLang:   m["detected_lang"],
		Status:         batch.TaskStatus(m["status"]),
		ModelUsed:      m["model_used"],
		AttemptCount:   attemptCount,
		MaxAttempts:    maxAttempts,
		Transcript:     m["transcript"],
		Translation:    m["translation"],
		ErrorMessage:   m["error_message"],
		InputPath:      m["input_path"],
		ResultPath:     m["result_path"],
		ProcessingTime: time.Duration(processing),
	}

	if v := m["started_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.StartedAt = &ts
	}
	if v := m["completed_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.CompletedAt = &ts
	}
	return t, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalMap parses a JSON map.
func unmarshalMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
