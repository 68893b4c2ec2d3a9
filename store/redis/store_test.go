package redis

import (
	"testing"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/id"
)

func TestEnvelopeScore_PriorityDominates(t *testing.T) {
	now := time.Now().UTC()

	urgent := envelopeScore(0, now.Add(time.Hour))
	routine := envelopeScore(5, now)
	if urgent >= routine {
		t.Errorf("urgent score %f should sort before routine %f", urgent, routine)
	}
}

func TestEnvelopeScore_FIFOWithinPriority(t *testing.T) {
	now := time.Now().UTC()

	first := envelopeScore(5, now)
	second := envelopeScore(5, now.Add(time.Second))
	if first >= second {
		t.Errorf("earlier arrival %f should sort before later %f", first, second)
	}
}

func TestClaimedMember_RoundTrip(t *testing.T) {
	taskID := id.NewTaskID()
	member := claimedMember(voxpipe.QueueClassHighPriority, taskID.String())

	class, tID, ok := splitClaimedMember(member)
	if !ok {
		t.Fatal("split failed")
	}
	if class != voxpipe.QueueClassHighPriority {
		t.Errorf("class = %q", class)
	}
	if tID != taskID.String() {
		t.Errorf("task id = %q", tID)
	}
}

func TestSplitClaimedMember_Malformed(t *testing.T) {
	if _, _, ok := splitClaimedMember("no-separator"); ok {
		t.Error("expected split to reject member without separator")
	}
}

func TestBatchMap_RoundTrip(t *testing.T) {
	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	b := &batch.Batch{
		Entity:         voxpipe.NewEntity(),
		ID:             id.NewBatchID(),
		Owner:          "owner_a",
		JobType:        batch.JobTypeASRNMT,
		Status:         batch.StatusProcessing,
		DefaultSrcLang: "hi",
		DefaultTgtLang: "en",
		Priority:       8,
		TotalTasks:     4,
		CompletedTasks: 2,
		FailedTasks:    1,
		CallbackURL:    "https://example.com/hook",
		Metadata:       map[string]string{"team": "speech"},
		StartedAt:      &started,
	}

	fields := make(map[string]string, len(batchToMap(b)))
	for k, v := range batchToMap(b) {
		fields[k] = v.(string)
	}

	got, err := mapToBatch(fields)
	if err != nil {
		t.Fatalf("mapToBatch: %v", err)
	}
	if got.ID != b.ID || got.Owner != b.Owner || got.JobType != b.JobType {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.Status != b.Status || got.Priority != b.Priority {
		t.Errorf("state fields mismatch: %+v", got)
	}
	if got.TotalTasks != 4 || got.CompletedTasks != 2 || got.FailedTasks != 1 {
		t.Errorf("counters mismatch: %+v", got)
	}
	if got.Metadata["team"] != "speech" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func TestTaskMap_RoundTrip(t *testing.T) {
	tk := &batch.Task{
		Entity:         voxpipe.NewEntity(),
		ID:             id.NewTaskID(),
		BatchID:        id.NewBatchID(),
		ExternalID:     "item-7",
		Input:          batch.Input{Kind: batch.InputAudioB64, Ref: "b64data"},
		SrcLang:        "kn",
		TgtLang:        "en",
		DetectedLang:   "kn",
		Status:         batch.TaskRetrying,
		ModelUsed:      "whisper",
		AttemptCount:   2,
		MaxAttempts:    3,
		Transcript:     "partial transcript",
		ErrorMessage:   "timeout",
		ResultPath:     "jobs/b/tasks/t/result.json",
		ProcessingTime: 1500 * time.Millisecond,
	}

	fields := make(map[string]string, len(taskToMap(tk)))
	for k, v := range taskToMap(tk) {
		fields[k] = v.(string)
	}

	got, err := mapToTask(fields)
	if err != nil {
		t.Fatalf("mapToTask: %v", err)
	}
	if got.ID != tk.ID || got.BatchID != tk.BatchID || got.ExternalID != tk.ExternalID {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if got.Input != tk.Input {
		t.Errorf("Input = %+v, want %+v", got.Input, tk.Input)
	}
	if got.Status != batch.TaskRetrying || got.AttemptCount != 2 || got.MaxAttempts != 3 {
		t.Errorf("retry state mismatch: %+v", got)
	}
	if got.ProcessingTime != 1500*time.Millisecond {
		t.Errorf("ProcessingTime = %v", got.ProcessingTime)
	}
}

func TestDLQMap_RoundTrip(t *testing.T) {
	e := &dlq.Entry{
		ID:           id.NewDLQID(),
		TaskID:       id.NewTaskID(),
		BatchID:      id.NewBatchID(),
		JobType:      batch.JobTypeASR,
		Class:        voxpipe.QueueClassASR,
		Envelope:     []byte{0x82, 0x01, 0xff},
		Error:        "decode error",
		AttemptCount: 3,
		MaxAttempts:  3,
		FailedAt:     time.Now().UTC().Truncate(time.Millisecond),
		CreatedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}

	fields := make(map[string]string, len(dlqToMap(e)))
	for k, v := range dlqToMap(e) {
		fields[k] = v.(string)
	}

	got, err := mapToDLQ(fields)
	if err != nil {
		t.Fatalf("mapToDLQ: %v", err)
	}
	if got.ID != e.ID || got.TaskID != e.TaskID || got.Class != e.Class {
		t.Errorf("identity fields mismatch: %+v", got)
	}
	if string(got.Envelope) != string(e.Envelope) {
		t.Errorf("Envelope bytes corrupted")
	}
	if !got.FailedAt.Equal(e.FailedAt) {
		t.Errorf("FailedAt = %v, want %v", got.FailedAt, e.FailedAt)
	}
	if got.ReplayedAt != nil {
		t.Errorf("ReplayedAt = %v, want nil", got.ReplayedAt)
	}
}
