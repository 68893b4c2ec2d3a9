// Package envelope defines the ephemeral dispatch envelope — the unit of
// work handed to exactly one worker per attempt — together with the
// queue-class routing policy, the wire codec, the queue transport
// contract, and the Dispatcher that fans a batch's tasks into the queues.
package envelope

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/id"
)

// Envelope is one attempt's worth of dispatchable work. It is owned by
// the dispatch layer from enqueue to ack and is never shared across
// workers. Envelopes are keyed by task id so that re-enqueueing the same
// task is naturally idempotent.
type Envelope struct {
	TaskID   id.TaskID     `msgpack:"task_id" json:"task_id"`
	BatchID  id.BatchID    `msgpack:"batch_id" json:"batch_id"`
	JobType  batch.JobType `msgpack:"job_type" json:"job_type"`
	Input    batch.Input   `msgpack:"input" json:"input"`
	SrcLang  string        `msgpack:"src_lang,omitempty" json:"src_lang,omitempty"`
	TgtLang  string        `msgpack:"tgt_lang,omitempty" json:"tgt_lang,omitempty"`
	Class    string        `msgpack:"class" json:"class"`
	Priority int           `msgpack:"priority" json:"priority"`
	Attempt  int           `msgpack:"attempt" json:"attempt"`
	// NotBefore delays delivery, carrying retry backoff through the queue.
	NotBefore time.Time `msgpack:"not_before" json:"not_before"`
	// Timeout is the hard wall-clock limit for one processing attempt.
	Timeout time.Duration `msgpack:"timeout,omitempty" json:"timeout,omitempty"`
	// ClaimedAt is set by the queue when a worker claims the envelope;
	// stale claims are reaped and redelivered.
	ClaimedAt *time.Time `msgpack:"claimed_at,omitempty" json:"claimed_at,omitempty"`
}

// Encode serializes the envelope for queue transport.
func Encode(e *Envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

// Decode deserializes an envelope from queue transport.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Queue is the at-least-once dispatch transport. Pull claims envelopes;
// a claimed envelope is invisible to other workers until it is either
// Acked (done), Nacked (redelivered after a delay with the attempt
// counter advanced), or its claim goes stale and Reap returns it to the
// queue. Push is idempotent per task id while an envelope for that task
// is still queued or claimed.
type Queue interface {
	// Push enqueues an envelope into its queue class.
	Push(ctx context.Context, e *Envelope) error

	// Pull claims up to limit deliverable envelopes from the given
	// classes, honoring NotBefore and the per-class priority order
	// (lower numeric priority first, then enqueue time).
	Pull(ctx context.Context, classes []string, limit int) ([]*Envelope, error)

	// Ack removes a claimed envelope. The worker calls it only after
	// the task outcome for the attempt is durably recorded.
	Ack(ctx context.Context, taskID id.TaskID) error

	// Nack returns a claimed envelope to its queue class for
	// redelivery no earlier than now+delay, with Attempt advanced.
	Nack(ctx context.Context, taskID id.TaskID, delay time.Duration) error

	// Reap returns claimed envelopes whose claim is older than the
	// threshold to the queue and reports them. It is how a worker
	// crash before ack turns into redelivery.
	Reap(ctx context.Context, threshold time.Duration) ([]*Envelope, error)

	// Depth returns the number of queued envelopes in a class.
	Depth(ctx context.Context, class string) (int, error)
}
