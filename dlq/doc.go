// Package dlq provides the dead letter queue for tasks that have
// exhausted their attempt budget. It supports inspection, replay, and
// purging.
//
// When a task fails and MaxAttempts has been reached, the executor calls
// [Service.Push] to move it into the DLQ. The serialized envelope, error
// message, and attempt counts are preserved for debugging.
//
// # Entry
//
// A [Entry] captures:
//   - TaskID / BatchID / Class: original task identity and queue class
//   - Envelope: the serialized dispatch envelope at time of failure
//   - Error: the final error message
//   - AttemptCount / MaxAttempts: exhausted attempt budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Replay
//
// Replaying an entry resets the task to pending with a fresh attempt
// budget and pushes a new envelope onto the original queue class. Replay
// sets ReplayedAt on the DLQ entry.
package dlq
