package redis

// Redis key naming conventions for voxpipe data.
// All keys are prefixed with "voxpipe:" to avoid collisions.

const keyPrefix = "voxpipe:"

// ── Batch keys ──

// batchKey returns the key for a batch entity: voxpipe:batch:{id}
func batchKey(id string) string { return keyPrefix + "batch:" + id }

// batchIDsKey is the Set tracking all batch IDs for enumeration.
const batchIDsKey = keyPrefix + "batch_ids"

// taskKey returns the key for a task entity: voxpipe:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// batchTasksKey returns the Set key tracking a batch's task IDs.
func batchTasksKey(batchID string) string { return keyPrefix + "batch_tasks:" + batchID }

// ── Queue keys ──

// envelopeKey returns the key for a queued envelope: voxpipe:envelope:{taskID}
func envelopeKey(taskID string) string { return keyPrefix + "envelope:" + taskID }

// readyKey returns the Sorted Set of deliverable envelopes for a class,
// scored by priority plus an arrival-time fraction.
func readyKey(class string) string { return keyPrefix + "ready:" + class }

// delayedKey returns the Sorted Set of not-yet-deliverable envelopes for
// a class, scored by their NotBefore time in Unix milliseconds.
func delayedKey(class string) string { return keyPrefix + "delayed:" + class }

// claimedKey is the Sorted Set of claimed envelopes across all classes,
// scored by claim time in Unix milliseconds. Members carry the class as
// "{class}/{taskID}" so reaping can requeue without loading the envelope.
const claimedKey = keyPrefix + "claimed"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: voxpipe:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIDsKey is the Set tracking all DLQ entry IDs for enumeration.
const dlqIDsKey = keyPrefix + "dlq_ids"
