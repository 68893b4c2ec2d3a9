// Package voxpipe provides an asynchronous orchestration core for batch
// speech-recognition and translation workloads. A batch of work items is
// fanned out into independently schedulable tasks, dispatched to
// bounded-concurrency model workers with primary/fallback model selection,
// tracked through an idempotent per-task state machine, and aggregated into
// a per-batch status that fires a single webhook notification when the
// batch first reaches a terminal state.
//
// Voxpipe is a library, not a service. Construct an engine with a store,
// a blob store, and model handles, then submit batches as ordinary Go
// calls:
//
//	eng, err := engine.Build(cfg,
//	    engine.WithStore(memory.New()),
//	    engine.WithBlobStore(blobs),
//	    engine.WithModels(primary, fallback, translator),
//	)
//
// # Architecture
//
// Voxpipe follows a composable store pattern: batch, envelope, and dlq
// each define their own store interface and a single backend implements
// all of them (memory, Redis, or PostgreSQL via Bun). Workers pull
// dispatch envelopes from class-partitioned queues with at-least-once
// delivery; every task outcome synchronously recomputes the owning
// batch's status under per-batch serialization.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package voxpipe
