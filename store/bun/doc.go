// Package bunstore implements store.Store on PostgreSQL via the Bun ORM.
// It is the durable backend: batches, tasks, envelopes, and DLQ entries
// live in four tables, and envelope claiming uses FOR UPDATE SKIP LOCKED
// so concurrent workers never double-claim.
package bunstore
