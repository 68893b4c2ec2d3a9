// Package store defines the aggregate persistence interface. Each
// subsystem (batch, envelope queue, dlq) defines its own store
// interface; the composite Store composes them all. Backends: Bun
// (Postgres), Redis, and Memory.
package store

import (
	"context"

	"github.com/voxpipe/voxpipe/batch"
	"github.com/voxpipe/voxpipe/dlq"
	"github.com/voxpipe/voxpipe/envelope"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem stores so that batch state and queue state
// share one source of truth.
type Store interface {
	batch.Store
	envelope.Queue
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
