// Package store defines the aggregate persistence interface. The pending
// package defines the entry contract; Store adds lifecycle operations.
// Backends: Postgres, Bun, SQLite, Redis, and Memory.
package store

import (
	"context"

	"github.com/xraph/delay/pending"
)

// Store is the aggregate persistence interface.
// A single backend (postgres, bun, sqlite, etc.) implements all of it.
type Store interface {
	pending.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close releases resources owned by the store.
	Close() error
}
