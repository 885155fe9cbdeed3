package store

import (
	"context"

	"github.com/xraph/mailq/job"
)

// Store is the aggregate persistence interface.
type Store interface {
	job.Store

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
