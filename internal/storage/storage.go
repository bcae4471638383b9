// Package storage persists an audit log of upstream registry lookups.
// Cached counts themselves are never persisted.
package storage

import (
	"context"

	"github.com/gateway-fm/attestgateway/pkg/types"
)

// Storage defines the persistence interface for the lookup log.
type Storage interface {
	// BulkInsertLookups appends lookup events in a single transaction.
	BulkInsertLookups(ctx context.Context, events []types.LookupEvent) error

	// ListLookups returns the most recent lookups first. An empty address
	// matches every address.
	ListLookups(ctx context.Context, address string, limit, offset int) (*types.PaginatedLookups, error)

	// Ping checks the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the database.
	Close() error
}
