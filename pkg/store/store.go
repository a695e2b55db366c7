package store

import (
	"context"

	"marketmigration/pkg/models"
)

// BulkResult reports the outcome of a bulk insert
type BulkResult struct {
	Affected int64
	Errors   []error
}

// DestinationStore is the engine's view of the durable relational store.
// Implementations own the schema and the record-to-row mapping.
type DestinationStore interface {
	// Ping verifies the store is reachable
	Ping(ctx context.Context) error

	// TableExists reports whether the destination table is present
	TableExists(ctx context.Context, table string) (bool, error)

	// Exists reports whether a record with the given natural key is present
	Exists(ctx context.Context, table, naturalKey string) (bool, error)

	// InsertOne persists a single record under its natural key
	InsertOne(ctx context.Context, table, naturalKey string, record models.Record) error

	// Count returns the number of records in the table
	Count(ctx context.Context, table string) (int64, error)

	// Delete removes the record with the given natural key. Used by rollback.
	Delete(ctx context.Context, table, naturalKey string) error
}

// BulkInserter is an optional fast path for stores that support
// multi-record inserts. The batch processor uses it when available.
type BulkInserter interface {
	InsertMany(ctx context.Context, table string, keys []string, records []models.Record) BulkResult
}

// AuditSink appends audit entries to a durable stream
type AuditSink interface {
	Append(ctx context.Context, entry models.AuditEntry) error
}

// RecordSource is an enumerable collection of input records
type RecordSource interface {
	// Name identifies the source in run ids and logs
	Name() string

	// Count probes the source; used to validate reachability before any write
	Count(ctx context.Context) (int64, error)

	// Groups returns the logical record groups to migrate
	Groups(ctx context.Context) ([]models.RecordGroup, error)
}
