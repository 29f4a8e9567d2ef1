// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"
)

// DB is the catalog store.
//
// Every mutation runs in its own transaction; there are no partial
// commits. Any store error is surfaced to the caller.
type DB interface {
	// ListConnections returns the distinct source connection descriptors
	// for the engine, empty input yields empty output.
	ListConnections(ctx context.Context, engine Engine) ([]string, error)
	// ListEntries returns the entries for (engine, connection) ordered by
	// (schema, table). Both arguments must be non-empty.
	ListEntries(ctx context.Context, engine Engine, connection string) ([]Entry, error)
	// ListActive returns all active entries ordered by (engine, schema, table).
	ListActive(ctx context.Context) ([]Entry, error)
	// ListByStatus returns entries with any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]Entry, error)
	// Get returns a single entry or ErrEntryNotFound.
	Get(ctx context.Context, schema, table string, engine Engine) (Entry, error)

	// Upsert registers a table. A new entry is inserted with
	// status=FULL_LOAD. An existing entry with an unchanged primary key
	// only has its size refreshed; a changed primary key resets the
	// status to FULL_LOAD.
	Upsert(ctx context.Context, entry Entry) error
	// UpdateCluster sets the cluster label on all entries matching
	// (connection, engine) and returns the number of updated rows.
	UpdateCluster(ctx context.Context, cluster string, connection string, engine Engine) (int64, error)
	// UpdateStatus transitions a single entry.
	UpdateStatus(ctx context.Context, schema, table string, engine Engine, status Status) error
	// SetActive flips the active flag.
	SetActive(ctx context.Context, schema, table string, engine Engine, active bool) error
	// UpdateSize refreshes the approximate row count.
	UpdateSize(ctx context.Context, schema, table string, engine Engine, size int64) error
	// UpdateSyncMetadata replaces the opaque sync metadata map.
	UpdateSyncMetadata(ctx context.Context, schema, table string, engine Engine, metadata map[string]string) error
	// AdvanceWatermark sets last_change_id to newID. The stored watermark
	// never decreases; a smaller newID leaves the row unchanged.
	AdvanceWatermark(ctx context.Context, schema, table string, engine Engine, newID int64) error
	// Delete removes the matching entries and reports how many.
	Delete(ctx context.Context, opts DeleteEntries) (int64, error)

	// TableSizes returns a map "schema|table" to the stored approximate
	// row count over all tracked entries.
	TableSizes(ctx context.Context) (map[string]int64, error)
	// CleanupStrategies migrates deprecated OFFSET pk strategies to CDC
	// and returns the number of migrated rows.
	CleanupStrategies(ctx context.Context) (int64, error)
}

// DeleteEntries filters the catalog rows removed by DB.Delete.
// Connection is optional; the other fields are required.
type DeleteEntries struct {
	Schema     string
	Table      string
	Engine     Engine
	Connection string
}

// Verify checks the required filter fields.
func (opts *DeleteEntries) Verify() error {
	switch {
	case opts.Schema == "":
		return ErrInvalidRequest.New("schema missing")
	case opts.Table == "":
		return ErrInvalidRequest.New("table missing")
	case opts.Engine == "":
		return ErrInvalidRequest.New("engine missing")
	}
	return nil
}
