// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/datasync/catalog"
	"storj.io/datasync/private/dbutil/txutil"
	"storj.io/datasync/private/tagsql"
)

const entryColumns = `schema_name, table_name, engine, connection, status,
	active, cluster, pk_columns, pk_strategy, size, sync_metadata,
	created_at, updated_at`

// ListConnections returns the distinct source connection descriptors for
// the engine.
func (db *DB) ListConnections(ctx context.Context, engine catalog.Engine) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if engine == "" {
		return nil, nil
	}

	rows, err := db.db.QueryContext(ctx, db.rebind(`
		SELECT DISTINCT connection FROM catalog_entries
		WHERE engine = ? AND connection <> ''
		ORDER BY connection`), string(engine.Normalize()))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var connections []string
	for rows.Next() {
		var connection string
		if err := rows.Scan(&connection); err != nil {
			return nil, Error.Wrap(err)
		}
		connections = append(connections, connection)
	}
	return connections, Error.Wrap(rows.Err())
}

// ListEntries returns the entries for (engine, connection) ordered by
// (schema, table).
func (db *DB) ListEntries(ctx context.Context, engine catalog.Engine, connection string) (_ []catalog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	if engine == "" || connection == "" {
		return nil, nil
	}

	return db.queryEntries(ctx, db.rebind(`
		SELECT `+entryColumns+` FROM catalog_entries
		WHERE engine = ? AND connection = ?
		ORDER BY schema_name, table_name`),
		string(engine.Normalize()), connection)
}

// ListActive returns all active entries.
func (db *DB) ListActive(ctx context.Context) (_ []catalog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.queryEntries(ctx, `
		SELECT `+entryColumns+` FROM catalog_entries
		WHERE active
		ORDER BY engine, schema_name, table_name`)
}

// ListByStatus returns entries with any of the given statuses.
func (db *DB) ListByStatus(ctx context.Context, statuses ...catalog.Status) (_ []catalog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	return db.queryEntries(ctx, db.rebind(`
		SELECT `+entryColumns+` FROM catalog_entries
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY engine, schema_name, table_name`), args...)
}

// Get returns a single entry or ErrEntryNotFound.
func (db *DB) Get(ctx context.Context, schema, table string, engine catalog.Engine) (_ catalog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, db.rebind(`
		SELECT `+entryColumns+` FROM catalog_entries
		WHERE schema_name = ? AND table_name = ? AND engine = ?`),
		schema, table, string(engine.Normalize()))

	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Entry{}, catalog.ErrEntryNotFound.New("%s.%s (%s)", schema, table, engine)
	}
	return entry, Error.Wrap(err)
}

// Upsert registers a table. Insert starts at FULL_LOAD; an unchanged
// primary key refreshes only the size, a changed one resets the status.
func (db *DB) Upsert(ctx context.Context, entry catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := entry.Verify(); err != nil {
		return err
	}
	entry.Engine = entry.Engine.Normalize()

	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		var storedPK string
		err := tx.QueryRow(ctx, db.rebind(`
			SELECT pk_columns FROM catalog_entries
			WHERE schema_name = ? AND table_name = ? AND engine = ?`),
			entry.Schema, entry.Table, string(entry.Engine)).Scan(&storedPK)

		ts := now()
		switch {
		case errors.Is(err, sql.ErrNoRows):
			pkJSON, metaJSON, err := marshalEntryFields(entry)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, db.rebind(`
				INSERT INTO catalog_entries (`+entryColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				entry.Schema, entry.Table, string(entry.Engine),
				entry.Connection, string(catalog.StatusFullLoad), entry.Active,
				entry.Cluster, pkJSON, string(entry.PKStrategy.Normalize()),
				entry.Size, metaJSON, ts, ts)
			return err

		case err != nil:
			return err
		}

		var stored catalog.Entry
		if err := json.Unmarshal([]byte(storedPK), &stored.PKColumns); err != nil {
			return err
		}

		if stored.SamePKColumns(normalizeColumns(entry.PKColumns)) {
			_, err = tx.Exec(ctx, db.rebind(`
				UPDATE catalog_entries SET size = ?, updated_at = ?
				WHERE schema_name = ? AND table_name = ? AND engine = ?`),
				entry.Size, ts, entry.Schema, entry.Table, string(entry.Engine))
			return err
		}

		pkJSON, err := json.Marshal(normalizeColumns(entry.PKColumns))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, db.rebind(`
			UPDATE catalog_entries
			SET pk_columns = ?, status = ?, size = ?, updated_at = ?
			WHERE schema_name = ? AND table_name = ? AND engine = ?`),
			string(pkJSON), string(catalog.StatusFullLoad), entry.Size, ts,
			entry.Schema, entry.Table, string(entry.Engine))
		return err
	})
}

// UpdateCluster sets the cluster label on all entries matching
// (connection, engine).
func (db *DB) UpdateCluster(ctx context.Context, cluster string, connection string, engine catalog.Engine) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE catalog_entries SET cluster = ?, updated_at = ?
		WHERE connection = ? AND engine = ?`),
		cluster, now(), connection, string(engine.Normalize()))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	return count, Error.Wrap(err)
}

// UpdateStatus transitions a single entry.
func (db *DB) UpdateStatus(ctx context.Context, schema, table string, engine catalog.Engine, status catalog.Status) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.updateEntryField(ctx, schema, table, engine, "status", string(status))
}

// SetActive flips the active flag.
func (db *DB) SetActive(ctx context.Context, schema, table string, engine catalog.Engine, active bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.updateEntryField(ctx, schema, table, engine, "active", active)
}

// UpdateSize refreshes the approximate row count.
func (db *DB) UpdateSize(ctx context.Context, schema, table string, engine catalog.Engine, size int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.updateEntryField(ctx, schema, table, engine, "size", size)
}

// UpdateSyncMetadata replaces the opaque sync metadata map.
func (db *DB) UpdateSyncMetadata(ctx context.Context, schema, table string, engine catalog.Engine, metadata map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.updateEntryField(ctx, schema, table, engine, "sync_metadata", string(metaJSON))
}

// AdvanceWatermark sets last_change_id in the sync metadata to newID,
// never decreasing it. The read and write share one transaction.
func (db *DB) AdvanceWatermark(ctx context.Context, schema, table string, engine catalog.Engine, newID int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		var metaJSON string
		err := tx.QueryRow(ctx, db.rebind(`
			SELECT sync_metadata FROM catalog_entries
			WHERE schema_name = ? AND table_name = ? AND engine = ?`),
			schema, table, string(engine.Normalize())).Scan(&metaJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.ErrEntryNotFound.New("%s.%s (%s)", schema, table, engine)
		}
		if err != nil {
			return err
		}

		var entry catalog.Entry
		if err := json.Unmarshal([]byte(metaJSON), &entry.SyncMetadata); err != nil {
			return err
		}
		if entry.LastChangeID() >= newID {
			return nil
		}
		entry.SetLastChangeID(newID)

		updated, err := json.Marshal(entry.SyncMetadata)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, db.rebind(`
			UPDATE catalog_entries SET sync_metadata = ?, updated_at = ?
			WHERE schema_name = ? AND table_name = ? AND engine = ?`),
			string(updated), now(), schema, table, string(engine.Normalize()))
		return err
	})
}

// Delete removes the matching entries and reports how many.
func (db *DB) Delete(ctx context.Context, opts catalog.DeleteEntries) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return 0, err
	}

	query := `
		DELETE FROM catalog_entries
		WHERE schema_name = ? AND table_name = ? AND engine = ?`
	args := []interface{}{opts.Schema, opts.Table, string(opts.Engine.Normalize())}
	if opts.Connection != "" {
		query += ` AND connection = ?`
		args = append(args, opts.Connection)
	}

	result, err := db.db.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	return count, Error.Wrap(err)
}

// TableSizes returns a map "schema|table" to the stored row count.
func (db *DB) TableSizes(ctx context.Context) (_ map[string]int64, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT schema_name, table_name, size FROM catalog_entries`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	sizes := make(map[string]int64)
	for rows.Next() {
		var schema, table string
		var size int64
		if err := rows.Scan(&schema, &table, &size); err != nil {
			return nil, Error.Wrap(err)
		}
		sizes[schema+"|"+table] = size
	}
	return sizes, Error.Wrap(rows.Err())
}

// CleanupStrategies migrates deprecated OFFSET pk strategies to CDC.
func (db *DB) CleanupStrategies(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE catalog_entries SET pk_strategy = ?, updated_at = ?
		WHERE pk_strategy = ?`),
		string(catalog.PKStrategyCDC), now(), "OFFSET")
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	return count, Error.Wrap(err)
}

// updateEntryField updates one column of one entry.
func (db *DB) updateEntryField(ctx context.Context, schema, table string, engine catalog.Engine, field string, value interface{}) error {
	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE catalog_entries SET `+field+` = ?, updated_at = ?
		WHERE schema_name = ? AND table_name = ? AND engine = ?`),
		value, now(), schema, table, string(engine.Normalize()))
	if err != nil {
		return Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if count == 0 {
		return catalog.ErrEntryNotFound.New("%s.%s (%s)", schema, table, engine)
	}
	return nil
}

func (db *DB) queryEntries(ctx context.Context, query string, args ...interface{}) (_ []catalog.Entry, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var entries []catalog.Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		entries = append(entries, entry)
	}
	return entries, Error.Wrap(rows.Err())
}

// scanEntry decodes one catalog row from any scanner.
func scanEntry(scan func(...interface{}) error) (catalog.Entry, error) {
	var entry catalog.Entry
	var engine, strategy, pkJSON, metaJSON string
	err := scan(&entry.Schema, &entry.Table, &engine, &entry.Connection,
		&entry.Status, &entry.Active, &entry.Cluster, &pkJSON, &strategy,
		&entry.Size, &metaJSON, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return catalog.Entry{}, err
	}

	entry.Engine = catalog.Engine(engine)
	entry.PKStrategy = catalog.PKStrategy(strategy)
	if err := json.Unmarshal([]byte(pkJSON), &entry.PKColumns); err != nil {
		return catalog.Entry{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &entry.SyncMetadata); err != nil {
		return catalog.Entry{}, err
	}
	return entry, nil
}

// marshalEntryFields renders the JSON-carried entry fields.
func marshalEntryFields(entry catalog.Entry) (pkJSON, metaJSON string, err error) {
	pk, err := json.Marshal(normalizeColumns(entry.PKColumns))
	if err != nil {
		return "", "", err
	}
	if entry.SyncMetadata == nil {
		entry.SyncMetadata = map[string]string{}
	}
	meta, err := json.Marshal(entry.SyncMetadata)
	if err != nil {
		return "", "", err
	}
	return string(pk), string(meta), nil
}

// normalizeColumns lowercases and never returns nil, so the stored JSON
// is always an array.
func normalizeColumns(columns []string) []string {
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		out = append(out, strings.ToLower(col))
	}
	return out
}
