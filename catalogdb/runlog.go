// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"storj.io/datasync/private/dbutil"
	"storj.io/datasync/runlog"
)

// Begin appends a STARTED process-log record.
func (db *DB) Begin(ctx context.Context, runID, entity string) (_ runlog.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	record := runlog.Record{
		RunID:     runID,
		Entity:    entity,
		Status:    runlog.StatusStarted,
		Metadata:  map[string]string{},
		StartedAt: now(),
	}

	query := `
		INSERT INTO process_log (run_id, entity, status, metadata, started_at)
		VALUES (?, ?, ?, ?, ?)`
	args := []interface{}{
		record.RunID, record.Entity, string(record.Status), "{}", record.StartedAt,
	}

	if db.impl == dbutil.Postgres {
		err = db.db.QueryRowContext(ctx,
			db.rebind(query+` RETURNING id`), args...).Scan(&record.ID)
		return record, Error.Wrap(err)
	}

	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return runlog.Record{}, Error.Wrap(err)
	}
	record.ID, err = result.LastInsertId()
	return record, Error.Wrap(err)
}

// Finish closes a process-log record with its final status.
func (db *DB) Finish(ctx context.Context, id int64, status runlog.Status, rowsProcessed int64, errorMessage string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE process_log
		SET status = ?, rows_processed = ?, error = ?, finished_at = ?
		WHERE id = ?`),
		string(status), rowsProcessed, errorMessage, now(), id)
	return Error.Wrap(err)
}

// List returns the most recent process-log records, newest first.
func (db *DB) List(ctx context.Context, entity string, limit int) (_ []runlog.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, run_id, entity, status, rows_processed, error, metadata,
			started_at, finished_at
		FROM process_log`
	var args []interface{}
	if entity != "" {
		query += ` WHERE entity = ?`
		args = append(args, entity)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []runlog.Record
	for rows.Next() {
		var record runlog.Record
		var status, metaJSON string
		err := rows.Scan(&record.ID, &record.RunID, &record.Entity, &status,
			&record.RowsProcessed, &record.Error, &metaJSON,
			&record.StartedAt, &record.FinishedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		record.Status = runlog.Status(status)
		if err := json.Unmarshal([]byte(metaJSON), &record.Metadata); err != nil {
			return nil, Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}

// DeleteBefore prunes process-log records finished before the cutoff.
func (db *DB) DeleteBefore(ctx context.Context, cutoff time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		DELETE FROM process_log
		WHERE finished_at IS NOT NULL AND finished_at < ?`), cutoff)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	count, err := result.RowsAffected()
	return count, Error.Wrap(err)
}
