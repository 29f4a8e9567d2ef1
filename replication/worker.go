// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasync/alerting"
	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/schemasync"
	"storj.io/datasync/source"
	"storj.io/datasync/target"
)

// Alerter surfaces replication failures as they happen. The alerting
// chore implements it with (type, scope) deduplication.
type Alerter interface {
	Raise(ctx context.Context, alert alerting.Alert) error
}

// Worker replicates a single catalog entry: a full snapshot for new or
// reset tables, change-log application for listening ones. A worker
// owns its source adapter for the duration of the job.
type Worker struct {
	log     *zap.Logger
	db      catalog.DB
	source  source.Adapter
	target  target.Engine
	schema  *schemasync.Synchronizer
	runs    runlog.DB
	alerter Alerter
	runID   string
	config  Config
}

// NewWorker creates a worker replicating through the given adapter and
// warehouse engine. The run id tags every process-log row it writes.
func NewWorker(log *zap.Logger, db catalog.DB, adapter source.Adapter, engine target.Engine, runs runlog.DB, alerter Alerter, runID string, config Config) *Worker {
	return &Worker{
		log:     log,
		db:      db,
		source:  adapter,
		target:  engine,
		schema:  schemasync.New(log.Named("schemasync"), engine),
		runs:    runs,
		alerter: alerter,
		runID:   runID,
		config:  config,
	}
}

// SyncEntry runs the path the entry's status calls for. Sink statuses
// are left alone.
func (worker *Worker) SyncEntry(ctx context.Context, entry catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	switch entry.Status {
	case catalog.StatusPending, catalog.StatusFullLoad:
		return worker.FullLoad(ctx, entry)
	case catalog.StatusListeningChanges:
		return worker.ApplyChanges(ctx, entry)
	default:
		return nil
	}
}

// FullLoad snapshots the source table into the target and arms the
// change log. An existing target table is truncated first, so reruns
// stay idempotent.
func (worker *Worker) FullLoad(ctx context.Context, entry catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	run, err := worker.runs.Begin(ctx, worker.runID, syncEntity(entry))
	if err != nil {
		return Error.Wrap(err)
	}

	rows, err := worker.fullLoad(ctx, entry)
	if err != nil {
		return worker.fail(ctx, entry, run, rows, err)
	}
	return Error.Wrap(worker.runs.Finish(ctx, run.ID, runlog.StatusSuccess, rows, ""))
}

func (worker *Worker) fullLoad(ctx context.Context, entry catalog.Entry) (rows int64, err error) {
	defer mon.Task()(&ctx)(&err)

	columns, err := worker.source.Columns(ctx, entry.Schema, entry.Table)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if len(columns) == 0 {
		return 0, Error.New("%s: source table has no columns", syncScope(entry))
	}

	diff, err := worker.schema.Sync(ctx, entry.Schema, entry.Table, columns, entry.PKColumns)
	switch {
	case schemasync.ErrResetRequired.Has(err):
		if err := worker.target.DropTable(ctx, entry.Schema, entry.Table); err != nil {
			return 0, Error.Wrap(err)
		}
		worker.log.Info("target table dropped for rebuild",
			zap.String("table", syncScope(entry)))
	case err != nil:
		return 0, Error.Wrap(err)
	}
	if !diff.Empty() {
		worker.noteSchemaChange(ctx, entry)
	}

	loadColumns := columns
	keyColumns := entry.PKColumns
	if entry.UsesRowHash() {
		loadColumns = append(append([]catalog.ColumnInfo{}, columns...), hashColumn())
		keyColumns = []string{catalog.HashColumn}
	}

	exists, err := worker.target.TableExists(ctx, entry.Schema, entry.Table)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if !exists {
		if err := worker.target.CreateSchema(ctx, entry.Schema); err != nil {
			return 0, Error.Wrap(err)
		}
		if err := worker.target.CreateTable(ctx, entry.Schema, entry.Table, loadColumns, keyColumns); err != nil {
			return 0, Error.Wrap(err)
		}
	} else if err := worker.target.TruncateTable(ctx, entry.Schema, entry.Table); err != nil {
		return 0, Error.Wrap(err)
	}

	names := columnNames(columns)
	insertColumns := names
	if entry.UsesRowHash() {
		insertColumns = append(append([]string{}, names...), catalog.HashColumn)
	}

	err = worker.source.ScanTable(ctx, entry.Schema, entry.Table, names, worker.config.ChunkSize, func(batch source.RowBatch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := make([][]interface{}, 0, len(batch.Rows))
		for _, row := range batch.Rows {
			if entry.UsesRowHash() {
				// The digest covers the raw image; the triggers hash the
				// row before any cleansing can happen.
				row = append(row, RowHash(row))
			}
			CleanseRow(row, loadColumns)
			out = append(out, row)
		}
		if err := worker.target.InsertRows(ctx, entry.Schema, entry.Table, insertColumns, out); err != nil {
			return err
		}
		rows += int64(len(out))
		return nil
	})
	if err != nil {
		return rows, Error.Wrap(err)
	}

	if err := worker.source.InstallChangeLog(ctx, entry.Schema, entry.Table, entry.PKColumns, columns); err != nil {
		return rows, Error.Wrap(err)
	}
	watermark, err := worker.source.MaxChangeID(ctx, entry.Schema, entry.Table)
	if err != nil {
		return rows, Error.Wrap(err)
	}

	err = worker.updateMetadata(ctx, entry, func(fresh *catalog.Entry) {
		fresh.SetLastChangeID(watermark)
		delete(fresh.SyncMetadata, metaLastError)
	})
	if err != nil {
		return rows, Error.Wrap(err)
	}
	if err := worker.db.UpdateSize(ctx, entry.Schema, entry.Table, entry.Engine, rows); err != nil {
		return rows, Error.Wrap(err)
	}
	if err := worker.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, catalog.StatusListeningChanges); err != nil {
		return rows, Error.Wrap(err)
	}

	// Advisory check: a completed load should leave the target with
	// every source column, plus the surrogate hash for tables keyed
	// by it.
	if sourceCount, targetCount, err := source.ColumnCounts(ctx, worker.source, worker.target, entry.Schema, entry.Table); err != nil {
		worker.log.Warn("column count check failed",
			zap.String("table", syncScope(entry)), zap.Error(err))
	} else {
		expected := sourceCount
		if entry.UsesRowHash() {
			expected++
		}
		if targetCount != expected {
			mon.Event("column_count_mismatch")
			worker.log.Warn("column counts diverge after full load",
				zap.String("table", syncScope(entry)),
				zap.Int("source_columns", sourceCount),
				zap.Int("target_columns", targetCount))
		}
	}

	mon.IntVal("full_load_rows").Observe(rows)
	worker.log.Info("full load complete",
		zap.String("table", syncScope(entry)),
		zap.Int64("rows", rows),
		zap.Int64("watermark", watermark))
	return rows, nil
}

// ApplyChanges drains the source change log into the target. Deletes
// are applied before upserts and the watermark advances only after a
// batch landed, so a crash replays at least once.
func (worker *Worker) ApplyChanges(ctx context.Context, entry catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	run, err := worker.runs.Begin(ctx, worker.runID, syncEntity(entry))
	if err != nil {
		return Error.Wrap(err)
	}

	applied, err := worker.applyChanges(ctx, entry)
	if err != nil {
		return worker.fail(ctx, entry, run, applied, err)
	}
	return Error.Wrap(worker.runs.Finish(ctx, run.ID, runlog.StatusSuccess, applied, ""))
}

func (worker *Worker) applyChanges(ctx context.Context, entry catalog.Entry) (applied int64, err error) {
	defer mon.Task()(&ctx)(&err)

	columns, err := worker.source.Columns(ctx, entry.Schema, entry.Table)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	diff, err := worker.schema.Sync(ctx, entry.Schema, entry.Table, columns, entry.PKColumns)
	switch {
	case schemasync.ErrResetRequired.Has(err):
		return 0, worker.markForReset(ctx, entry, err)
	case err != nil:
		return 0, Error.Wrap(err)
	}
	if !diff.Empty() {
		worker.noteSchemaChange(ctx, entry)
	}

	exists, err := worker.target.TableExists(ctx, entry.Schema, entry.Table)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if !exists {
		// The target table disappeared under us; rebuild next pass.
		return 0, Error.Wrap(worker.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, catalog.StatusFullLoad))
	}

	upsertColumns := columnNames(columns)
	if entry.UsesRowHash() {
		upsertColumns = append(upsertColumns, catalog.HashColumn)
	}
	keyColumns := entry.KeyColumns()

	last := entry.LastChangeID()
	var skipped int
	for {
		if err := ctx.Err(); err != nil {
			return applied, Error.Wrap(err)
		}

		batch, err := worker.source.ReadChanges(ctx, entry.Schema, entry.Table, last, worker.config.ChunkSize)
		if err != nil {
			return applied, Error.Wrap(err)
		}
		skipped += batch.Skipped

		if batch.MaxChangeID <= last {
			break
		}

		deletes, upserts, bad := partitionChanges(batch.Records, keyColumns)
		skipped += bad

		if len(deletes) > 0 {
			if err := worker.target.DeleteRows(ctx, entry.Schema, entry.Table, keyColumns, deletes); err != nil {
				return applied, Error.Wrap(err)
			}
			mon.IntVal("cdc_deletes").Observe(int64(len(deletes)))
		}
		if len(upserts) > 0 {
			rows := buildUpsertRows(upserts, columns, entry)
			if err := worker.target.UpsertRows(ctx, entry.Schema, entry.Table, upsertColumns, keyColumns, rows); err != nil {
				return applied, Error.Wrap(err)
			}
			mon.IntVal("cdc_upserts").Observe(int64(len(rows)))
		}

		if err := worker.db.AdvanceWatermark(ctx, entry.Schema, entry.Table, entry.Engine, batch.MaxChangeID); err != nil {
			return applied, Error.Wrap(err)
		}
		applied += int64(len(batch.Records))
		last = batch.MaxChangeID

		if len(batch.Records)+batch.Skipped < worker.config.ChunkSize {
			break
		}
	}

	if skipped > 0 {
		mon.IntVal("cdc_records_skipped").Observe(int64(skipped))
		worker.raise(ctx, alerting.Alert{
			Type:     "change_records_skipped",
			Severity: alerting.SeverityWarning,
			Title:    "Change records skipped",
			Message:  fmt.Sprintf("table %s: %d change records could not be applied", syncScope(entry), skipped),
			Schema:   entry.Schema,
			Table:    entry.Table,
			Source:   string(entry.Engine),
			Metadata: map[string]string{"skipped": fmt.Sprint(skipped)},
		})
	}

	if worker.config.PruneChangeLog && applied > 0 {
		if _, err := worker.source.PruneChangeLog(ctx, entry.Schema, entry.Table, last); err != nil {
			worker.log.Warn("change log prune failed",
				zap.String("table", syncScope(entry)), zap.Error(err))
		}
	}

	if applied > 0 {
		worker.log.Info("changes applied",
			zap.String("table", syncScope(entry)),
			zap.Int64("records", applied),
			zap.Int64("watermark", last))
	}
	return applied, nil
}

// markForReset drops the target table and sends the entry back to
// FULL_LOAD after a primary key shape change.
func (worker *Worker) markForReset(ctx context.Context, entry catalog.Entry, cause error) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := worker.target.TableExists(ctx, entry.Schema, entry.Table)
	if err != nil {
		return Error.Wrap(err)
	}
	if exists {
		if err := worker.target.DropTable(ctx, entry.Schema, entry.Table); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := worker.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, catalog.StatusFullLoad); err != nil {
		return Error.Wrap(err)
	}
	worker.noteSchemaChange(ctx, entry)

	worker.raise(ctx, alerting.Alert{
		Type:     "schema_reset",
		Severity: alerting.SeverityCritical,
		Title:    "Schema reset required",
		Message:  fmt.Sprintf("table %s reloads after an incompatible schema change: %v", syncScope(entry), cause),
		Schema:   entry.Schema,
		Table:    entry.Table,
		Source:   string(entry.Engine),
		Metadata: map[string]string{"error": cause.Error()},
	})
	worker.log.Warn("schema reset required",
		zap.String("table", syncScope(entry)), zap.Error(cause))
	return nil
}

// fail closes the run record and routes the error through the
// taxonomy: permanent source or target failures park the entry in
// ERROR with a critical alert, everything else is left for the next
// cycle to retry.
func (worker *Worker) fail(ctx context.Context, entry catalog.Entry, run runlog.Record, rows int64, cause error) error {
	if err := worker.runs.Finish(ctx, run.ID, runlog.StatusFailed, rows, cause.Error()); err != nil {
		worker.log.Warn("process log update failed", zap.Error(err))
	}

	if !isPermanent(cause) {
		return cause
	}

	if err := worker.updateMetadata(ctx, entry, func(fresh *catalog.Entry) {
		fresh.SyncMetadata[metaLastError] = cause.Error()
	}); err != nil {
		worker.log.Warn("error note failed", zap.Error(err))
	}
	if err := worker.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, catalog.StatusError); err != nil {
		return errs.Combine(cause, Error.Wrap(err))
	}

	worker.raise(ctx, alerting.Alert{
		Type:     "sync_error",
		Severity: alerting.SeverityCritical,
		Title:    "Table replication failed",
		Message:  fmt.Sprintf("table %s: %v", syncScope(entry), cause),
		Schema:   entry.Schema,
		Table:    entry.Table,
		Source:   string(entry.Engine),
		Metadata: map[string]string{"error": cause.Error()},
	})
	return cause
}

// updateMetadata applies change to a freshly loaded copy of the entry's
// sync metadata and persists it. The governance keys carried alongside
// the watermark survive the read-modify-write.
func (worker *Worker) updateMetadata(ctx context.Context, entry catalog.Entry, change func(fresh *catalog.Entry)) error {
	fresh, err := worker.db.Get(ctx, entry.Schema, entry.Table, entry.Engine)
	if err != nil {
		return err
	}
	if fresh.SyncMetadata == nil {
		fresh.SyncMetadata = map[string]string{}
	}
	change(&fresh)
	return worker.db.UpdateSyncMetadata(ctx, entry.Schema, entry.Table, entry.Engine, fresh.SyncMetadata)
}

// noteSchemaChange records when the table last changed shape so the
// governance checks can flag recent churn.
func (worker *Worker) noteSchemaChange(ctx context.Context, entry catalog.Entry) {
	err := worker.updateMetadata(ctx, entry, func(fresh *catalog.Entry) {
		fresh.SyncMetadata[metaLastSchemaChange] = time.Now().UTC().Format(time.RFC3339)
	})
	if err != nil {
		worker.log.Warn("schema change note failed",
			zap.String("table", syncScope(entry)), zap.Error(err))
	}
}

func (worker *Worker) raise(ctx context.Context, alert alerting.Alert) {
	if worker.alerter == nil {
		return
	}
	if err := worker.alerter.Raise(ctx, alert); err != nil {
		worker.log.Warn("alert delivery failed",
			zap.String("type", alert.Type), zap.Error(err))
	}
}
