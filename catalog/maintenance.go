// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"context"

	"go.uber.org/zap"
)

// Target is the subset of the warehouse engine that maintenance
// operations need for probing and cleanup.
type Target interface {
	TableExists(ctx context.Context, schema, table string) (bool, error)
	RowCount(ctx context.Context, schema, table string) (int64, error)
	TruncateTable(ctx context.Context, schema, table string) error
	DropTable(ctx context.Context, schema, table string) error
}

// Maintenance implements the catalog lifecycle transitions that touch
// both the store and the target warehouse.
type Maintenance struct {
	log    *zap.Logger
	db     DB
	target Target
}

// NewMaintenance creates a Maintenance around the given store and target.
func NewMaintenance(log *zap.Logger, db DB, target Target) *Maintenance {
	return &Maintenance{
		log:    log,
		db:     db,
		target: target,
	}
}

// ReactivateWithData flips inactive NO_DATA entries back to active when
// their target table has rows again. Reactivated entries go back to
// PENDING so the next sync run picks them up.
func (service *Maintenance) ReactivateWithData(ctx context.Context) (reactivated int64, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := service.db.ListByStatus(ctx, StatusNoData)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for _, entry := range entries {
		if entry.Active {
			continue
		}

		exists, err := service.target.TableExists(ctx, entry.Schema, entry.Table)
		if err != nil {
			return reactivated, Error.Wrap(err)
		}
		if !exists {
			continue
		}

		count, err := service.target.RowCount(ctx, entry.Schema, entry.Table)
		if err != nil {
			return reactivated, Error.Wrap(err)
		}
		if count == 0 {
			continue
		}

		if err := service.db.SetActive(ctx, entry.Schema, entry.Table, entry.Engine, true); err != nil {
			return reactivated, Error.Wrap(err)
		}
		if err := service.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, StatusPending); err != nil {
			return reactivated, Error.Wrap(err)
		}
		reactivated++

		service.log.Info("reactivated entry with data",
			zap.String("schema", entry.Schema),
			zap.String("table", entry.Table),
			zap.Int64("rows", count))
	}
	return reactivated, nil
}

// DeactivateEmpty deactivates active entries whose target holds no rows
// and marks them NO_DATA.
func (service *Maintenance) DeactivateEmpty(ctx context.Context) (deactivated int64, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := service.db.ListActive(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for _, entry := range entries {
		exists, err := service.target.TableExists(ctx, entry.Schema, entry.Table)
		if err != nil {
			return deactivated, Error.Wrap(err)
		}
		if exists {
			count, err := service.target.RowCount(ctx, entry.Schema, entry.Table)
			if err != nil {
				return deactivated, Error.Wrap(err)
			}
			if count > 0 {
				continue
			}
		}

		if err := service.db.SetActive(ctx, entry.Schema, entry.Table, entry.Engine, false); err != nil {
			return deactivated, Error.Wrap(err)
		}
		if err := service.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, StatusNoData); err != nil {
			return deactivated, Error.Wrap(err)
		}
		deactivated++
	}
	return deactivated, nil
}

// MarkInactiveAsSkip turns every inactive entry into a SKIP sink,
// optionally truncating the target table.
func (service *Maintenance) MarkInactiveAsSkip(ctx context.Context, truncateTarget bool) (marked int64, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := service.db.ListByStatus(ctx,
		StatusPending, StatusFullLoad, StatusListeningChanges, StatusNoData, StatusError)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for _, entry := range entries {
		if entry.Active {
			continue
		}

		if err := service.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, StatusSkip); err != nil {
			return marked, Error.Wrap(err)
		}
		marked++

		if !truncateTarget {
			continue
		}
		exists, err := service.target.TableExists(ctx, entry.Schema, entry.Table)
		if err != nil {
			return marked, Error.Wrap(err)
		}
		if exists {
			if err := service.target.TruncateTable(ctx, entry.Schema, entry.Table); err != nil {
				return marked, Error.Wrap(err)
			}
		}
	}
	return marked, nil
}

// Reset drops the target table if present and sends the entry back to
// FULL_LOAD. Primary key metadata is preserved.
func (service *Maintenance) Reset(ctx context.Context, schema, table string, engine Engine) (err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := service.db.Get(ctx, schema, table, engine)
	if err != nil {
		return Error.Wrap(err)
	}

	exists, err := service.target.TableExists(ctx, entry.Schema, entry.Table)
	if err != nil {
		return Error.Wrap(err)
	}
	if exists {
		if err := service.target.DropTable(ctx, entry.Schema, entry.Table); err != nil {
			return Error.Wrap(err)
		}
	}

	if err := service.db.UpdateSyncMetadata(ctx, entry.Schema, entry.Table, entry.Engine, map[string]string{}); err != nil {
		return Error.Wrap(err)
	}
	if err := service.db.UpdateStatus(ctx, entry.Schema, entry.Table, entry.Engine, StatusFullLoad); err != nil {
		return Error.Wrap(err)
	}

	service.log.Info("reset to full load",
		zap.String("schema", schema),
		zap.String("table", table),
		zap.String("engine", string(engine)))
	return nil
}

// DeleteTables removes matching catalog rows, optionally dropping the
// target table as well.
func (service *Maintenance) DeleteTables(ctx context.Context, opts DeleteEntries, dropTarget bool) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return 0, err
	}

	if dropTarget {
		exists, err := service.target.TableExists(ctx, opts.Schema, opts.Table)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		if exists {
			if err := service.target.DropTable(ctx, opts.Schema, opts.Table); err != nil {
				return 0, Error.Wrap(err)
			}
		}
	}

	deleted, err = service.db.Delete(ctx, opts)
	return deleted, Error.Wrap(err)
}

// RefreshSizes probes the target for row counts of listening entries and
// stores them as the approximate size.
func (service *Maintenance) RefreshSizes(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := service.db.ListByStatus(ctx, StatusListeningChanges)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, entry := range entries {
		exists, err := service.target.TableExists(ctx, entry.Schema, entry.Table)
		if err != nil || !exists {
			continue
		}
		count, err := service.target.RowCount(ctx, entry.Schema, entry.Table)
		if err != nil {
			continue
		}
		if err := service.db.UpdateSize(ctx, entry.Schema, entry.Table, entry.Engine, count); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
