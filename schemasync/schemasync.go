// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package schemasync keeps target table shapes in line with their
// sources. It diffs column sets and emits only the ALTERs that are safe
// to run in place; anything else is reported back as a reset.
package schemasync

import (
	"context"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasync/catalog"
)

var (
	// Error is the default error class for the schemasync package.
	Error = errs.Class("schemasync")

	// ErrResetRequired signals that the diff cannot be applied in place
	// and the caller must reload the table from scratch.
	ErrResetRequired = errs.Class("schema reset required")
)

var mon = monkit.Package()

// DDL is the subset of the warehouse engine the synchronizer drives.
type DDL interface {
	TableExists(ctx context.Context, schema, table string) (bool, error)
	TableColumns(ctx context.Context, schema, table string) ([]catalog.ColumnInfo, error)
	AddColumn(ctx context.Context, schema, table string, column catalog.ColumnInfo) error
	DropColumn(ctx context.Context, schema, table, name string) error
	AlterColumnType(ctx context.Context, schema, table string, column catalog.ColumnInfo) error
}

// Synchronizer applies column diffs to target tables.
type Synchronizer struct {
	log    *zap.Logger
	target DDL
}

// New creates a synchronizer writing DDL through target.
func New(log *zap.Logger, target DDL) *Synchronizer {
	return &Synchronizer{log: log, target: target}
}

// Sync reconciles the target table with the source columns and returns
// the applied diff. A target table that does not exist yet yields an
// empty diff with no DDL, creation happens on first load. A diff that
// touches a primary key column fails with ErrResetRequired.
func (sync *Synchronizer) Sync(ctx context.Context, schema, table string, sourceColumns []catalog.ColumnInfo, pkColumns []string) (diff Diff, err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := sync.target.TableExists(ctx, schema, table)
	if err != nil {
		return Diff{}, Error.Wrap(err)
	}
	if !exists {
		return Diff{}, nil
	}

	targetColumns, err := sync.target.TableColumns(ctx, schema, table)
	if err != nil {
		return Diff{}, Error.Wrap(err)
	}

	diff = Compute(sourceColumns, targetColumns)
	if diff.Empty() {
		return diff, nil
	}
	return diff, sync.Apply(ctx, schema, table, diff, pkColumns)
}

// Apply runs the diff against the target table. Incompatible type
// changes are logged and skipped rather than risking a lossy ALTER.
func (sync *Synchronizer) Apply(ctx context.Context, schema, table string, diff Diff, pkColumns []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if col, ok := touchesPrimaryKey(diff, pkColumns); ok {
		return ErrResetRequired.New("%s.%s: primary key column %q changed", schema, table, col)
	}

	for _, col := range diff.Add {
		if err := sync.target.AddColumn(ctx, schema, table, col); err != nil {
			return Error.Wrap(err)
		}
		sync.log.Info("column added",
			zap.String("table", schema+"."+table),
			zap.String("column", col.Name),
			zap.String("type", col.TargetType))
	}

	for _, name := range diff.Drop {
		if err := sync.target.DropColumn(ctx, schema, table, name); err != nil {
			return Error.Wrap(err)
		}
		sync.log.Info("column dropped",
			zap.String("table", schema+"."+table),
			zap.String("column", name))
	}

	for _, mod := range diff.Modify {
		if !Compatible(mod.From, mod.To) {
			sync.log.Warn("incompatible column change skipped",
				zap.String("table", schema+"."+table),
				zap.String("column", mod.To.Name),
				zap.String("from", mod.From.TargetType),
				zap.String("to", mod.To.TargetType))
			continue
		}
		if err := sync.target.AlterColumnType(ctx, schema, table, mod.To); err != nil {
			return Error.Wrap(err)
		}
		sync.log.Info("column altered",
			zap.String("table", schema+"."+table),
			zap.String("column", mod.To.Name),
			zap.String("from", mod.From.TargetType),
			zap.String("to", mod.To.TargetType))
	}
	return nil
}

// touchesPrimaryKey reports the first added or dropped column that is
// part of the primary key.
func touchesPrimaryKey(diff Diff, pkColumns []string) (string, bool) {
	isPK := make(map[string]bool, len(pkColumns))
	for _, col := range pkColumns {
		isPK[strings.ToLower(col)] = true
	}
	for _, col := range diff.Add {
		if isPK[strings.ToLower(col.Name)] || col.IsPrimaryKey {
			return col.Name, true
		}
	}
	for _, name := range diff.Drop {
		if isPK[strings.ToLower(name)] {
			return name, true
		}
	}
	return "", false
}
