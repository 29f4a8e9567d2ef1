// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package source implements the engine adapters that read metadata, rows
// and change-log deltas from the replicated source databases.
package source

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/datasync/catalog"
)

var (
	// Error is the default error class for the source package.
	Error = errs.Class("source")

	// ErrUnsupportedEngine is returned for dialects without an adapter.
	ErrUnsupportedEngine = errs.Class("unsupported source engine")
)

var mon = monkit.Package()

// ChangeLogTable is the name of the change-log table installed in the
// source metadata schema.
const ChangeLogTable = "ds_change_log"

// Operation tags a change-log record.
type Operation string

// Change-log operations.
const (
	OpInsert Operation = "I"
	OpUpdate Operation = "U"
	OpDelete Operation = "D"
)

// ChangeLogRecord is one observed row change. ChangeID increases
// monotonically per (schema, table); consumers apply records strictly in
// ChangeID order.
type ChangeLogRecord struct {
	ChangeID  int64
	Schema    string
	Table     string
	Operation Operation
	// PKValues carries the primary key of the changed row, or
	// {"_hash": <digest>} for tables without one.
	PKValues map[string]interface{}
	// RowData is the full post-image for inserts and updates and the
	// pre-image for deletes.
	RowData   map[string]interface{}
	ChangedAt time.Time
}

// TableIdent identifies a discovered source table.
type TableIdent struct {
	Schema     string
	Table      string
	Connection string
}

// RowBatch is one chunk of a full-load scan: values are aligned with the
// requested column order.
type RowBatch struct {
	Columns []string
	Rows    [][]interface{}
}

// ChangeBatch is the result of one change-log read.
type ChangeBatch struct {
	Records []ChangeLogRecord
	// MaxChangeID is the highest change_id read, including records that
	// failed to parse; the watermark advances past skipped records.
	MaxChangeID int64
	// Skipped counts records dropped due to parse errors.
	Skipped int
}

// Adapter reads one source database dialect.
//
// Adapters open their connection on construction and retry transient
// connect failures; all identifiers pass through sanitization before
// they are embedded in catalog-query SQL.
type Adapter interface {
	Engine() catalog.Engine
	Connection() string

	// DiscoverTables lists the user tables visible on the connection.
	DiscoverTables(ctx context.Context) ([]TableIdent, error)
	// DetectPrimaryKey returns the ordered primary key columns.
	DetectPrimaryKey(ctx context.Context, schema, table string) ([]string, error)
	// DetectTimeColumn returns the best time-ordering hint column from a
	// fixed candidate list, or empty when none matches.
	DetectTimeColumn(ctx context.Context, schema, table string) (string, error)
	// Columns returns the ordered columns with mapped canonical types.
	Columns(ctx context.Context, schema, table string) ([]catalog.ColumnInfo, error)
	// CountColumns returns the number of columns on the source table.
	CountColumns(ctx context.Context, schema, table string) (int, error)
	// RowCount returns the number of rows in the source table.
	RowCount(ctx context.Context, schema, table string) (int64, error)

	// ScanTable streams the whole table in batches of batchSize rows,
	// invoking fn per batch. Scanning stops on the first fn error.
	ScanTable(ctx context.Context, schema, table string, columns []string, batchSize int, fn func(batch RowBatch) error) error

	// InstallChangeLog creates the change-log table if needed and
	// installs the per-table triggers. Reinstallation is idempotent.
	InstallChangeLog(ctx context.Context, schema, table string, pkColumns []string, columns []catalog.ColumnInfo) error
	// RemoveChangeLog drops the per-table triggers.
	RemoveChangeLog(ctx context.Context, schema, table string) error
	// MaxChangeID returns the current high watermark of the change log
	// for the table, zero when the log is empty.
	MaxChangeID(ctx context.Context, schema, table string) (int64, error)
	// ReadChanges returns up to maxRows records with change_id strictly
	// greater than sinceChangeID, in change_id order.
	ReadChanges(ctx context.Context, schema, table string, sinceChangeID int64, maxRows int) (ChangeBatch, error)
	// PruneChangeLog deletes consumed records up to and including
	// upToChangeID.
	PruneChangeLog(ctx context.Context, schema, table string, upToChangeID int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config configures source adapters.
type Config struct {
	MetadataSchema  string        `help:"schema on the source holding the change log" default:"datasync"`
	ConnectRetries  int           `help:"connection attempts before giving up" default:"3"`
	ConnectBackoff  time.Duration `help:"initial backoff between connection attempts" default:"100ms"`
	MaxIdle         int           `help:"maximum idle source connections" default:"2"`
	MaxOpen         int           `help:"maximum open source connections" default:"4"`
	StatementLimit  int           `help:"maximum rows a single change-log read returns" default:"5000"`
	DiscoverExclude string        `help:"comma separated schemas excluded from discovery" default:""`
}

// Open opens the adapter for the given engine.
func Open(ctx context.Context, log *zap.Logger, engine catalog.Engine, connection string, config Config) (Adapter, error) {
	switch engine.Normalize() {
	case catalog.MySQL:
		return openMySQL(ctx, log, connection, config)
	case catalog.MSSQL:
		return openMSSQL(ctx, log, connection, config)
	default:
		return nil, ErrUnsupportedEngine.New("%q", engine)
	}
}

// TargetSchema is the slice of the warehouse engine that validation
// needs for comparing column counts.
type TargetSchema interface {
	TableColumns(ctx context.Context, schema, table string) ([]catalog.ColumnInfo, error)
}

// ColumnCounts returns the source and target column counts for the table
// so callers can validate that replication carried every column over.
func ColumnCounts(ctx context.Context, adapter Adapter, target TargetSchema, schema, table string) (sourceCount, targetCount int, err error) {
	defer mon.Task()(&ctx)(&err)

	sourceCount, err = adapter.CountColumns(ctx, schema, table)
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}
	targetColumns, err := target.TableColumns(ctx, schema, table)
	if err != nil {
		return sourceCount, 0, Error.Wrap(err)
	}
	return sourceCount, len(targetColumns), nil
}

// timeColumnCandidates is the fixed ordered list used by
// DetectTimeColumn. Earlier entries win.
var timeColumnCandidates = []string{
	"updated_at",
	"created_at",
	"last_modified",
	"modified_at",
	"last_updated",
	"date_modified",
	"date_created",
	"modified",
	"created",
	"timestamp",
}

// connectWithRetry retries fn with exponential backoff starting at the
// configured duration.
func connectWithRetry(ctx context.Context, config Config, fn func(ctx context.Context) error) error {
	retries := config.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	backoff := config.ConnectBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			if !sync2.Sleep(ctx, backoff) {
				return errs.Combine(ctx.Err(), err)
			}
			backoff *= 2
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		mon.Event("source_connect_retry")
	}
	return Error.Wrap(err)
}
