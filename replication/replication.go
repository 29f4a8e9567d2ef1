// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package replication moves rows from the registered sources into the
// warehouse: an initial full snapshot per table, then continuous
// application of the change log that the source-side triggers feed.
package replication

import (
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/datasync/catalog"
)

var (
	// Error is the default error class for the replication package.
	Error = errs.Class("replication")

	// ErrPermanent marks failures that retrying cannot fix, rejected
	// credentials and missing privileges. The worker parks the entry in
	// ERROR instead of retrying.
	ErrPermanent = errs.Class("permanent replication failure")
)

var mon = monkit.Package()

// Sync metadata keys consumed by the governance checks.
const (
	metaLastError        = "last_error"
	metaLastSchemaChange = "last_schema_change"
)

// Config configures the replication supervisor and its workers.
type Config struct {
	Interval   time.Duration `help:"how often the catalog is scanned for tables to sync" default:"1m0s" testDefault:"$TESTINTERVAL"`
	MaxWorkers int           `help:"how many tables replicate concurrently" default:"4"`
	ChunkSize  int           `help:"rows moved per batch during full load and change apply" default:"2000"`

	Discover bool   `help:"register newly appearing source tables on every pass" default:"true"`
	Sources  string `help:"comma separated source connection urls" default:""`

	PruneChangeLog bool `help:"delete change-log records once they are applied" default:"true"`
}

// hashColumn is the surrogate key column appended to tables without a
// primary key. Forty characters hold the hex digest exactly.
func hashColumn() catalog.ColumnInfo {
	return catalog.ColumnInfo{
		Name:         catalog.HashColumn,
		SourceType:   "char(40)",
		TargetType:   "varchar(40)",
		Nullable:     false,
		IsPrimaryKey: true,
	}
}

// columnNames projects the ordered column names.
func columnNames(columns []catalog.ColumnInfo) []string {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	return names
}

// syncScope names the table the way logs and alerts reference it.
func syncScope(entry catalog.Entry) string {
	return entry.Schema + "." + entry.Table
}

// syncEntity names the process-log entity for one table sync.
func syncEntity(entry catalog.Entry) string {
	return "sync " + syncScope(entry)
}
