// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package catalog implements the persistent registry of replicated tables.
//
// Every source table tracked by the system has exactly one catalog entry,
// identified by (schema, table, engine). The entry carries the replication
// status, the primary key metadata and the change-log watermark that the
// workers advance as they apply deltas.
package catalog

import (
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the catalog package.
	Error = errs.Class("catalog")

	// ErrEntryNotFound is returned when a catalog entry does not exist.
	ErrEntryNotFound = errs.Class("entry not found")

	// ErrInvalidRequest is returned when the request has an empty
	// identifying field. Such writes are aborted without side effects.
	ErrInvalidRequest = errs.Class("invalid request")
)

var mon = monkit.Package()

// HashColumn is the surrogate key column recorded for tables without a
// primary key. Its value is the digest of the ordered row image.
const HashColumn = "_hash"

// Engine identifies a source database dialect.
type Engine string

// Supported source engines.
const (
	MySQL   Engine = "mysql"
	MariaDB Engine = "mariadb"
	MSSQL   Engine = "mssql"
)

// Normalize maps aliases to their canonical engine name.
func (e Engine) Normalize() Engine {
	switch Engine(strings.ToLower(string(e))) {
	case MariaDB:
		// MariaDB speaks the MySQL protocol and shares the adapter.
		return MySQL
	case MySQL, MSSQL:
		return Engine(strings.ToLower(string(e)))
	default:
		return Engine(strings.ToLower(string(e)))
	}
}

// Status is the replication state of a catalog entry.
type Status string

// Catalog entry statuses.
const (
	StatusPending          Status = "PENDING"
	StatusFullLoad         Status = "FULL_LOAD"
	StatusListeningChanges Status = "LISTENING_CHANGES"
	StatusNoData           Status = "NO_DATA"
	StatusSkip             Status = "SKIP"
	StatusError            Status = "ERROR"
)

// PKStrategy describes how deltas for a table are captured.
type PKStrategy string

// Primary key strategies.
const (
	PKStrategyCDC PKStrategy = "CDC"
	// PKStrategyOffset is a deprecated alias of CDC kept so that catalogs
	// written by older versions keep loading. CleanupStrategies migrates
	// stored values.
	PKStrategyOffset PKStrategy = "OFFSET"
)

// Normalize maps deprecated strategies to their live equivalent.
func (s PKStrategy) Normalize() PKStrategy {
	if s == PKStrategyOffset {
		return PKStrategyCDC
	}
	return s
}

// DeterminePKStrategy returns the capture strategy for new entries.
// CDC is the only live strategy.
func DeterminePKStrategy(pkColumns []string) PKStrategy {
	return PKStrategyCDC
}
