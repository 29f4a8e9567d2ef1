// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package datasync

import (
	"context"

	"storj.io/datasync/alerting"
	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/transform"
)

// DB is the master catalog database for the datasync peer.
//
// The catalog, the process log, alerting and pipeline lineage all live
// in the same database so that one migration chain governs them.
//
// architecture: Master Database
type DB interface {
	catalog.DB
	runlog.DB
	alerting.DB
	transform.LineageDB

	// MigrateToLatest initializes the database or migrates an existing
	// one to the schema this binary expects.
	MigrateToLatest(ctx context.Context) error
	// CheckVersion verifies that the database schema matches this binary.
	CheckVersion(ctx context.Context) error
	// Close closes the database.
	Close() error
}
