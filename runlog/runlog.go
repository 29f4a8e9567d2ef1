// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package runlog defines the append-only process log written by every
// sync run and warehouse or vault build.
package runlog

import (
	"context"
	"time"
)

// Status of one logged run.
type Status string

// Run statuses.
const (
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Record is one process-log row. Entity names the unit of work, for
// example "sync app.users" or "warehouse sales".
type Record struct {
	ID            int64
	RunID         string
	Entity        string
	Status        Status
	RowsProcessed int64
	Error         string
	Metadata      map[string]string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// DB persists process-log records.
//
// architecture: Database
type DB interface {
	// Begin appends a STARTED record and returns it with the ID set.
	Begin(ctx context.Context, runID, entity string) (Record, error)
	// Finish closes a record with its final status.
	Finish(ctx context.Context, id int64, status Status, rowsProcessed int64, errorMessage string) error
	// List returns the most recent records for an entity, newest first.
	// An empty entity matches everything.
	List(ctx context.Context, entity string, limit int) ([]Record, error)
	// DeleteBefore prunes records finished before the cutoff and
	// returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
