// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"time"
)

// LineageRecord captures what one executed pipeline step read and wrote.
// Sliced fields are parallel: schema i goes with table i.
type LineageRecord struct {
	ID       int64
	Pipeline string
	Step     string
	RunID    string

	InputSchemas []string
	InputTables  []string
	InputColumns []string

	OutputSchemas []string
	OutputTables  []string
	OutputColumns []string

	RowsProcessed int64
	Duration      time.Duration
	Success       bool
	Error         string

	CreatedAt time.Time
}

// LineageDB records transformation lineage.
//
// architecture: Database
type LineageDB interface {
	// RecordLineage appends one lineage record.
	RecordLineage(ctx context.Context, record LineageRecord) error
	// ListLineage returns the lineage history of a pipeline, newest
	// first. An empty pipeline matches everything.
	ListLineage(ctx context.Context, pipeline string, limit int) ([]LineageRecord, error)
}
