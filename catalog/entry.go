// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package catalog

import (
	"strconv"
	"time"
)

// metadataLastChangeID is the sync_metadata key holding the change-log
// watermark for the entry.
const metadataLastChangeID = "last_change_id"

// Entry is a single tracked table in the catalog.
type Entry struct {
	Schema     string
	Table      string
	Engine     Engine
	Connection string

	Status     Status
	Active     bool
	Cluster    string
	PKColumns  []string
	PKStrategy PKStrategy
	Size       int64

	// SyncMetadata is an opaque map carrying per-entry replication state,
	// most importantly the last_change_id watermark.
	SyncMetadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Verify checks that the identifying fields of the entry are set.
func (entry *Entry) Verify() error {
	switch {
	case entry.Schema == "":
		return ErrInvalidRequest.New("schema missing")
	case entry.Table == "":
		return ErrInvalidRequest.New("table missing")
	case entry.Engine == "":
		return ErrInvalidRequest.New("engine missing")
	case entry.Connection == "":
		return ErrInvalidRequest.New("connection missing")
	}
	return nil
}

// UsesRowHash reports whether the entry has no primary key and targets
// rows through the row-hash surrogate instead.
func (entry *Entry) UsesRowHash() bool {
	return len(entry.PKColumns) == 0
}

// KeyColumns returns the columns used to target rows: the primary key,
// or the row-hash surrogate for PK-less tables.
func (entry *Entry) KeyColumns() []string {
	if entry.UsesRowHash() {
		return []string{HashColumn}
	}
	return entry.PKColumns
}

// LastChangeID returns the change-log watermark, zero when unset.
func (entry *Entry) LastChangeID() int64 {
	if entry.SyncMetadata == nil {
		return 0
	}
	raw, ok := entry.SyncMetadata[metadataLastChangeID]
	if !ok {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// SetLastChangeID updates the watermark in the in-memory entry. The
// caller still has to persist it through DB.UpdateSyncMetadata.
func (entry *Entry) SetLastChangeID(id int64) {
	if entry.SyncMetadata == nil {
		entry.SyncMetadata = map[string]string{}
	}
	entry.SyncMetadata[metadataLastChangeID] = strconv.FormatInt(id, 10)
}

// ClearLastChangeID removes the watermark from the in-memory entry. The
// caller still has to persist it through DB.UpdateSyncMetadata.
func (entry *Entry) ClearLastChangeID() {
	delete(entry.SyncMetadata, metadataLastChangeID)
}

// SamePKColumns reports whether the stored primary key equals the given
// ordered column list.
func (entry *Entry) SamePKColumns(pkColumns []string) bool {
	if len(entry.PKColumns) != len(pkColumns) {
		return false
	}
	for i, col := range entry.PKColumns {
		if col != pkColumns[i] {
			return false
		}
	}
	return true
}
