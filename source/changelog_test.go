// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseChangeRecord(t *testing.T) {
	now := time.Now()

	record, err := parseChangeRecord(7, "app", "users", "I",
		[]byte(`{"id": 42}`),
		[]byte(`{"id": 42, "name": "alice"}`), now)
	require.NoError(t, err)
	require.Equal(t, int64(7), record.ChangeID)
	require.Equal(t, OpInsert, record.Operation)
	require.Equal(t, float64(42), record.PKValues["id"])
	require.Equal(t, "alice", record.RowData["name"])
	require.Equal(t, now, record.ChangedAt)

	// Deletes carry the pre-image.
	record, err = parseChangeRecord(8, "app", "users", "D",
		[]byte(`{"id": 42}`),
		[]byte(`{"id": 42, "name": "alice"}`), now)
	require.NoError(t, err)
	require.Equal(t, OpDelete, record.Operation)

	// Row-hash surrogate key for tables without a primary key.
	record, err = parseChangeRecord(9, "app", "nokeys", "U",
		[]byte(`{"_hash": "da39a3ee5e6b4b0d3255bfef95601890afd80709"}`),
		[]byte(`{"v": 1}`), now)
	require.NoError(t, err)
	require.Contains(t, record.PKValues, "_hash")
}

func TestParseChangeRecord_Bad(t *testing.T) {
	now := time.Now()

	_, err := parseChangeRecord(1, "app", "users", "X",
		[]byte(`{"id": 1}`), []byte(`{"id": 1}`), now)
	require.True(t, ErrBadRecord.Has(err))

	_, err = parseChangeRecord(2, "app", "users", "I",
		[]byte(`{"id": `), []byte(`{"id": 1}`), now)
	require.True(t, ErrBadRecord.Has(err))

	_, err = parseChangeRecord(3, "app", "users", "I", nil, nil, now)
	require.True(t, ErrBadRecord.Has(err))
}
