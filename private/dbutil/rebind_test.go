// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package dbutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	require.Equal(t,
		`SELECT * FROM t WHERE a = $1 AND b = $2`,
		Postgres.Rebind(`SELECT * FROM t WHERE a = ? AND b = ?`))

	require.Equal(t,
		`SELECT * FROM t WHERE a = ? AND b = ?`,
		SQLite3.Rebind(`SELECT * FROM t WHERE a = ? AND b = ?`))

	// placeholders inside literals and identifiers stay untouched
	require.Equal(t,
		`SELECT '?' AS "q?" FROM t WHERE a = $1`,
		Postgres.Rebind(`SELECT '?' AS "q?" FROM t WHERE a = ?`))

	require.Equal(t,
		"SELECT 1 -- any?\nFROM t WHERE a = $1",
		Postgres.Rebind("SELECT 1 -- any?\nFROM t WHERE a = ?"))
}
