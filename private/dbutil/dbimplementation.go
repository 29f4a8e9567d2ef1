// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package dbutil

// Implementation type of valid DBs.
type Implementation int

const (
	// Unknown is an unknown db type.
	Unknown Implementation = iota
	// Postgres is a Postgres db type.
	Postgres
	// SQLite3 is a sqlite3 db type.
	SQLite3
)

// ImplementationForScheme returns the Implementation that is used for
// the url with the provided scheme.
func ImplementationForScheme(scheme string) Implementation {
	switch scheme {
	case "postgres", "postgresql", "pgx":
		return Postgres
	case "sqlite", "sqlite3":
		return SQLite3
	default:
		return Unknown
	}
}

// String returns the default name for a given implementation.
func (impl Implementation) String() string {
	switch impl {
	case Postgres:
		return "postgres"
	case SQLite3:
		return "sqlite3"
	default:
		return "unknown"
	}
}
