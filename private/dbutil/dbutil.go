// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dbutil contains utilities for working with databases.
package dbutil

import (
	"strings"
	"time"

	"github.com/zeebo/errs"

	"storj.io/datasync/private/tagsql"
)

// SplitConnStr returns the driver and source name suitable for sql.Open
// from a full connection string, along with the detected implementation.
func SplitConnStr(s string) (driver string, source string, impl Implementation, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return "", "", Unknown, errs.New("could not parse scheme from connection string: %q", s)
	}

	impl = ImplementationForScheme(parts[0])
	switch impl {
	case Postgres:
		// lib/pq accepts the URL form directly.
		return "postgres", s, impl, nil
	case SQLite3:
		return "sqlite3", parts[1], impl, nil
	default:
		return "", "", Unknown, errs.New("unsupported database scheme: %q", parts[0])
	}
}

// ConfigurePool applies the standard connection pool limits. Zero values
// leave the driver defaults in place.
func ConfigurePool(db tagsql.DB, maxIdle, maxOpen int, maxLifetime time.Duration) {
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
}
