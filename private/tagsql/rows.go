// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tagsql

import (
	"database/sql"

	"github.com/zeebo/errs"
)

// Rows implements a wrapper for *sql.Rows.
type Rows interface {
	Close() error
	Columns() ([]string, error)
	ColumnTypes() ([]*sql.ColumnType, error)
	Err() error
	Next() bool
	Scan(dest ...interface{}) error
}

// sqlRows implements Rows and ensures the tracker is released on close.
type sqlRows struct {
	rows    *sql.Rows
	tracker *tracker
	errcall error
}

func (s *sqlRows) Close() error {
	s.tracker.unref()
	var errRows error
	if s.rows != nil {
		errRows = s.rows.Close()
	}
	return errs.Combine(s.errcall, errRows)
}

func (s *sqlRows) Columns() ([]string, error) { return s.rows.Columns() }

func (s *sqlRows) ColumnTypes() ([]*sql.ColumnType, error) { return s.rows.ColumnTypes() }

func (s *sqlRows) Err() error {
	if s.errcall != nil {
		return s.errcall
	}
	return s.rows.Err()
}

func (s *sqlRows) Next() bool { return s.rows.Next() }

func (s *sqlRows) Scan(dest ...interface{}) error { return s.rows.Scan(dest...) }
