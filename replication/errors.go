// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"errors"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// isPermanent reports whether the error is an authorization or
// privilege failure on the source or target. Retrying those within the
// run cannot succeed, so the worker parks the entry instead.
func isPermanent(err error) bool {
	if err == nil {
		return false
	}
	if ErrPermanent.Has(err) {
		return true
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		// access denied to database, account, table, column or routine
		case 1044, 1045, 1142, 1143, 1227, 1698:
			return true
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		// invalid_authorization_specification, invalid_password,
		// insufficient_privilege
		case "28000", "28P01", "42501":
			return true
		}
	}

	var mssqlErr mssql.Error
	if errors.As(err, &mssqlErr) {
		switch mssqlErr.Number {
		// permission denied variants and login failures
		case 229, 230, 300, 18452, 18456:
			return true
		}
	}

	return false
}
