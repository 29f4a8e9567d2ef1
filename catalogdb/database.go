// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package catalogdb implements the metadata catalog store on Postgres
// or SQLite. The same store also persists alerts, webhook subscriptions,
// transformation lineage and the process log.
package catalogdb

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"           // registers postgres as a tagsql driver.
	_ "github.com/mattn/go-sqlite3" // registers sqlite3 as a tagsql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/datasync/alerting"
	"storj.io/datasync/catalog"
	"storj.io/datasync/private/dbutil"
	"storj.io/datasync/private/tagsql"
	"storj.io/datasync/runlog"
	"storj.io/datasync/transform"
)

// Error is the default error class for the catalogdb package.
var Error = errs.Class("catalogdb")

var mon = monkit.Package()

// Config configures the catalog store.
type Config struct {
	URL              string        `help:"connection string of the catalog store" default:"sqlite3://datasync-catalog.db" testDefault:"$TESTCATALOGURL"`
	MaxIdle          int           `help:"maximum idle catalog connections" default:"2"`
	MaxOpen          int           `help:"maximum open catalog connections" default:"5"`
	StatementTimeout time.Duration `help:"statement timeout applied to catalog queries" default:"30s"`
	LockTimeout      time.Duration `help:"lock timeout applied to catalog queries" default:"10s"`
}

// DB is the catalog store.
//
// architecture: Database
type DB struct {
	log  *zap.Logger
	db   tagsql.DB
	impl dbutil.Implementation
}

// The one store serves all four persistence interfaces.
var (
	_ catalog.DB          = (*DB)(nil)
	_ alerting.DB         = (*DB)(nil)
	_ runlog.DB           = (*DB)(nil)
	_ transform.LineageDB = (*DB)(nil)
)

// Open connects to the catalog store. The schema is not touched; call
// MigrateToLatest separately.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	driver, source, impl, err := dbutil.SplitConnStr(config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	source, err = withTimeouts(source, impl, config)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	db, err := tagsql.Open(ctx, driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	dbutil.ConfigurePool(db, config.MaxIdle, config.MaxOpen, time.Hour)

	return &DB{
		log:  log,
		db:   db,
		impl: impl,
	}, nil
}

// withTimeouts applies the statement and lock timeouts through the
// connection string, the only place both drivers accept them.
func withTimeouts(source string, impl dbutil.Implementation, config Config) (string, error) {
	switch impl {
	case dbutil.Postgres:
		u, err := url.Parse(source)
		if err != nil {
			return "", err
		}
		q := u.Query()
		if q.Get("statement_timeout") == "" {
			q.Set("statement_timeout", fmt.Sprint(config.StatementTimeout.Milliseconds()))
		}
		if q.Get("lock_timeout") == "" {
			q.Set("lock_timeout", fmt.Sprint(config.LockTimeout.Milliseconds()))
		}
		u.RawQuery = q.Encode()
		return u.String(), nil
	case dbutil.SQLite3:
		if strings.Contains(source, "_busy_timeout=") {
			return source, nil
		}
		sep := "?"
		if strings.Contains(source, "?") {
			sep = "&"
		}
		return source + sep + fmt.Sprintf("_busy_timeout=%d", config.LockTimeout.Milliseconds()), nil
	default:
		return source, nil
	}
}

// MigrateToLatest brings the schema up to the current version.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().Run(ctx, db.log.Named("migrate"))
}

// CheckVersion verifies the schema matches the binary's expectation.
func (db *DB) CheckVersion(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Migration().ValidateVersions(ctx, db.log)
}

// Close releases the underlying connections.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// UnderlyingTagSQL returns the underlying database. Exposed for tests.
func (db *DB) UnderlyingTagSQL() tagsql.DB { return db.db }

// rebind adapts ? placeholders to the implementation.
func (db *DB) rebind(query string) string {
	return db.impl.Rebind(query)
}

// now returns the store's notion of current time, truncated so both
// backends round-trip it exactly.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
