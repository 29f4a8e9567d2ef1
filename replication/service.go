// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package replication

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/source"
	"storj.io/datasync/target"
)

// sourceOpener opens a source adapter; the tests swap it out.
type sourceOpener func(ctx context.Context, log *zap.Logger, engine catalog.Engine, connection string, config source.Config) (source.Adapter, error)

// Service is the root supervisor. Each cycle it registers newly
// discovered source tables and fans the active catalog entries out to
// a bounded worker pool, one job per table.
//
// architecture: Worker
type Service struct {
	log         *zap.Logger
	db          catalog.DB
	target      target.Engine
	runs        runlog.DB
	alerter     Alerter
	maintenance *catalog.Maintenance

	sourceConfig source.Config
	config       Config
	openSource   sourceOpener

	Loop    *sync2.Cycle
	Limiter *sync2.Limiter
}

// NewService creates the replication supervisor.
func NewService(log *zap.Logger, db catalog.DB, engine target.Engine, runs runlog.DB, alerter Alerter, sourceConfig source.Config, config Config) *Service {
	return &Service{
		log:         log,
		db:          db,
		target:      engine,
		runs:        runs,
		alerter:     alerter,
		maintenance: catalog.NewMaintenance(log.Named("maintenance"), db, engine),

		sourceConfig: sourceConfig,
		config:       config,
		openSource:   source.Open,

		Loop:    sync2.NewCycle(config.Interval),
		Limiter: sync2.NewLimiter(config.MaxWorkers),
	}
}

// Run runs the supervisor until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	defer service.Limiter.Wait()

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.RunOnce(ctx); err != nil {
			service.log.Error("sync cycle failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the supervisor loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// RunOnce performs one sync pass: discovery, then one job per active
// entry. It blocks until every job of the pass has finished.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	runID := newRunID()

	if service.config.Discover {
		if err := service.discover(ctx); err != nil {
			service.log.Error("discovery failed", zap.Error(err))
		}
	}

	entries, err := service.db.ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	started := time.Now()
	var scheduled int
	for _, entry := range entries {
		entry := entry
		if !workable(entry.Status) {
			continue
		}
		ok := service.Limiter.Go(ctx, func() {
			if err := service.syncOne(ctx, runID, entry); err != nil {
				service.log.Error("table sync failed",
					zap.String("table", syncScope(entry)),
					zap.String("engine", string(entry.Engine)),
					zap.Error(err))
			}
		})
		if !ok {
			service.Limiter.Wait()
			return Error.Wrap(ctx.Err())
		}
		scheduled++
	}
	service.Limiter.Wait()

	// Lifecycle upkeep rides on the tail of the pass: entries whose
	// target gained rows again come back, listening sizes stay fresh.
	if reactivated, err := service.maintenance.ReactivateWithData(ctx); err != nil {
		service.log.Error("reactivation scan failed", zap.Error(err))
	} else if reactivated > 0 {
		service.log.Info("entries reactivated", zap.Int64("count", reactivated))
	}
	if err := service.maintenance.RefreshSizes(ctx); err != nil {
		service.log.Error("size refresh failed", zap.Error(err))
	}
	if sizes, err := service.db.TableSizes(ctx); err != nil {
		service.log.Error("size summary failed", zap.Error(err))
	} else {
		var total int64
		for _, size := range sizes {
			total += size
		}
		mon.IntVal("sync_rows_tracked").Observe(total)
	}

	mon.IntVal("sync_tables_scheduled").Observe(int64(scheduled))
	service.log.Info("sync pass complete",
		zap.Int("tables", scheduled),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

// syncOne opens the entry's source and replicates it. The adapter is
// owned by this job alone and closed when it returns.
func (service *Service) syncOne(ctx context.Context, runID string, entry catalog.Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	adapter, err := service.openSource(ctx, service.log.Named("source"), entry.Engine, entry.Connection, service.sourceConfig)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, adapter.Close()) }()

	worker := NewWorker(service.log.Named("worker"), service.db, adapter, service.target, service.runs, service.alerter, runID, service.config)
	return worker.SyncEntry(ctx, entry)
}

// discover registers the tables visible on every configured source
// connection. Tables already in the catalog only get their size
// refreshed by the upsert.
func (service *Service) discover(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for _, connection := range splitSources(service.config.Sources) {
		if ctx.Err() != nil {
			group.Add(ctx.Err())
			break
		}
		group.Add(service.discoverSource(ctx, connection))
	}
	return group.Err()
}

func (service *Service) discoverSource(ctx context.Context, connection string) (err error) {
	defer mon.Task()(&ctx)(&err)

	engine, err := EngineForURL(connection)
	if err != nil {
		return err
	}
	adapter, err := service.openSource(ctx, service.log.Named("discover"), engine, connection, service.sourceConfig)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, adapter.Close()) }()

	tables, err := adapter.DiscoverTables(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	var registered int
	for _, ident := range tables {
		pk, err := adapter.DetectPrimaryKey(ctx, ident.Schema, ident.Table)
		if err != nil {
			service.log.Warn("primary key detection failed",
				zap.String("table", ident.Schema+"."+ident.Table), zap.Error(err))
			continue
		}
		size, err := adapter.RowCount(ctx, ident.Schema, ident.Table)
		if err != nil {
			service.log.Warn("row count failed",
				zap.String("table", ident.Schema+"."+ident.Table), zap.Error(err))
			continue
		}

		err = service.db.Upsert(ctx, catalog.Entry{
			Schema:     ident.Schema,
			Table:      ident.Table,
			Engine:     adapter.Engine(),
			Connection: ident.Connection,
			Active:     true,
			PKColumns:  pk,
			PKStrategy: catalog.DeterminePKStrategy(pk),
			Size:       size,
		})
		if err != nil {
			return Error.Wrap(err)
		}
		registered++
	}

	mon.IntVal("tables_discovered").Observe(int64(registered))
	service.log.Debug("source discovered",
		zap.String("engine", string(engine)),
		zap.Int("tables", registered))
	return nil
}

// EngineForURL maps a source connection URL to its engine by scheme.
func EngineForURL(connection string) (catalog.Engine, error) {
	scheme, _, ok := strings.Cut(connection, "://")
	if !ok {
		return "", source.ErrUnsupportedEngine.New("source url has no scheme")
	}
	switch strings.ToLower(scheme) {
	case "mysql", "mariadb":
		return catalog.MySQL, nil
	case "mssql", "sqlserver":
		return catalog.MSSQL, nil
	default:
		return "", source.ErrUnsupportedEngine.New("%q", scheme)
	}
}

// workable reports whether a status participates in the sync pass.
func workable(status catalog.Status) bool {
	switch status {
	case catalog.StatusPending, catalog.StatusFullLoad, catalog.StatusListeningChanges:
		return true
	}
	return false
}

func splitSources(sources string) []string {
	var urls []string
	for _, raw := range strings.Split(sources, ",") {
		if url := strings.TrimSpace(raw); url != "" {
			urls = append(urls, url)
		}
	}
	return urls
}

// newRunID tags the process-log rows written by one sync pass.
func newRunID() string {
	return "sync-" + time.Now().UTC().Format("20060102T150405.000000000")
}
