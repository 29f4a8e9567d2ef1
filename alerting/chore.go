// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package alerting

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/datasync/catalog"
)

// ChoreConfig configures the periodic governance scan.
type ChoreConfig struct {
	Interval time.Duration `help:"how often governance checks run" default:"10m" testDefault:"$TESTINTERVAL"`

	Checks     ChecksConfig
	Dispatcher DispatcherConfig
}

// EntrySource lists the catalog entries the checks scan over.
type EntrySource interface {
	ListActive(ctx context.Context) ([]catalog.Entry, error)
}

// Chore periodically runs governance checks over the catalog, persists
// new findings and fans them out to webhook subscribers. One open alert
// exists per (type, scope); re-detections of an open alert are dropped.
//
// architecture: Chore
type Chore struct {
	log        *zap.Logger
	db         DB
	catalog    EntrySource
	dispatcher *Dispatcher
	checks     []Check

	Loop *sync2.Cycle
}

// NewChore creates an alerting chore with the default checks.
func NewChore(log *zap.Logger, db DB, catalogDB EntrySource, config ChoreConfig) *Chore {
	return &Chore{
		log:        log,
		db:         db,
		catalog:    catalogDB,
		dispatcher: NewDispatcher(log.Named("dispatcher"), db, config.Dispatcher),
		checks:     DefaultChecks(config.Checks),
		Loop:       sync2.NewCycle(config.Interval),
	}
}

// Run runs the alerting chore until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("governance checks failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the alerting chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// RunOnce executes every check once and dispatches new alerts.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := chore.catalog.ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	open, err := chore.db.ListOpenAlerts(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	rules, err := chore.db.ListRules(ctx, true)
	if err != nil {
		return Error.Wrap(err)
	}

	alreadyOpen := make(map[string]bool, len(open))
	for _, alert := range open {
		alreadyOpen[alert.ScopeKey()] = true
	}

	snap := &Snapshot{
		Entries: entries,
		Rules:   rules,
		Now:     time.Now().UTC(),
	}

	var raised int64
	for _, check := range chore.checks {
		for _, alert := range check.Run(snap) {
			if alreadyOpen[alert.ScopeKey()] {
				continue
			}
			created, err := chore.db.CreateAlert(ctx, alert)
			if err != nil {
				return Error.Wrap(err)
			}
			alreadyOpen[created.ScopeKey()] = true
			raised++

			if err := chore.dispatcher.Dispatch(ctx, NewEnvelope(created)); err != nil {
				chore.log.Warn("alert dispatch failed",
					zap.String("check", check.Name), zap.Error(err))
			}
		}
	}

	mon.IntVal("alerts_raised").Observe(raised)
	if raised > 0 {
		chore.log.Info("governance checks raised alerts", zap.Int64("count", raised))
	}
	return nil
}

// Raise persists and dispatches an externally produced alert, applying
// the same (type, scope) deduplication as the periodic checks. Workers
// use it to surface replication failures immediately.
func (chore *Chore) Raise(ctx context.Context, alert Alert) (err error) {
	defer mon.Task()(&ctx)(&err)

	open, err := chore.db.ListOpenAlerts(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, existing := range open {
		if existing.ScopeKey() == alert.ScopeKey() {
			return nil
		}
	}

	if alert.Status == "" {
		alert.Status = StatusOpen
	}
	created, err := chore.db.CreateAlert(ctx, alert)
	if err != nil {
		return Error.Wrap(err)
	}
	return chore.dispatcher.Dispatch(ctx, NewEnvelope(created))
}
