// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package datasync assembles replication, governance and the warehouse
// builders into one process wired to a shared catalog database.
package datasync

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/datasync/alerting"
	"storj.io/datasync/memtrack"
	"storj.io/datasync/private/lifecycle"
	"storj.io/datasync/replication"
	"storj.io/datasync/source"
	"storj.io/datasync/target"
	"storj.io/datasync/transform"
	"storj.io/datasync/transform/joiner"
	"storj.io/datasync/vault"
	"storj.io/datasync/warehouse"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the datasync peer.
	Error = errs.Class("datasync")
)

// Config is the composite configuration of the datasync peer.
type Config struct {
	Source      source.Config
	Target      target.Config
	Replication replication.Config
	Alerting    alerting.ChoreConfig
	Memory      memtrack.Config
	Transform   TransformConfig
}

// TransformConfig tunes the shared pipeline engine.
type TransformConfig struct {
	DelegateRows     int  `help:"pipeline input size at or above which translatable pipelines run on the warehouse, 0 keeps every pipeline local" default:"0"`
	ForceDistributed bool `help:"offer every translatable pipeline to the warehouse regardless of input size" default:"false"`
}

// Peer is the datasync process: the replication service, the governance
// chore and the warehouse builders around one catalog and one target
// warehouse.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB

	Services *lifecycle.Group

	Memory *memtrack.Manager

	Target struct {
		Engine target.Engine
	}

	Transform struct {
		Registry *transform.Registry
		Engine   *transform.Engine
	}

	Alerts struct {
		Chore *alerting.Chore
	}

	Replication struct {
		Service *replication.Service
	}

	Warehouse struct {
		Builder *warehouse.Builder
	}

	Vault struct {
		Builder *vault.Builder
	}
}

// New creates a datasync peer on top of an opened catalog database.
func New(ctx context.Context, log *zap.Logger, db DB, config Config) (*Peer, error) {
	peer := &Peer{
		Log:      log,
		DB:       db,
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup memory accounting
		manager, err := memtrack.NewManager(log.Named("memtrack"), config.Memory)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Memory = manager

		peer.Services.Add(lifecycle.Item{
			Name:  "memtrack",
			Close: peer.Memory.Close,
		})
	}

	{ // setup target warehouse
		engine, err := target.New(ctx, log.Named("target"), config.Target)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Target.Engine = engine

		peer.Services.Add(lifecycle.Item{
			Name:  "target",
			Close: peer.Target.Engine.Close,
		})
	}

	{ // setup transform engine
		registry := transform.Default()
		registry.Register(joiner.NewOperator(peer.Memory))
		registry.Register(transform.NewLookup(&referenceLoader{
			log:    log.Named("lookup"),
			target: peer.Target.Engine,
			source: config.Source,
		}))
		peer.Transform.Registry = registry

		engine := transform.NewEngine(log.Named("transform"), registry)
		engine.Lineage = db
		engine.RunID = "transform-" + time.Now().UTC().Format("20060102T150405.000000000")
		engine.Backend = &warehouseBackend{engine: peer.Target.Engine}
		engine.DelegateRows = config.Transform.DelegateRows
		engine.ForceDistributed = config.Transform.ForceDistributed
		peer.Transform.Engine = engine
	}

	{ // setup alerting
		peer.Alerts.Chore = alerting.NewChore(log.Named("alerting"), db, db, config.Alerting)

		peer.Services.Add(lifecycle.Item{
			Name:  "alerting:chore",
			Run:   peer.Alerts.Chore.Run,
			Close: peer.Alerts.Chore.Close,
		})
	}

	{ // setup replication
		peer.Replication.Service = replication.NewService(log.Named("replication"),
			db, peer.Target.Engine, db, peer.Alerts.Chore,
			config.Source, config.Replication)

		peer.Services.Add(lifecycle.Item{
			Name:  "replication",
			Run:   peer.Replication.Service.Run,
			Close: peer.Replication.Service.Close,
		})
	}

	{ // setup builders
		peer.Warehouse.Builder = warehouse.NewBuilder(log.Named("warehouse"),
			peer.Target.Engine, peer.Transform.Engine, db)
		peer.Vault.Builder = vault.NewBuilder(log.Named("vault"),
			peer.Target.Engine, db)
	}

	return peer, nil
}

// Run runs the datasync peer until the context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	peer.Services.Run(ctx, group)
	return group.Wait()
}

// Close closes all the resources.
func (peer *Peer) Close() error {
	return peer.Services.Close()
}
