// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/sync2"
)

var mon = monkit.Package()

// Group implements a collection of items that have a concurrent start and
// are closed in reverse order.
type Group struct {
	log   *zap.Logger
	items []Item

	shutdownStack sync.Once
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new lifecycle group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items concurrently under group g.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	var started sync2.Fence
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}

		shutdownCtx, shutdownFinished := context.WithCancel(context.Background())
		go func() {
			select {
			case <-ctx.Done():
			case <-shutdownCtx.Done():
				return
			}

			t := time.NewTimer(15 * time.Second)
			defer t.Stop()
			select {
			case <-t.C:
				group.logStackTrace()
			case <-shutdownCtx.Done():
			}
		}()

		g.Go(func() error {
			defer shutdownFinished()

			if !started.Wait(ctx) {
				return ctx.Err()
			}

			err := item.Run(ctx)
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error(item.Name+" failed", zap.Error(err))
			}
			return err
		})
	}
	started.Release()
}

func (group *Group) logStackTrace() {
	group.shutdownStack.Do(func() {
		buf := make([]byte, 1024*1024)
		n := runtime.Stack(buf, true)
		group.log.Warn("slow shutdown", zap.ByteString("stack", condenseStack(buf[:n])))
	})
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
