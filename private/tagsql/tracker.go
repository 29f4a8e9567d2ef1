// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tagsql

import (
	"database/sql"
	"runtime"
	"sync/atomic"

	"github.com/zeebo/errs"
)

// tracker counts the resources opened through a DB or Tx so that leaks
// surface as errors on close rather than as exhausted connection pools.
type tracker struct {
	parent  *tracker
	open    int64
	callers string
}

func rootTracker(skip int) *tracker {
	return &tracker{callers: callerSite(skip + 1)}
}

func (t *tracker) child(skip int) *tracker {
	child := &tracker{parent: t, callers: callerSite(skip + 1)}
	t.add(1)
	return child
}

func (t *tracker) add(n int64) {
	atomic.AddInt64(&t.open, n)
}

func (t *tracker) unref() { t.add(-1) }

func (t *tracker) wrapRows(rows *sql.Rows, err error) (Rows, error) {
	if err != nil {
		return nil, err
	}
	t.add(1)
	return &sqlRows{rows: rows, tracker: t}, nil
}

func (t *tracker) close() error {
	if t.parent != nil {
		t.parent.add(-1)
	}
	if open := atomic.LoadInt64(&t.open); open > 0 {
		return errs.New("unclosed resources: %d from %s", open, t.callers)
	}
	return nil
}

func callerSite(skip int) string {
	pc, file, _, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return file
	}
	return fn.Name()
}
