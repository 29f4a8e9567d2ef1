// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package datasync

import (
	"context"

	"storj.io/datasync/target"
	"storj.io/datasync/transform"
)

// warehouseBackend runs translated pipelines directly on the target
// warehouse instead of pulling the rows through the local engine.
type warehouseBackend struct {
	engine target.Engine
}

// Name implements transform.Backend.
func (backend *warehouseBackend) Name() string {
	return string(backend.engine.Kind())
}

// ExecutePipeline implements transform.Backend.
func (backend *warehouseBackend) ExecutePipeline(ctx context.Context, query string) (_ []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	records, err := backend.engine.ExecuteQuery(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return asRows(records), nil
}
