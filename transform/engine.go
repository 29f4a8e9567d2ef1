// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// TableRef names a warehouse table.
type TableRef struct {
	Schema string
	Table  string
}

// IsZero reports whether the reference is unset.
func (ref TableRef) IsZero() bool { return ref.Schema == "" && ref.Table == "" }

func (ref TableRef) String() string { return ref.Schema + "." + ref.Table }

// Step is one operator invocation inside a pipeline.
type Step struct {
	Type   string `json:"type"`
	Config Config `json:"config"`
}

// Pipeline is an ordered list of steps over a row batch. Source names
// the table the input rows were read from, when there is one; it is
// required for distributed execution. Sink names the table the output
// will be written to and only feeds lineage.
type Pipeline struct {
	Name   string   `json:"name"`
	Source TableRef `json:"source"`
	Sink   TableRef `json:"sink"`
	Steps  []Step   `json:"steps"`
}

// Backend runs a whole pipeline remotely as a single SQL statement.
//
// architecture: Service
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// ExecutePipeline submits the rendered statement and returns the
	// produced rows.
	ExecutePipeline(ctx context.Context, query string) ([]Row, error)
}

// Engine validates and executes pipelines.
//
// architecture: Service
type Engine struct {
	log      *zap.Logger
	registry *Registry

	// Lineage, when set, receives one record per executed step.
	Lineage LineageDB
	// RunID tags the lineage records written by this engine.
	RunID string

	// Backend, when set, may run translatable pipelines remotely.
	Backend Backend
	// DelegateRows is the input size at or above which a pipeline is
	// offered to the backend first. Zero disables size-based
	// delegation.
	DelegateRows int
	// ForceDistributed offers every pipeline to the backend regardless
	// of input size.
	ForceDistributed bool
}

// NewEngine creates an engine over the given operator registry.
func NewEngine(log *zap.Logger, registry *Registry) *Engine {
	return &Engine{
		log:      log,
		registry: registry,
	}
}

// Validate checks every step of the pipeline against the registry.
// A pipeline is rejected as a whole; no step runs when any is invalid.
func (engine *Engine) Validate(pipeline Pipeline) error {
	for i, step := range pipeline.Steps {
		op, ok := engine.registry.Lookup(step.Type)
		if !ok {
			return ErrValidation.New("pipeline %q step %d: unknown operator %q", pipeline.Name, i, step.Type)
		}
		if err := op.Validate(step.Config); err != nil {
			return ErrValidation.New("pipeline %q step %d (%s): %v", pipeline.Name, i, step.Type, err)
		}
	}
	return nil
}

// Execute validates the pipeline and runs it over the rows. When a
// backend is configured and the pipeline qualifies, the whole pipeline
// is translated to SQL and submitted there; any backend or translation
// failure falls back to local execution.
func (engine *Engine) Execute(ctx context.Context, pipeline Pipeline, rows []Row) (_ []Row, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := engine.Validate(pipeline); err != nil {
		return nil, err
	}

	ctx = withLookupCache(ctx)

	if engine.shouldDelegate(pipeline, len(rows)) {
		out, err := engine.executeDistributed(ctx, pipeline)
		if err == nil {
			return out, nil
		}
		engine.log.Warn("distributed execution failed, falling back to local",
			zap.String("pipeline", pipeline.Name),
			zap.String("backend", engine.Backend.Name()),
			zap.Error(err))
		mon.Event("transform_distributed_fallback")
	}

	return engine.executeLocal(ctx, pipeline, rows)
}

func (engine *Engine) shouldDelegate(pipeline Pipeline, inputRows int) bool {
	if engine.Backend == nil || pipeline.Source.IsZero() {
		return false
	}
	if engine.ForceDistributed {
		return true
	}
	return engine.DelegateRows > 0 && inputRows >= engine.DelegateRows
}

func (engine *Engine) executeDistributed(ctx context.Context, pipeline Pipeline) (_ []Row, err error) {
	defer mon.Task()(&ctx)(&err)

	query, err := TranslateSQL(pipeline)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	rows, err := engine.Backend.ExecutePipeline(ctx, query)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	engine.log.Info("pipeline executed remotely",
		zap.String("pipeline", pipeline.Name),
		zap.String("backend", engine.Backend.Name()),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(started)))
	mon.IntVal("transform_distributed_rows").Observe(int64(len(rows)))
	return rows, nil
}

func (engine *Engine) executeLocal(ctx context.Context, pipeline Pipeline, rows []Row) (_ []Row, err error) {
	defer mon.Task()(&ctx)(&err)

	current := rows
	for i, step := range pipeline.Steps {
		if err := ctx.Err(); err != nil {
			return nil, Error.Wrap(err)
		}

		op, ok := engine.registry.Lookup(step.Type)
		if !ok {
			return nil, Error.New("pipeline %q step %d: unknown operator %q", pipeline.Name, i, step.Type)
		}

		started := time.Now()
		out, stepErr := op.Apply(ctx, current, step.Config)
		engine.recordStep(ctx, pipeline, step, current, out, time.Since(started), stepErr)
		if stepErr != nil {
			return nil, Error.New("pipeline %q step %d (%s): %v", pipeline.Name, i, step.Type, stepErr)
		}

		if len(out) == 0 && len(current) > 0 {
			engine.log.Warn("step produced no rows",
				zap.String("pipeline", pipeline.Name),
				zap.String("step", step.Type),
				zap.Int("input_rows", len(current)))
			mon.Event("transform_step_emptied")
		}
		current = out
	}

	mon.IntVal("transform_rows_out").Observe(int64(len(current)))
	return current, nil
}

func (engine *Engine) recordStep(ctx context.Context, pipeline Pipeline, step Step, in, out []Row, elapsed time.Duration, stepErr error) {
	if engine.Lineage == nil {
		return
	}

	record := LineageRecord{
		Pipeline:      pipeline.Name,
		Step:          step.Type,
		RunID:         engine.RunID,
		InputColumns:  Columns(in),
		OutputColumns: Columns(out),
		RowsProcessed: int64(len(out)),
		Duration:      elapsed,
		Success:       stepErr == nil,
	}
	if stepErr != nil {
		record.Error = stepErr.Error()
		record.RowsProcessed = 0
	}
	if !pipeline.Source.IsZero() {
		record.InputSchemas = []string{pipeline.Source.Schema}
		record.InputTables = []string{pipeline.Source.Table}
	}
	if !pipeline.Sink.IsZero() {
		record.OutputSchemas = []string{pipeline.Sink.Schema}
		record.OutputTables = []string{pipeline.Sink.Table}
	}

	if err := engine.Lineage.RecordLineage(ctx, record); err != nil {
		engine.log.Warn("failed to record lineage",
			zap.String("pipeline", pipeline.Name),
			zap.String("step", step.Type),
			zap.Error(err))
	}
}
