// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package transform implements the row transformation engine. A
// pipeline is an ordered list of steps, each naming a registered
// operator and carrying its configuration. The engine validates the
// whole pipeline before running any step, executes steps sequentially
// over in-memory row batches and records lineage as it goes. Pipelines
// over a source table can be offered to a distributed backend as a
// single SQL statement, falling back to local execution when the
// backend declines or fails.
package transform

import (
	"context"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the transform package.
	Error = errs.Class("transform")

	// ErrValidation means a pipeline was rejected before execution.
	ErrValidation = errs.Class("pipeline validation")

	mon = monkit.Package()
)

// Operator transforms an ordered batch of rows. Implementations are
// stateless values shared between pipelines; Apply must not modify the
// input slice or the rows in it.
type Operator interface {
	// Name returns the operator type used in pipeline steps.
	Name() string
	// Validate checks the step configuration before any step runs.
	Validate(config Config) error
	// Apply runs the operator over the rows.
	Apply(ctx context.Context, rows []Row, config Config) ([]Row, error)
}

// Registry maps operator type names to implementations. It is
// populated once during startup and read-only afterwards.
type Registry struct {
	operators map[string]Operator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{operators: make(map[string]Operator)}
}

// Register adds an operator under its type name. A later registration
// with the same name replaces the earlier one.
func (registry *Registry) Register(op Operator) {
	registry.operators[op.Name()] = op
}

// Lookup finds the operator registered under the given type name.
func (registry *Registry) Lookup(name string) (Operator, bool) {
	op, ok := registry.operators[name]
	return op, ok
}

// Names returns the registered operator type names, sorted.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.operators))
	for name := range registry.operators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns a registry with every operator that carries no
// dependencies. The join and lookup operators need collaborators and
// are registered separately, via joiner.NewOperator and NewLookup.
func Default() *Registry {
	registry := NewRegistry()
	registry.Register(Filter{})
	registry.Register(Aggregate{})
	registry.Register(Union{})
	registry.Register(Sort{})
	registry.Register(Rank{})
	registry.Register(Window{})
	registry.Register(Expression{})
	registry.Register(Router{})
	registry.Register(Deduplication{})
	registry.Register(Cleansing{})
	registry.Register(Validation{})
	registry.Register(Normalizer{})
	registry.Register(Sequence{})
	registry.Register(JSONParser{})
	registry.Register(Geolocation{})
	return registry
}
