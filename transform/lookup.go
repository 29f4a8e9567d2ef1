// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
)

// ReferenceLoader reads a whole reference table for the lookup
// operator.
//
// architecture: Database
type ReferenceLoader interface {
	// LoadReference returns every row of the named table.
	LoadReference(ctx context.Context, connection, engine, schema, table string) ([]Row, error)
}

// Lookup enriches rows with columns from a reference table, matching
// the configured source columns against the lookup columns. Unmatched
// rows keep their values and get nulls for the return columns. The
// reference table is loaded once per pipeline run; the engine scopes
// the cache to the run so pipelines never share reference data.
type Lookup struct {
	loader ReferenceLoader
}

// NewLookup creates the lookup operator over a reference loader.
func NewLookup(loader ReferenceLoader) *Lookup {
	return &Lookup{loader: loader}
}

// Name implements Operator.
func (lookup *Lookup) Name() string { return "lookup" }

// Validate implements Operator.
func (lookup *Lookup) Validate(config Config) error {
	if config.String("schema") == "" || config.String("table") == "" {
		return errs.New("lookup needs a schema and table")
	}
	sourceColumns := config.Strings("source_columns")
	lookupColumns := config.Strings("lookup_columns")
	if len(sourceColumns) == 0 {
		return errs.New("lookup needs source_columns")
	}
	if len(sourceColumns) != len(lookupColumns) {
		return errs.New("lookup needs matching source_columns and lookup_columns, got %d and %d",
			len(sourceColumns), len(lookupColumns))
	}
	if len(config.Strings("return_columns")) == 0 {
		return errs.New("lookup needs return_columns")
	}
	return nil
}

// Apply implements Operator.
func (lookup *Lookup) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := lookup.Validate(config); err != nil {
		return nil, err
	}
	if lookup.loader == nil {
		return nil, errs.New("lookup has no reference loader")
	}

	connection := config.String("connection")
	engine := config.String("engine")
	schema := config.String("schema")
	table := config.String("table")
	sourceColumns := config.Strings("source_columns")
	lookupColumns := config.Strings("lookup_columns")
	returnColumns := config.Strings("return_columns")

	reference, err := lookup.loadCached(ctx, connection, engine, schema, table)
	if err != nil {
		return nil, errs.Wrap(err)
	}

	// First match wins when the reference carries duplicate keys.
	index := make(map[string]Row, len(reference))
	for _, candidate := range reference {
		key := Signature(candidate, lookupColumns)
		if _, ok := index[key]; !ok {
			index[key] = candidate
		}
	}

	out := make([]Row, len(rows))
	for i, row := range rows {
		enriched := row.Clone()
		match, ok := index[lookupKey(row, sourceColumns, lookupColumns)]
		for _, name := range returnColumns {
			if ok {
				enriched[name] = match[name]
			} else {
				enriched[name] = nil
			}
		}
		out[i] = enriched
	}
	return out, nil
}

// lookupKey renders the row's source values under the lookup column
// names so it compares equal to reference signatures.
func lookupKey(row Row, sourceColumns, lookupColumns []string) string {
	probe := make(Row, len(sourceColumns))
	for i, name := range sourceColumns {
		probe[lookupColumns[i]] = row[name]
	}
	return Signature(probe, lookupColumns)
}

func (lookup *Lookup) loadCached(ctx context.Context, connection, engine, schema, table string) ([]Row, error) {
	key := connection + "|" + engine + "|" + schema + "|" + table

	cache := lookupCacheFrom(ctx)
	if cache == nil {
		mon.Event("lookup_cache_miss")
		return lookup.loader.LoadReference(ctx, connection, engine, schema, table)
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()

	if rows, ok := cache.tables[key]; ok {
		mon.Event("lookup_cache_hit")
		return rows, nil
	}

	mon.Event("lookup_cache_miss")
	rows, err := lookup.loader.LoadReference(ctx, connection, engine, schema, table)
	if err != nil {
		return nil, err
	}
	cache.tables[key] = rows
	return rows, nil
}

// lookupCache holds reference tables for the duration of one pipeline
// run, keyed by connection|engine|schema|table.
type lookupCache struct {
	mu     sync.Mutex
	tables map[string][]Row
}

type lookupCacheKey struct{}

func withLookupCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, lookupCacheKey{}, &lookupCache{tables: make(map[string][]Row)})
}

func lookupCacheFrom(ctx context.Context) *lookupCache {
	cache, _ := ctx.Value(lookupCacheKey{}).(*lookupCache)
	return cache
}
