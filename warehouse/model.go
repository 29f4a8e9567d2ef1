// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package warehouse builds layered analytical models over replicated
// tables. A model stages tables through a bronze layer (raw copies
// with the replicated types), a silver layer (cleansed through
// transformation pipelines) and a gold layer of dimensions and facts.
// Dimensions track change per their SCD type; facts are fully reloaded
// with surrogate keys resolved against the current dimension rows.
package warehouse

import (
	"strings"

	"github.com/zeebo/errs"

	"storj.io/datasync/transform"
)

// Error is the default error class for the warehouse package.
var Error = errs.Class("warehouse")

// Shape is the gold layer topology. It is declarative only; the
// builder materializes dimensions and facts the same way for both.
type Shape string

// Gold layer shapes.
const (
	Star      Shape = "star"
	Snowflake Shape = "snowflake"
)

// SCDType selects how a dimension tracks change.
type SCDType int

// Slowly changing dimension types.
const (
	// SCD1 overwrites attributes on business-key match.
	SCD1 SCDType = 1
	// SCD2 keeps every version with valid_from, valid_to and
	// is_current bookkeeping.
	SCD2 SCDType = 2
	// SCD3 keeps the current value and the immediately prior value of
	// each attribute.
	SCD3 SCDType = 3
)

// Model declares one warehouse: the three layer schemas, the tables
// staged through bronze and silver, and the gold dimensions and facts.
type Model struct {
	Name  string `json:"name"`
	Shape Shape  `json:"shape"`

	// Layer schema names. Empty fields default to bronze, silver and
	// gold.
	BronzeSchema string `json:"bronze_schema"`
	SilverSchema string `json:"silver_schema"`
	GoldSchema   string `json:"gold_schema"`

	Tables     []StagedTable    `json:"tables"`
	Dimensions []DimensionTable `json:"dimensions"`
	Facts      []FactTable      `json:"facts"`
}

// Bronze returns the bronze layer schema name.
func (model Model) Bronze() string {
	if model.BronzeSchema != "" {
		return strings.ToLower(model.BronzeSchema)
	}
	return "bronze"
}

// Silver returns the silver layer schema name.
func (model Model) Silver() string {
	if model.SilverSchema != "" {
		return strings.ToLower(model.SilverSchema)
	}
	return "silver"
}

// Gold returns the gold layer schema name.
func (model Model) Gold() string {
	if model.GoldSchema != "" {
		return strings.ToLower(model.GoldSchema)
	}
	return "gold"
}

// StagedTable stages one replicated table through the bronze and
// silver layers. Steps is the silver cleansing pipeline; with no steps
// silver is a straight copy of bronze.
type StagedTable struct {
	// Name is the table's name in both layers; it defaults to the
	// source table name.
	Name   string             `json:"name"`
	Source transform.TableRef `json:"source"`
	Steps  []transform.Step   `json:"steps"`
}

// StagedName returns the table's name in the bronze and silver layers.
func (table StagedTable) StagedName() string {
	if table.Name != "" {
		return table.Name
	}
	return table.Source.Table
}

// DimensionTable declares one gold dimension.
type DimensionTable struct {
	Name string `json:"name"`
	// Source names the staged table the dimension loads from.
	Source string  `json:"source"`
	SCD    SCDType `json:"scd"`
	// BusinessKeys identify one dimension member; the surrogate key is
	// a digest over them.
	BusinessKeys []string `json:"business_keys"`
	// Attributes are the descriptive columns carried into the
	// dimension. Change detection for SCD 2 and 3 compares exactly
	// these.
	Attributes []string `json:"attributes"`
}

// FactTable declares one gold fact, fully reloaded on every build.
type FactTable struct {
	Name string `json:"name"`
	// Source names the staged table the fact loads from.
	Source string `json:"source"`
	// Dimensions resolve fact rows to dimension surrogate keys.
	Dimensions []DimensionRef `json:"dimensions"`
	// Measures restricts the copied columns; empty keeps every source
	// column.
	Measures []string `json:"measures"`
}

// DimensionRef maps fact source columns, in business-key order, to one
// dimension of the model.
type DimensionRef struct {
	Dimension string   `json:"dimension"`
	Columns   []string `json:"columns"`
}

// KeyColumn returns the fact column carrying the dimension surrogate.
func (ref DimensionRef) KeyColumn() string { return ref.Dimension + "_key" }

// Validate checks the model before any table builds. Models are
// rejected as a whole; no layer is touched when any declaration is
// invalid.
func (model Model) Validate() error {
	if model.Name == "" {
		return Error.New("model name is required")
	}
	switch model.Shape {
	case "", Star, Snowflake:
	default:
		return Error.New("model %q: unknown shape %q", model.Name, model.Shape)
	}

	staged := make(map[string]bool, len(model.Tables))
	for i, table := range model.Tables {
		name := table.StagedName()
		if name == "" {
			return Error.New("model %q: table %d has neither name nor source", model.Name, i)
		}
		if table.Source.IsZero() {
			return Error.New("model %q: staged table %q has no source", model.Name, name)
		}
		if staged[name] {
			return Error.New("model %q: staged table %q declared twice", model.Name, name)
		}
		staged[name] = true
	}

	gold := make(map[string]bool, len(model.Dimensions)+len(model.Facts))
	dims := make(map[string]DimensionTable, len(model.Dimensions))
	for _, dim := range model.Dimensions {
		if dim.Name == "" {
			return Error.New("model %q: dimension with no name", model.Name)
		}
		if gold[dim.Name] {
			return Error.New("model %q: gold table %q declared twice", model.Name, dim.Name)
		}
		gold[dim.Name] = true
		if !staged[dim.Source] {
			return Error.New("model %q: dimension %q loads from unknown table %q", model.Name, dim.Name, dim.Source)
		}
		switch dim.SCD {
		case SCD1, SCD2, SCD3:
		default:
			return Error.New("model %q: dimension %q: unknown SCD type %d", model.Name, dim.Name, dim.SCD)
		}
		if len(dim.BusinessKeys) == 0 {
			return Error.New("model %q: dimension %q has no business keys", model.Name, dim.Name)
		}
		if dim.SCD != SCD1 && len(dim.Attributes) == 0 {
			return Error.New("model %q: dimension %q: SCD type %d tracks changes and needs attributes", model.Name, dim.Name, dim.SCD)
		}
		if err := validateDimensionColumns(model.Name, dim); err != nil {
			return err
		}
		dims[dim.Name] = dim
	}

	for _, fact := range model.Facts {
		if fact.Name == "" {
			return Error.New("model %q: fact with no name", model.Name)
		}
		if gold[fact.Name] {
			return Error.New("model %q: gold table %q declared twice", model.Name, fact.Name)
		}
		gold[fact.Name] = true
		if !staged[fact.Source] {
			return Error.New("model %q: fact %q loads from unknown table %q", model.Name, fact.Name, fact.Source)
		}
		for _, ref := range fact.Dimensions {
			dim, ok := dims[ref.Dimension]
			if !ok {
				return Error.New("model %q: fact %q references unknown dimension %q", model.Name, fact.Name, ref.Dimension)
			}
			if len(ref.Columns) != len(dim.BusinessKeys) {
				return Error.New("model %q: fact %q: dimension %q takes %d key columns, got %d",
					model.Name, fact.Name, ref.Dimension, len(dim.BusinessKeys), len(ref.Columns))
			}
		}
	}
	return nil
}

// validateDimensionColumns rejects declared columns that collide with
// each other or with the dimension bookkeeping columns.
func validateDimensionColumns(model string, dim DimensionTable) error {
	reserved := map[string]bool{
		dimKeyColumn: true,
		dimValidFrom: dim.SCD == SCD2,
		dimValidTo:   dim.SCD == SCD2,
		dimIsCurrent: dim.SCD == SCD2,
	}
	seen := make(map[string]bool, len(dim.BusinessKeys)+len(dim.Attributes))
	for _, name := range append(append([]string{}, dim.BusinessKeys...), dim.Attributes...) {
		if reserved[name] {
			return Error.New("model %q: dimension %q: column %q is reserved", model, dim.Name, name)
		}
		if seen[name] {
			return Error.New("model %q: dimension %q: column %q declared twice", model, dim.Name, name)
		}
		if dim.SCD == SCD3 && strings.HasPrefix(name, dimPriorPrefix) {
			return Error.New("model %q: dimension %q: column %q collides with the prior-value columns", model, dim.Name, name)
		}
		seen[name] = true
	}
	return nil
}
