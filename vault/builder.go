// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/datasync/catalog"
	"storj.io/datasync/runlog"
	"storj.io/datasync/target"
	"storj.io/datasync/transform"
)

var mon = monkit.Package()

// Builder materializes vault models against a target engine.
//
// architecture: Service
type Builder struct {
	log    *zap.Logger
	target target.Engine
	runs   runlog.DB

	// now is replaced in tests.
	now func() time.Time
}

// NewBuilder creates a builder; runs receives one process log record
// per model build.
func NewBuilder(log *zap.Logger, targetEngine target.Engine, runs runlog.DB) *Builder {
	return &Builder{
		log:    log,
		target: targetEngine,
		runs:   runs,
		now:    time.Now,
	}
}

// Build materializes the model in stage order: hubs, links,
// satellites, point-in-time tables, bridges. Hubs, links and
// satellites are append-only and idempotent; the snapshot tables are
// fully reloaded. The build is recorded in the process log.
func (builder *Builder) Build(ctx context.Context, model Model) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := model.Validate(); err != nil {
		return err
	}

	runID := "vault-" + builder.now().UTC().Format("20060102T150405.000000000")
	run, err := builder.runs.Begin(ctx, runID, buildEntity(model.Name))
	if err != nil {
		return Error.Wrap(err)
	}

	started := time.Now()
	rows, err := builder.build(ctx, model)
	if err != nil {
		builder.log.Error("vault build failed",
			zap.String("model", model.Name),
			zap.Int64("rows", rows),
			zap.Error(err))
		if logErr := builder.runs.Finish(ctx, run.ID, runlog.StatusFailed, rows, err.Error()); logErr != nil {
			builder.log.Warn("process log update failed", zap.Error(logErr))
		}
		return err
	}

	builder.log.Info("vault build finished",
		zap.String("model", model.Name),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(started)))
	mon.IntVal("vault_build_rows").Observe(rows)
	return Error.Wrap(builder.runs.Finish(ctx, run.ID, runlog.StatusSuccess, rows, ""))
}

// buildEntity names the process-log entity for one model build.
func buildEntity(model string) string {
	return "vault " + model
}

// vaultState carries the in-memory table states the snapshot builders
// read: point-in-time tables scan hubs and satellites, bridges scan
// links.
type vaultState struct {
	hubs       map[string][]transform.Row
	links      map[string][]transform.Row
	satellites map[string][]transform.Row
}

func (builder *Builder) build(ctx context.Context, model Model) (rows int64, err error) {
	if err := builder.target.CreateSchema(ctx, model.VaultSchema()); err != nil {
		return 0, Error.Wrap(err)
	}
	loadDate := builder.now().UTC()

	state := &vaultState{
		hubs:       make(map[string][]transform.Row, len(model.Hubs)),
		links:      make(map[string][]transform.Row, len(model.Links)),
		satellites: make(map[string][]transform.Row, len(model.Satellites)),
	}

	for _, hub := range model.Hubs {
		written, all, err := builder.buildHub(ctx, model, hub, loadDate)
		if err != nil {
			return rows, err
		}
		rows += written
		state.hubs[hub.Name] = all
	}

	for _, link := range model.Links {
		written, all, err := builder.buildLink(ctx, model, link, loadDate)
		if err != nil {
			return rows, err
		}
		rows += written
		state.links[link.Name] = all
	}

	for _, sat := range model.Satellites {
		written, all, err := builder.buildSatellite(ctx, model, sat, loadDate)
		if err != nil {
			return rows, err
		}
		rows += written
		state.satellites[sat.Name] = all
	}

	for _, pit := range model.PITs {
		written, err := builder.buildPointInTime(ctx, model, pit, state)
		if err != nil {
			return rows, err
		}
		rows += written
	}

	links := make(map[string]Link, len(model.Links))
	for _, link := range model.Links {
		links[link.Name] = link
	}
	for _, bridge := range model.Bridges {
		written, err := builder.buildBridge(ctx, model, bridge, links, state)
		if err != nil {
			return rows, err
		}
		rows += written
	}
	return rows, nil
}

// buildHub appends one row per business-key tuple not yet in the hub,
// so the hub holds exactly the distinct tuples ever seen. It returns
// the appended count and the hub's full state.
func (builder *Builder) buildHub(ctx context.Context, model Model, hub Hub, loadDate time.Time) (_ int64, state []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	source, err := builder.readTable(ctx, hub.Source.Schema, hub.Source.Table)
	if err != nil {
		return 0, nil, Error.New("hub %s: %v", hub.Name, err)
	}

	table := strings.ToLower(hub.Name)
	key := keyColumn(hub.Name)
	existing, err := builder.existingRows(ctx, model.VaultSchema(), table)
	if err != nil {
		return 0, nil, Error.New("hub %s: %v", hub.Name, err)
	}
	known := make(map[string]bool, len(existing))
	for _, row := range existing {
		if digest, ok := row[key].(string); ok {
			known[digest] = true
		}
	}

	var fresh []transform.Row
	for _, row := range source {
		digest := transform.RowKey(row, hub.BusinessKeys)
		if known[digest] {
			continue
		}
		known[digest] = true
		member := make(transform.Row, len(hub.BusinessKeys)+3)
		member[key] = digest
		for _, name := range hub.BusinessKeys {
			member[name] = row[name]
		}
		member[colLoadDate] = loadDate
		member[colRecordSource] = hub.Source.String()
		fresh = append(fresh, member)
	}

	state = append(append([]transform.Row{}, existing...), fresh...)
	set := newColumnSet()
	set.hash(key)
	set.inferred(state, hub.BusinessKeys...)
	set.add(colLoadDate, catalog.TypeTimestamp)
	set.add(colRecordSource, catalog.TypeText)

	if err := builder.appendRows(ctx, model.VaultSchema(), table, set.columns, []string{key}, fresh); err != nil {
		return 0, nil, Error.New("hub %s: %v", hub.Name, err)
	}
	return int64(len(fresh)), state, nil
}

// buildLink appends one row per hub-key combination not yet in the
// link. The link key digests the referenced hub keys in declaration
// order.
func (builder *Builder) buildLink(ctx context.Context, model Model, link Link, loadDate time.Time) (_ int64, state []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	source, err := builder.readTable(ctx, link.Source.Schema, link.Source.Table)
	if err != nil {
		return 0, nil, Error.New("link %s: %v", link.Name, err)
	}

	table := strings.ToLower(link.Name)
	key := keyColumn(link.Name)
	existing, err := builder.existingRows(ctx, model.VaultSchema(), table)
	if err != nil {
		return 0, nil, Error.New("link %s: %v", link.Name, err)
	}
	known := make(map[string]bool, len(existing))
	for _, row := range existing {
		if digest, ok := row[key].(string); ok {
			known[digest] = true
		}
	}

	var fresh []transform.Row
	for _, row := range source {
		parts := make([]string, len(link.Hubs))
		for i, ref := range link.Hubs {
			parts[i] = transform.RowKey(row, ref.Columns)
		}
		digest := transform.HashKey(parts...)
		if known[digest] {
			continue
		}
		known[digest] = true
		record := make(transform.Row, len(link.Hubs)+3)
		record[key] = digest
		for i, ref := range link.Hubs {
			record[ref.KeyColumn()] = parts[i]
		}
		record[colLoadDate] = loadDate
		record[colRecordSource] = link.Source.String()
		fresh = append(fresh, record)
	}

	state = append(append([]transform.Row{}, existing...), fresh...)
	set := newColumnSet()
	set.hash(key)
	for _, ref := range link.Hubs {
		set.hash(ref.KeyColumn())
	}
	set.add(colLoadDate, catalog.TypeTimestamp)
	set.add(colRecordSource, catalog.TypeText)

	if err := builder.appendRows(ctx, model.VaultSchema(), table, set.columns, []string{key}, fresh); err != nil {
		return 0, nil, Error.New("link %s: %v", link.Name, err)
	}
	return int64(len(fresh)), state, nil
}

// buildSatellite appends attribute versions keyed by (parent hash,
// load date). A historized satellite appends when the attribute digest
// differs from the parent's latest version; a plain one keeps only the
// parent's first version.
func (builder *Builder) buildSatellite(ctx context.Context, model Model, sat Satellite, loadDate time.Time) (_ int64, state []transform.Row, err error) {
	defer mon.Task()(&ctx)(&err)

	source, err := builder.readTable(ctx, sat.Source.Schema, sat.Source.Table)
	if err != nil {
		return 0, nil, Error.New("satellite %s: %v", sat.Name, err)
	}

	table := strings.ToLower(sat.Name)
	parentKey := keyColumn(sat.Parent())
	existing, err := builder.existingRows(ctx, model.VaultSchema(), table)
	if err != nil {
		return 0, nil, Error.New("satellite %s: %v", sat.Name, err)
	}

	// Latest version per parent.
	latest := make(map[string]transform.Row, len(existing))
	for _, row := range existing {
		digest, _ := row[parentKey].(string)
		if digest == "" {
			continue
		}
		best, ok := latest[digest]
		if !ok || transform.Compare(row[colLoadDate], best[colLoadDate]) > 0 {
			latest[digest] = row
		}
	}

	seen := make(map[string]bool, len(source))
	var fresh []transform.Row
	for _, row := range source {
		parent := satelliteParentKey(sat, row)
		if seen[parent] {
			continue
		}
		seen[parent] = true

		version, known := latest[parent]
		if known && !sat.Historized {
			continue
		}
		diff := transform.RowKey(row, sat.Attributes)
		if known {
			if stored, _ := version[colHashDiff].(string); stored == diff {
				continue
			}
		}

		record := make(transform.Row, len(sat.Attributes)+4)
		record[parentKey] = parent
		for _, name := range sat.Attributes {
			record[name] = row[name]
		}
		record[colLoadDate] = loadDate
		record[colRecordSource] = sat.Source.String()
		if sat.Historized {
			record[colHashDiff] = diff
		}
		fresh = append(fresh, record)
	}

	state = append(append([]transform.Row{}, existing...), fresh...)
	set := newColumnSet()
	set.hash(parentKey)
	set.inferred(state, sat.Attributes...)
	set.add(colLoadDate, catalog.TypeTimestamp)
	set.add(colRecordSource, catalog.TypeText)
	if sat.Historized {
		set.hash(colHashDiff)
	}

	if err := builder.appendRows(ctx, model.VaultSchema(), table, set.columns, []string{parentKey, colLoadDate}, fresh); err != nil {
		return 0, nil, Error.New("satellite %s: %v", sat.Name, err)
	}
	return int64(len(fresh)), state, nil
}

// satelliteParentKey digests the parent's business keys out of a
// source row: the hub digest directly, or the link digest over the
// per-hub digests.
func satelliteParentKey(sat Satellite, row transform.Row) string {
	if sat.Hub != "" {
		return transform.RowKey(row, sat.KeyGroups[0])
	}
	parts := make([]string, len(sat.KeyGroups))
	for i, group := range sat.KeyGroups {
		parts[i] = transform.RowKey(row, group)
	}
	return transform.HashKey(parts...)
}
