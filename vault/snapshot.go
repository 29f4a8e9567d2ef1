// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"context"
	"strings"

	"storj.io/datasync/catalog"
	"storj.io/datasync/transform"
	"storj.io/datasync/transform/joiner"
)

// buildPointInTime fully reloads one point-in-time table: one row per
// hub member carrying, for each selected satellite, the load date of
// the version effective at the snapshot date. Members with no version
// by then carry null.
func (builder *Builder) buildPointInTime(ctx context.Context, model Model, pit PointInTime, state *vaultState) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot := pit.SnapshotAt
	if snapshot.IsZero() {
		snapshot = builder.now().UTC()
	}
	hubKey := keyColumn(pit.Hub)

	effective := make(map[string]map[string]interface{}, len(pit.Satellites))
	for _, name := range pit.Satellites {
		best := make(map[string]interface{})
		for _, row := range state.satellites[name] {
			digest, _ := row[hubKey].(string)
			if digest == "" {
				continue
			}
			loadDate := row[colLoadDate]
			if transform.Compare(loadDate, snapshot) > 0 {
				continue
			}
			if prev, ok := best[digest]; !ok || transform.Compare(loadDate, prev) > 0 {
				best[digest] = loadDate
			}
		}
		effective[name] = best
	}

	out := make([]transform.Row, 0, len(state.hubs[pit.Hub]))
	for _, member := range state.hubs[pit.Hub] {
		digest, _ := member[hubKey].(string)
		record := make(transform.Row, len(pit.Satellites)+2)
		record[hubKey] = digest
		record[colSnapshotAt] = snapshot
		for _, name := range pit.Satellites {
			record[satelliteLoadColumn(name)] = effective[name][digest]
		}
		out = append(out, record)
	}

	set := newColumnSet()
	set.hash(hubKey)
	set.add(colSnapshotAt, catalog.TypeTimestamp)
	for _, name := range pit.Satellites {
		set.add(satelliteLoadColumn(name), catalog.TypeTimestamp)
	}

	table := strings.ToLower(pit.Name)
	if err := builder.reloadTable(ctx, model.VaultSchema(), table, set.columns, []string{hubKey}, out); err != nil {
		return 0, Error.New("pit %s: %v", pit.Name, err)
	}
	return int64(len(out)), nil
}

// satelliteLoadColumn names the point-in-time column carrying a
// satellite's effective load date.
func satelliteLoadColumn(satellite string) string {
	return strings.ToLower(satellite) + "_load_date"
}

// buildBridge fully reloads one bridge table: the listed links
// inner-joined on their shared hub key columns. Link rows are
// projected to their hash keys first, so only key columns flow into
// the join.
func (builder *Builder) buildBridge(ctx context.Context, model Model, bridge Bridge, links map[string]Link, state *vaultState) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot := bridge.SnapshotAt
	if snapshot.IsZero() {
		snapshot = builder.now().UTC()
	}

	var (
		acc     []transform.Row
		columns []string
		have    map[string]bool
	)
	for i, name := range bridge.Links {
		link := links[name]
		projection := append([]string{keyColumn(link.Name)}, linkKeyColumns(link)...)
		rows := projectRows(state.links[name], projection)
		if i == 0 {
			acc, columns = rows, projection
			have = make(map[string]bool, len(projection))
			for _, column := range projection {
				have[column] = true
			}
			continue
		}

		var shared []string
		for _, ref := range link.Hubs {
			if have[ref.KeyColumn()] {
				shared = append(shared, ref.KeyColumn())
			}
		}
		joined, _, err := joiner.Run(ctx,
			joiner.Config{Type: joiner.Inner},
			joiner.Side{Rows: acc, Keys: shared},
			joiner.Side{Rows: rows, Keys: shared})
		if err != nil {
			return 0, Error.New("bridge %s: %v", bridge.Name, err)
		}
		acc = joined
		for _, column := range projection {
			if !have[column] {
				have[column] = true
				columns = append(columns, column)
			}
		}
	}

	out := make([]transform.Row, len(acc))
	for i, row := range acc {
		record := make(transform.Row, len(columns)+1)
		for _, column := range columns {
			record[column] = row[column]
		}
		record[colSnapshotAt] = snapshot
		out[i] = record
	}

	set := newColumnSet()
	for _, column := range columns {
		set.hash(column)
	}
	set.add(colSnapshotAt, catalog.TypeTimestamp)

	table := strings.ToLower(bridge.Name)
	if err := builder.reloadTable(ctx, model.VaultSchema(), table, set.columns, nil, out); err != nil {
		return 0, Error.New("bridge %s: %v", bridge.Name, err)
	}
	return int64(len(out)), nil
}

// linkKeyColumns lists the link's hub key columns in declaration
// order.
func linkKeyColumns(link Link) []string {
	columns := make([]string, len(link.Hubs))
	for i, ref := range link.Hubs {
		columns[i] = ref.KeyColumn()
	}
	return columns
}

// projectRows narrows rows to the named columns.
func projectRows(rows []transform.Row, columns []string) []transform.Row {
	out := make([]transform.Row, len(rows))
	for i, row := range rows {
		record := make(transform.Row, len(columns))
		for _, name := range columns {
			record[name] = row[name]
		}
		out[i] = record
	}
	return out
}
