// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package vault builds data vault models over replicated tables: hubs
// hold one row per distinct business-key tuple, links connect hubs,
// satellites carry append-only attribute history, and point-in-time
// and bridge tables snapshot them for querying. Hash keys are stable
// digests of the business keys, so rebuilding from an unchanged source
// adds no rows.
package vault

import (
	"strings"
	"time"

	"github.com/zeebo/errs"

	"storj.io/datasync/transform"
)

// Error is the default error class for the vault package.
var Error = errs.Class("vault")

// Bookkeeping columns shared by the vault tables.
const (
	colLoadDate     = "load_date"
	colRecordSource = "record_source"
	colHashDiff     = "hash_diff"
	colSnapshotAt   = "snapshot_at"
)

// keyColumn names the hash key column of an entity table.
func keyColumn(entity string) string { return strings.ToLower(entity) + "_key" }

// Model declares one data vault. Entities reference only entities of
// the stages before them: links name hubs, satellites name one hub or
// one link, point-in-time tables name a hub with its satellites and
// bridges name links. Validation walks the declarations in that order,
// which keeps the reference graph a DAG.
type Model struct {
	Name string `json:"name"`
	// Schema holds every table of the vault; it defaults to "vault".
	Schema string `json:"schema"`

	Hubs       []Hub         `json:"hubs"`
	Links      []Link        `json:"links"`
	Satellites []Satellite   `json:"satellites"`
	PITs       []PointInTime `json:"pits"`
	Bridges    []Bridge      `json:"bridges"`
}

// VaultSchema returns the schema holding the vault tables.
func (model Model) VaultSchema() string {
	if model.Schema != "" {
		return strings.ToLower(model.Schema)
	}
	return "vault"
}

// Hub keeps one row per distinct business-key tuple seen in its
// source. The hash key digests the business-key values.
type Hub struct {
	Name         string             `json:"name"`
	Source       transform.TableRef `json:"source"`
	BusinessKeys []string           `json:"business_keys"`
}

// Link records the combinations in which hubs occur together. Its hash
// key digests the referenced hub hash keys.
type Link struct {
	Name   string             `json:"name"`
	Source transform.TableRef `json:"source"`
	Hubs   []LinkHub          `json:"hubs"`
}

// LinkHub names a referenced hub and the source columns carrying its
// business keys, in the hub's key order.
type LinkHub struct {
	Hub string `json:"hub"`
	// Role renames the hub's key column inside the link table; it is
	// required when the same hub is referenced twice.
	Role    string   `json:"role"`
	Columns []string `json:"columns"`
}

// KeyColumn returns the link table column carrying this hub's key.
func (ref LinkHub) KeyColumn() string {
	if ref.Role != "" {
		return keyColumn(ref.Role)
	}
	return keyColumn(ref.Hub)
}

// Satellite carries descriptive attributes for a hub or a link as
// append-only history keyed by (parent hash key, load date).
type Satellite struct {
	Name   string             `json:"name"`
	Source transform.TableRef `json:"source"`

	// Exactly one of Hub and Link names the parent entity.
	Hub  string `json:"hub"`
	Link string `json:"link"`

	// KeyGroups carry the parent's business keys in the source rows:
	// one group for a hub parent, one group per referenced hub for a
	// link parent, in the link's hub order.
	KeyGroups [][]string `json:"key_groups"`

	Attributes []string `json:"attributes"`

	// Historized enables change detection: a version is appended when
	// the attribute digest differs from the parent's latest version.
	// Without it each parent gets exactly one row.
	Historized bool `json:"historized"`
}

// Parent returns the name of the parent entity.
func (sat Satellite) Parent() string {
	if sat.Hub != "" {
		return sat.Hub
	}
	return sat.Link
}

// PointInTime snapshots which satellite version was effective for each
// hub member at a date.
type PointInTime struct {
	Name       string   `json:"name"`
	Hub        string   `json:"hub"`
	Satellites []string `json:"satellites"`
	// SnapshotAt defaults to the build time.
	SnapshotAt time.Time `json:"snapshot_at"`
}

// Bridge joins the rows of the listed links on their shared hub keys
// into one flat snapshot table.
type Bridge struct {
	Name  string   `json:"name"`
	Links []string `json:"links"`
	// SnapshotAt defaults to the build time.
	SnapshotAt time.Time `json:"snapshot_at"`
}

// Validate checks the model and the DAG formed by its references.
// Models are rejected as a whole; nothing builds when any declaration
// is invalid.
func (model Model) Validate() error {
	if model.Name == "" {
		return Error.New("model name is required")
	}

	defined := make(map[string]bool)
	hubs := make(map[string]Hub, len(model.Hubs))
	for _, hub := range model.Hubs {
		if hub.Name == "" {
			return Error.New("model %q: hub with no name", model.Name)
		}
		if defined[hub.Name] {
			return Error.New("model %q: entity %q declared twice", model.Name, hub.Name)
		}
		if hub.Source.IsZero() {
			return Error.New("model %q: hub %q has no source", model.Name, hub.Name)
		}
		if len(hub.BusinessKeys) == 0 {
			return Error.New("model %q: hub %q has no business keys", model.Name, hub.Name)
		}
		for _, name := range hub.BusinessKeys {
			if name == keyColumn(hub.Name) || name == colLoadDate || name == colRecordSource {
				return Error.New("model %q: hub %q: business key %q collides with a bookkeeping column", model.Name, hub.Name, name)
			}
		}
		defined[hub.Name] = true
		hubs[hub.Name] = hub
	}

	links := make(map[string]Link, len(model.Links))
	for _, link := range model.Links {
		if link.Name == "" {
			return Error.New("model %q: link with no name", model.Name)
		}
		if defined[link.Name] {
			return Error.New("model %q: entity %q declared twice", model.Name, link.Name)
		}
		if link.Source.IsZero() {
			return Error.New("model %q: link %q has no source", model.Name, link.Name)
		}
		if len(link.Hubs) < 2 {
			return Error.New("model %q: link %q connects %d hubs, need at least two", model.Name, link.Name, len(link.Hubs))
		}
		columns := make(map[string]bool, len(link.Hubs))
		for _, ref := range link.Hubs {
			hub, ok := hubs[ref.Hub]
			if !ok {
				return Error.New("model %q: link %q references unknown hub %q", model.Name, link.Name, ref.Hub)
			}
			if len(ref.Columns) != len(hub.BusinessKeys) {
				return Error.New("model %q: link %q: hub %q takes %d key columns, got %d",
					model.Name, link.Name, ref.Hub, len(hub.BusinessKeys), len(ref.Columns))
			}
			if columns[ref.KeyColumn()] {
				return Error.New("model %q: link %q: hub %q needs a role, its key column repeats", model.Name, link.Name, ref.Hub)
			}
			columns[ref.KeyColumn()] = true
		}
		defined[link.Name] = true
		links[link.Name] = link
	}

	satellites := make(map[string]Satellite, len(model.Satellites))
	for _, sat := range model.Satellites {
		if sat.Name == "" {
			return Error.New("model %q: satellite with no name", model.Name)
		}
		if defined[sat.Name] {
			return Error.New("model %q: entity %q declared twice", model.Name, sat.Name)
		}
		if sat.Source.IsZero() {
			return Error.New("model %q: satellite %q has no source", model.Name, sat.Name)
		}
		if (sat.Hub == "") == (sat.Link == "") {
			return Error.New("model %q: satellite %q must name exactly one hub or link parent", model.Name, sat.Name)
		}
		if len(sat.Attributes) == 0 {
			return Error.New("model %q: satellite %q has no attributes", model.Name, sat.Name)
		}

		switch {
		case sat.Hub != "":
			hub, ok := hubs[sat.Hub]
			if !ok {
				return Error.New("model %q: satellite %q references unknown hub %q", model.Name, sat.Name, sat.Hub)
			}
			if len(sat.KeyGroups) != 1 || len(sat.KeyGroups[0]) != len(hub.BusinessKeys) {
				return Error.New("model %q: satellite %q: one key group with %d columns expected for hub %q",
					model.Name, sat.Name, len(hub.BusinessKeys), sat.Hub)
			}
		default:
			link, ok := links[sat.Link]
			if !ok {
				return Error.New("model %q: satellite %q references unknown link %q", model.Name, sat.Name, sat.Link)
			}
			if len(sat.KeyGroups) != len(link.Hubs) {
				return Error.New("model %q: satellite %q: %d key groups expected for link %q, got %d",
					model.Name, sat.Name, len(link.Hubs), sat.Link, len(sat.KeyGroups))
			}
			for i, ref := range link.Hubs {
				if len(sat.KeyGroups[i]) != len(hubs[ref.Hub].BusinessKeys) {
					return Error.New("model %q: satellite %q: key group %d takes %d columns for hub %q",
						model.Name, sat.Name, i, len(hubs[ref.Hub].BusinessKeys), ref.Hub)
				}
			}
		}

		parentKey := keyColumn(sat.Parent())
		for _, name := range sat.Attributes {
			if name == parentKey || name == colLoadDate || name == colRecordSource || name == colHashDiff {
				return Error.New("model %q: satellite %q: attribute %q collides with a bookkeeping column", model.Name, sat.Name, name)
			}
		}
		defined[sat.Name] = true
		satellites[sat.Name] = sat
	}

	for _, pit := range model.PITs {
		if pit.Name == "" {
			return Error.New("model %q: point-in-time table with no name", model.Name)
		}
		if defined[pit.Name] {
			return Error.New("model %q: entity %q declared twice", model.Name, pit.Name)
		}
		if _, ok := hubs[pit.Hub]; !ok {
			return Error.New("model %q: point-in-time %q references unknown hub %q", model.Name, pit.Name, pit.Hub)
		}
		if len(pit.Satellites) == 0 {
			return Error.New("model %q: point-in-time %q selects no satellites", model.Name, pit.Name)
		}
		for _, name := range pit.Satellites {
			sat, ok := satellites[name]
			if !ok {
				return Error.New("model %q: point-in-time %q references unknown satellite %q", model.Name, pit.Name, name)
			}
			if sat.Hub != pit.Hub {
				return Error.New("model %q: point-in-time %q: satellite %q does not describe hub %q", model.Name, pit.Name, name, pit.Hub)
			}
		}
		defined[pit.Name] = true
	}

	for _, bridge := range model.Bridges {
		if bridge.Name == "" {
			return Error.New("model %q: bridge with no name", model.Name)
		}
		if defined[bridge.Name] {
			return Error.New("model %q: entity %q declared twice", model.Name, bridge.Name)
		}
		if len(bridge.Links) < 2 {
			return Error.New("model %q: bridge %q spans %d links, need at least two", model.Name, bridge.Name, len(bridge.Links))
		}
		reachable := make(map[string]bool)
		for i, name := range bridge.Links {
			link, ok := links[name]
			if !ok {
				return Error.New("model %q: bridge %q references unknown link %q", model.Name, bridge.Name, name)
			}
			shared := false
			for _, ref := range link.Hubs {
				if reachable[ref.KeyColumn()] {
					shared = true
				}
				reachable[ref.KeyColumn()] = true
			}
			if i > 0 && !shared {
				return Error.New("model %q: bridge %q: link %q shares no hub with the links before it", model.Name, bridge.Name, name)
			}
		}
		defined[bridge.Name] = true
	}

	return nil
}
