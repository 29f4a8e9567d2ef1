// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"

	"github.com/zeebo/errs"
)

// RouteColumn carries the name of the route each row matched.
const RouteColumn = "_route_name"

// Router sends each row to the first route whose condition matches and
// tags it with the route name. Rows matching no route go to the
// default route, or are dropped when none is configured.
type Router struct{}

type route struct {
	name string
	cond condition
}

// Name implements Operator.
func (Router) Name() string { return "router" }

// Validate implements Operator.
func (Router) Validate(config Config) error {
	_, err := parseRoutes(config)
	return err
}

// Apply implements Operator.
func (Router) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	routes, err := parseRoutes(config)
	if err != nil {
		return nil, err
	}
	defaultRoute := config.String("default_route")

	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		name, matched := routeFor(routes, row)
		if !matched {
			if defaultRoute == "" {
				continue
			}
			name = defaultRoute
		}
		tagged := row.Clone()
		tagged[RouteColumn] = name
		out = append(out, tagged)
	}
	return out, nil
}

func routeFor(routes []route, row Row) (string, bool) {
	for _, r := range routes {
		if r.cond.matches(row) {
			return r.name, true
		}
	}
	return "", false
}

func parseRoutes(config Config) ([]route, error) {
	items := config.List("routes")
	if len(items) == 0 {
		return nil, errs.New("router needs at least one route")
	}

	routes := make([]route, 0, len(items))
	for i, item := range items {
		name := item.String("name")
		if name == "" {
			return nil, errs.New("route %d has no name", i)
		}
		cond, err := parseCondition(item.Map("condition"))
		if err != nil {
			return nil, errs.New("route %q: %v", name, err)
		}
		routes = append(routes, route{name: name, cond: cond})
	}
	return routes, nil
}
