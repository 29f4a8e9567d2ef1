// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"math"

	"github.com/zeebo/errs"
)

// Geolocation computes spatial results over coordinate columns. The
// distance operation writes the Haversine distance in kilometers
// between each row's point and either a fixed reference or a second
// coordinate pair. The point_in_polygon operation writes whether the
// row's point falls inside the configured polygon. Rows with missing
// or non-numeric coordinates get a null result.
type Geolocation struct{}

const earthRadiusKm = 6371.0

type geoPoint struct {
	lat float64
	lon float64
}

// Name implements Operator.
func (Geolocation) Name() string { return "geolocation" }

// Validate implements Operator.
func (Geolocation) Validate(config Config) error {
	latColumn := config.String("lat_column")
	lonColumn := config.String("lon_column")
	if latColumn == "" || lonColumn == "" {
		return errs.New("geolocation needs lat_column and lon_column")
	}

	switch operation := config.String("operation"); operation {
	case "distance":
		hasColumns := config.String("lat2_column") != "" && config.String("lon2_column") != ""
		hasReference := config.Has("ref_lat") && config.Has("ref_lon")
		if !hasColumns && !hasReference {
			return errs.New("distance needs lat2_column/lon2_column or ref_lat/ref_lon")
		}
	case "point_in_polygon":
		polygon, err := parsePolygon(config)
		if err != nil {
			return err
		}
		if len(polygon) < 3 {
			return errs.New("point_in_polygon needs at least three vertices")
		}
	default:
		return errs.New("unsupported geolocation operation %q", operation)
	}
	return nil
}

// Apply implements Operator.
func (op Geolocation) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	if err := op.Validate(config); err != nil {
		return nil, err
	}
	latColumn := config.String("lat_column")
	lonColumn := config.String("lon_column")

	switch config.String("operation") {
	case "distance":
		targetColumn := config.StringOr("target_column", "distance_km")
		lat2Column := config.String("lat2_column")
		lon2Column := config.String("lon2_column")
		reference := geoPoint{
			lat: config.Float("ref_lat", 0),
			lon: config.Float("ref_lon", 0),
		}

		out := cloneRows(rows)
		for _, row := range out {
			point, ok := rowPoint(row, latColumn, lonColumn)
			if !ok {
				row[targetColumn] = nil
				continue
			}
			other := reference
			if lat2Column != "" && lon2Column != "" {
				other, ok = rowPoint(row, lat2Column, lon2Column)
				if !ok {
					row[targetColumn] = nil
					continue
				}
			}
			row[targetColumn] = haversineKm(point, other)
		}
		return out, nil

	case "point_in_polygon":
		targetColumn := config.StringOr("target_column", "in_polygon")
		polygon, err := parsePolygon(config)
		if err != nil {
			return nil, err
		}

		out := cloneRows(rows)
		for _, row := range out {
			point, ok := rowPoint(row, latColumn, lonColumn)
			if !ok {
				row[targetColumn] = nil
				continue
			}
			row[targetColumn] = pointInPolygon(point, polygon)
		}
		return out, nil

	default:
		return nil, errs.New("unsupported geolocation operation")
	}
}

func rowPoint(row Row, latColumn, lonColumn string) (geoPoint, bool) {
	lat, ok := toFloat(row[latColumn])
	if !ok {
		return geoPoint{}, false
	}
	lon, ok := toFloat(row[lonColumn])
	if !ok {
		return geoPoint{}, false
	}
	return geoPoint{lat: lat, lon: lon}, true
}

func haversineKm(a, b geoPoint) float64 {
	latA := a.lat * math.Pi / 180
	latB := b.lat * math.Pi / 180
	dLat := (b.lat - a.lat) * math.Pi / 180
	dLon := (b.lon - a.lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// pointInPolygon applies the even-odd ray casting rule with longitude
// as x and latitude as y. Points exactly on an edge count as inside on
// one side only.
func pointInPolygon(point geoPoint, polygon []geoPoint) bool {
	inside := false
	for i, j := 0, len(polygon)-1; i < len(polygon); j, i = i, i+1 {
		a, b := polygon[i], polygon[j]
		crosses := (a.lat > point.lat) != (b.lat > point.lat)
		if !crosses {
			continue
		}
		x := (b.lon-a.lon)*(point.lat-a.lat)/(b.lat-a.lat) + a.lon
		if point.lon < x {
			inside = !inside
		}
	}
	return inside
}

func parsePolygon(config Config) ([]geoPoint, error) {
	values := config.Values("polygon")
	if values == nil {
		return nil, errs.New("point_in_polygon needs a polygon")
	}

	polygon := make([]geoPoint, 0, len(values))
	for i, value := range values {
		point, ok := parsePolygonVertex(value)
		if !ok {
			return nil, errs.New("polygon vertex %d is not a coordinate pair", i)
		}
		polygon = append(polygon, point)
	}
	return polygon, nil
}

func parsePolygonVertex(value interface{}) (geoPoint, bool) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) != 2 {
			return geoPoint{}, false
		}
		lat, ok := toFloat(v[0])
		if !ok {
			return geoPoint{}, false
		}
		lon, ok := toFloat(v[1])
		if !ok {
			return geoPoint{}, false
		}
		return geoPoint{lat: lat, lon: lon}, true
	case map[string]interface{}:
		vertex := Config(v)
		if !vertex.Has("lat") || !vertex.Has("lon") {
			return geoPoint{}, false
		}
		return geoPoint{lat: vertex.Float("lat", 0), lon: vertex.Float("lon", 0)}, true
	default:
		return geoPoint{}, false
	}
}
