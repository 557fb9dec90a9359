package mesh

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

// orbPoint converts a mesh Geometry of type Point to an orb.Point.
func orbPoint(geom *Geometry) (orb.Point, bool) {
	if geom == nil || geom.Type != GeometryPoint {
		return orb.Point{}, false
	}
	var coords [2]float64
	if err := json.Unmarshal(geom.Coordinates, &coords); err != nil {
		return orb.Point{}, false
	}
	return orb.Point{coords[0], coords[1]}, true
}

// orbLineString converts a mesh Geometry of type LineString to an orb.LineString.
// Returns nil if the geometry is nil, not a LineString, or has invalid coordinates.
func orbLineString(geom *Geometry) orb.LineString {
	if geom == nil || geom.Type != GeometryLineString {
		return nil
	}
	var coords [][2]float64
	if err := json.Unmarshal(geom.Coordinates, &coords); err != nil {
		return nil
	}
	return toLineString(coords)
}

// orbPolygon converts a mesh Geometry of type Polygon to an orb.Polygon.
// Returns nil if the geometry is nil, not a Polygon, or has invalid coordinates.
func orbPolygon(geom *Geometry) orb.Polygon {
	if geom == nil || geom.Type != GeometryPolygon {
		return nil
	}
	var rings [][][2]float64
	if err := json.Unmarshal(geom.Coordinates, &rings); err != nil {
		return nil
	}
	return toPolygon(rings)
}

// orbGeometry converts any supported mesh Geometry into its orb counterpart.
func orbGeometry(geom *Geometry) (orb.Geometry, bool) {
	if geom == nil {
		return nil, false
	}

	switch geom.Type {
	case GeometryPoint:
		p, ok := orbPoint(geom)
		return p, ok

	case GeometryLineString:
		ls := orbLineString(geom)
		return ls, ls != nil

	case GeometryPolygon:
		poly := orbPolygon(geom)
		return poly, poly != nil

	case GeometryMultiPoint:
		var coords [][2]float64
		if err := json.Unmarshal(geom.Coordinates, &coords); err != nil {
			return nil, false
		}
		return orb.MultiPoint(toLineString(coords)), true

	case GeometryMultiLineString:
		var lines [][][2]float64
		if err := json.Unmarshal(geom.Coordinates, &lines); err != nil {
			return nil, false
		}
		mls := make(orb.MultiLineString, len(lines))
		for i, line := range lines {
			mls[i] = toLineString(line)
		}
		return mls, true

	case GeometryMultiPolygon:
		var polys [][][][2]float64
		if err := json.Unmarshal(geom.Coordinates, &polys); err != nil {
			return nil, false
		}
		mp := make(orb.MultiPolygon, len(polys))
		for i, rings := range polys {
			mp[i] = toPolygon(rings)
		}
		return mp, true
	}

	return nil, false
}

func toLineString(coords [][2]float64) orb.LineString {
	ls := make(orb.LineString, len(coords))
	for i, c := range coords {
		ls[i] = orb.Point{c[0], c[1]}
	}
	return ls
}

func toPolygon(rings [][][2]float64) orb.Polygon {
	poly := make(orb.Polygon, len(rings))
	for i, ring := range rings {
		r := make(orb.Ring, len(ring))
		for j, c := range ring {
			r[j] = orb.Point{c[0], c[1]}
		}
		poly[i] = r
	}
	return poly
}

// GeometryCentroid returns the area-weighted centroid of a geometry. Points
// and lines fall back to orb's planar centroid rules.
// The bool return indicates whether a valid centroid was computed.
func GeometryCentroid(geom *Geometry) (orb.Point, bool) {
	g, ok := orbGeometry(geom)
	if !ok {
		return orb.Point{}, false
	}
	c, _ := planar.CentroidArea(g)
	return c, true
}

// Locator renders a human-locatable "lat,lon" string for diagnostics.
// GeoJSON stores lon,lat so the order is swapped.
func Locator(geom *Geometry) string {
	c, ok := GeometryCentroid(geom)
	if !ok {
		return "no geometry"
	}
	return fmt.Sprintf("%.6f,%.6f", c[1], c[0])
}

// ParseWKTPoint parses "POINT(x y)" as produced by ST_AsText into an
// orb.Point in (x, y) order.
func ParseWKTPoint(text string) (orb.Point, error) {
	p, err := wkt.UnmarshalPoint(strings.TrimSpace(text))
	if err != nil {
		return orb.Point{}, fmt.Errorf("not a WKT point: %q: %w", text, err)
	}
	return p, nil
}
