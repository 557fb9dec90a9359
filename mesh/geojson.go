package mesh

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint           GeometryType = "Point"
	GeometryLineString      GeometryType = "LineString"
	GeometryPolygon         GeometryType = "Polygon"
	GeometryMultiPoint      GeometryType = "MultiPoint"
	GeometryMultiLineString GeometryType = "MultiLineString"
	GeometryMultiPolygon    GeometryType = "MultiPolygon"
)

// Geometry represents a GeoJSON geometry object. Coordinates are kept raw so
// ST_AsGeoJSON output can be passed through to the data files unchanged.
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	ID         interface{}            `json:"id,omitempty"`
	Geometry   *Geometry              `json:"geometry,omitempty"`
	Properties map[string]interface{} `json:"properties"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// ParseGeometry decodes a GeoJSON geometry string such as ST_AsGeoJSON output.
// An empty string yields a nil geometry and no error.
func ParseGeometry(text string) (*Geometry, error) {
	if text == "" {
		return nil, nil
	}
	var g Geometry
	if err := json.Unmarshal([]byte(text), &g); err != nil {
		return nil, fmt.Errorf("parsing geometry JSON: %w", err)
	}
	if g.Type == "" {
		return nil, fmt.Errorf("parsing geometry JSON: missing type")
	}
	return &g, nil
}

// PointGeometry converts an orb.Point (lon, lat) to a GeoJSON Point
func PointGeometry(p orb.Point) *Geometry {
	coordsJSON, _ := json.Marshal([2]float64{p[0], p[1]})
	return &Geometry{
		Type:        GeometryPoint,
		Coordinates: coordsJSON,
	}
}

// LineStringGeometry converts an orb.LineString to a GeoJSON LineString
func LineStringGeometry(ls orb.LineString) *Geometry {
	coords := make([][2]float64, len(ls))
	for i, p := range ls {
		coords[i] = [2]float64{p[0], p[1]}
	}
	coordsJSON, _ := json.Marshal(coords)
	return &Geometry{
		Type:        GeometryLineString,
		Coordinates: coordsJSON,
	}
}

// EntitiesToFeatureCollection converts entities to a GeoJSON collection in
// the order given. Entities without geometry are kept with a nil geometry.
func EntitiesToFeatureCollection(entities []*Entity) *FeatureCollection {
	fc := NewFeatureCollection()
	for _, e := range entities {
		fc.AddFeature(e.ToFeature())
	}
	return fc
}
