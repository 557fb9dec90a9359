package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSpatial is an in-memory SpatialSource.
type fakeSpatial struct {
	fakeWays
	fakeNodes

	buildings    []SpatialRow
	parts        []SpatialRow
	doors        []SpatialRow
	vending      []SpatialRow
	buildingRels []RawRelation
	routeMasters []RawRelation
	relations    map[int64]RawRelation
	wayNodes     map[int64][]int64
	partsErr     error

	mu            sync.Mutex
	relationCalls [][]int64
	network       string
}

func (f *fakeSpatial) Buildings(context.Context) ([]SpatialRow, error) { return f.buildings, nil }
func (f *fakeSpatial) BuildingParts(context.Context) ([]SpatialRow, error) {
	return f.parts, f.partsErr
}
func (f *fakeSpatial) Doors(context.Context) ([]SpatialRow, error)           { return f.doors, nil }
func (f *fakeSpatial) VendingMachines(context.Context) ([]SpatialRow, error) { return f.vending, nil }
func (f *fakeSpatial) BuildingRelations(context.Context) ([]RawRelation, error) {
	return f.buildingRels, nil
}

func (f *fakeSpatial) RouteMasters(_ context.Context, network string) ([]RawRelation, error) {
	f.mu.Lock()
	f.network = network
	f.mu.Unlock()
	return f.routeMasters, nil
}

func (f *fakeSpatial) Relations(_ context.Context, ids []int64) ([]RawRelation, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyLookup
	}
	f.mu.Lock()
	f.relationCalls = append(f.relationCalls, ids)
	f.mu.Unlock()

	var out []RawRelation
	for _, id := range ids {
		if raw, ok := f.relations[id]; ok {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (f *fakeSpatial) WayNodes(_ context.Context, ids []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	for _, id := range ids {
		if nodes, ok := f.wayNodes[id]; ok {
			out[id] = nodes
		}
	}
	return out, nil
}

// fakeSemantic is an in-memory SemanticSource.
type fakeSemantic struct {
	fakeDetails

	facts        []SemanticFact
	printers     []PrinterRecord
	vending      []VendingRecord
	workstations []WorkstationRecord
}

func (f *fakeSemantic) RoomFacts(context.Context) ([]SemanticFact, error)   { return f.facts, nil }
func (f *fakeSemantic) Printers(context.Context) ([]PrinterRecord, error)   { return f.printers, nil }
func (f *fakeSemantic) VendingMachines(context.Context) ([]VendingRecord, error) {
	return f.vending, nil
}
func (f *fakeSemantic) Workstations(context.Context) ([]WorkstationRecord, error) {
	return f.workstations, nil
}

func str(s string) *string { return &s }

const placeholderRoom = "http://id.southampton.ac.uk/room/59-2001"

func campusSources(t *testing.T) (*fakeSpatial, *fakeSemantic) {
	t.Helper()
	square, err := ParseGeometry(`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`)
	require.NoError(t, err)

	spatial := &fakeSpatial{
		fakeWays: fakeWays{geoms: map[int64]orb.LineString{
			40: {ptA, ptB},
			41: {ptC, ptB},
		}},
		fakeNodes: fakeNodes{points: map[int64]orb.Point{500: {-1.39, 50.93}}},
		buildings: []SpatialRow{
			{ID: 5, Geometry: square, Attributes: map[string]*string{"uri": str(testBuilding), "name": str("Library")}},
		},
		parts: []SpatialRow{
			{ID: 10, Geometry: square, Attributes: map[string]*string{"uri": str(testRoom), "buildingpart": str("room"), "ref": str("1257"), "center": str("POINT(1 1)")}},
			{ID: 11, Geometry: square, Attributes: map[string]*string{"buildingpart": str("corridor")}},
			{ID: 12, Geometry: square, Attributes: map[string]*string{"buildingpart": str("room"), "ref": str("1258")}},
		},
		doors: []SpatialRow{
			{ID: 100, Geometry: PointGeometry(orb.Point{1, 0}), Attributes: map[string]*string{"door": str("hinged")}},
		},
		buildingRels: []RawRelation{
			{ID: 1000, Members: []string{"r2000", "level_1"}, Tags: []string{"type", "building", "uri", testBuilding}},
		},
		routeMasters: []RawRelation{
			{ID: 3000, Members: []string{"r3100", ""}, Tags: []string{"type", "route_master", "network", "Uni-link", "colour", "#cc0000"}},
		},
		relations: map[int64]RawRelation{
			2000: {ID: 2000, Members: []string{"w10", "buildingpart", "w11", "buildingpart", "w12", "buildingpart", "n300", "entrance"}, Tags: []string{"type", "level", "level", "1"}},
			3100: {ID: 3100, Members: []string{"w41", "", "w40", "", "r3200", "stop"}, Tags: []string{"type", "route", "ref", "U1", "name", "U1 Airport"}},
			3200: {ID: 3200, Members: []string{"n500", "platform"}, Tags: []string{"type", "stop_area", "name", "Highfield", "uri", naptan + "SN1"}},
		},
		wayNodes: map[int64][]int64{
			10: {100, 101},
			11: {100, 102},
		},
	}

	semantic := &fakeSemantic{
		fakeDetails: fakeDetails{
			features: map[string][]RoomFeature{testRoom: {{Feature: "http://id.southampton.ac.uk/feature/projector", Label: "Projector"}}},
			images:   map[string][]ImageRecord{testBuilding: {{URL: "http://example.org/library.jpg", Width: 10, Height: 10}}},
		},
		facts: []SemanticFact{
			{Subject: testRoom, Category: FactLabel, Value: "Lab"},
			{Subject: testRoom, Category: FactType, Value: TypeSyllabusLocation},
			{Subject: testRoom, Category: FactWithin, Value: testBuilding},
			{Subject: placeholderRoom, Category: FactType, Value: TypeCentrallyBookable},
		},
		workstations: []WorkstationRecord{
			{URI: "http://id.southampton.ac.uk/workstation/1", Label: "Cluster", Building: testBuilding},
		},
	}
	return spatial, semantic
}

func TestPipeline_Run(t *testing.T) {
	spatial, semantic := campusSources(t)
	metrics := NewMetrics()

	ds, err := NewPipeline(spatial, semantic, &Config{}, WithMetrics(metrics)).Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, ds.RunID)
	assert.False(t, ds.GeneratedAt.IsZero())
	assert.Equal(t, DefaultRouteMasterNetwork, spatial.network)

	// buildings
	require.Len(t, ds.Buildings, 1)
	b := ds.Buildings[0]
	assert.Equal(t, []int64{300}, b.Attributes.Entrances)
	assert.Equal(t, map[int][]string{1: {testRoom}}, b.Attributes.Rooms)
	require.Len(t, b.Attributes.Images, 1)

	// parts, placeholders and doors
	ids := make([]string, 0, len(ds.BuildingParts))
	byID := make(map[string]*Entity)
	for _, e := range ds.BuildingParts {
		ids = append(ids, e.ID)
		byID[e.ID] = e
	}
	assert.Equal(t, []string{testRoom, placeholderRoom, "osm:way/11", "osm:way/12", "osm:node/100"}, ids)

	room := byID[testRoom]
	assert.Equal(t, "Lab", room.Attributes.Name)
	assert.Equal(t, NewLevels(1), room.Attributes.Level)
	assert.Equal(t, LevelFromRelation, room.Attributes.LevelSource)
	assert.Equal(t, testBuilding, room.Attributes.Building)
	assert.True(t, room.Attributes.IsTeaching())
	require.Len(t, room.Attributes.Features, 1)

	placeholder := byID[placeholderRoom]
	assert.True(t, placeholder.Placeholder)
	assert.Equal(t, NewLevels(2), placeholder.Attributes.Level)
	assert.Equal(t, LevelFromURI, placeholder.Attributes.LevelSource)

	door := byID["osm:node/100"]
	assert.Equal(t, NewLevels(1), door.Attributes.Level)
	assert.Equal(t, LevelFromDoor, door.Attributes.LevelSource)

	// services
	require.Len(t, ds.Workstations, 1)
	assert.Equal(t, "Cluster", ds.Workstations[0].Attributes.Label)

	// transport
	require.Len(t, ds.Routes, 1)
	route := ds.Routes[0]
	assert.Equal(t, "#cc0000", route.Colour)
	assert.Equal(t, orb.LineString{ptA, ptB, ptC}, route.Path)
	assert.Equal(t, []string{"http://id.southampton.ac.uk/bus-stop/SN1"}, route.Stops)
	require.Len(t, ds.Stops, 1)
	assert.Equal(t, []string{"U1"}, ds.Stops[0].Routes)

	assert.Equal(t, [][]int64{{2000}, {3100}, {3200}}, spatial.relationCalls)

	// diagnostics
	assert.Equal(t, []UnknownLocation{{EntityID: placeholderRoom, Teaching: true}}, ds.Diagnostics.LocationUnknown())
	assert.Empty(t, ds.Diagnostics.WithCategory(CategoryLevel, SeverityWarning))

	// metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.collectionSize.WithLabelValues(CollectionBusRoutes)))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.collectionSize.WithLabelValues(CollectionBuildingParts)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.diagnostics.WithLabelValues("error", CategoryLocation)))
	assert.Greater(t, testutil.ToFloat64(metrics.lastSuccess), 0.0)
}

func TestPipeline_RunIsRepeatable(t *testing.T) {
	spatial, semantic := campusSources(t)
	p := NewPipeline(spatial, semantic, nil)

	first, err := p.Run(context.Background())
	require.NoError(t, err)
	second, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, first.Collections(), second.Collections(), "no state leaks between runs")
	assert.Equal(t, first.Diagnostics.Summarize(), second.Diagnostics.Summarize())
}

func TestPipeline_FetchFailureAborts(t *testing.T) {
	spatial, semantic := campusSources(t)
	spatial.partsErr = errors.New("relation \"planet_osm_polygon\" does not exist")

	_, err := NewPipeline(spatial, semantic, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetching building parts")
}

func TestPipeline_NoRouteMasters(t *testing.T) {
	spatial, semantic := campusSources(t)
	spatial.routeMasters = nil
	cfg := &Config{Routes: RouteConfig{Network: "Bluestar"}}

	ds, err := NewPipeline(spatial, semantic, cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ds.Routes)
	assert.Empty(t, ds.Stops)
	assert.Equal(t, "Bluestar", spatial.network)
}
