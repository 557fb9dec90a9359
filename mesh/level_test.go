package mesh

import (
	"fmt"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// levelGraph is one building with two floors, an entrance, and some broken
// level references.
func levelGraph(t *testing.T, sink *DiagnosticsSink) *RelationGraph {
	t.Helper()
	g := LoadRelations([]RawRelation{
		{
			ID:      100,
			Members: []string{"r200", "level_1", "r201", "level_2", "w5", "level_0", "r999", "level_3", "r202", "level_bad", "w10", "buildingpart"},
			Tags:    []string{"type", "building", "uri", testBuilding},
		},
		{ID: 200, Members: []string{"w10", "buildingpart", "n20", "entrance"}, Tags: []string{"type", "level", "level", "1"}},
		{ID: 201, Members: []string{"w10", "buildingpart", "w11", "buildingpart", "w12", "outline"}, Tags: []string{"type", "level", "level", " 2 "}},
		{ID: 202, Members: []string{"w13", "buildingpart"}, Tags: []string{"type", "level", "level", "x"}},
	}, sink)
	require.Equal(t, 4, g.Len())
	return g
}

func door(node int64) *Entity {
	return &Entity{
		ID:       EntityIDFor(KindNode, node, ""),
		OSMID:    node,
		Geometry: PointGeometry(orb.Point{-1.39, 50.93}),
	}
}

func part(osmID int64, kind string, levels ...int) *Entity {
	return &Entity{
		ID:    EntityIDFor(KindWay, osmID, ""),
		OSMID: osmID,
		Attributes: Attributes{
			BuildingPart: kind,
			Level:        NewLevels(levels...),
		},
	}
}

func TestBuildLevelIndex(t *testing.T) {
	sink := NewDiagnosticsSink()
	idx := BuildLevelIndex(levelGraph(t, sink), sink)

	levels, ok := idx.Levels(10)
	require.True(t, ok)
	assert.Equal(t, NewLevels(1, 2), levels, "a part in two level relations is on both")

	levels, _ = idx.Levels(11)
	assert.Equal(t, NewLevels(2), levels)

	levels, _ = idx.Levels(20)
	assert.Equal(t, NewLevels(1), levels, "entrances are placed on their level too")

	_, ok = idx.Levels(12)
	assert.False(t, ok, "only buildingpart and entrance members are indexed")
	_, ok = idx.Levels(13)
	assert.False(t, ok, "parts of an unparseable level are skipped")

	assert.Equal(t, []int64{20}, idx.Entrances(100))
	assert.Equal(t, 3, idx.Len())

	summary := sink.Summarize()
	require.Len(t, summary, 2)
	assert.Equal(t, "relation/100", summary[0].EntityID)
	assert.Len(t, summary[0].Records, 2)
	assert.Equal(t, "relation/202", summary[1].EntityID)
	assert.Equal(t, SeverityError, summary[1].Records[0].Severity)
}

func TestAssignLevels(t *testing.T) {
	idx := NewLevelIndex()
	idx.Add(10, 1)
	idx.Add(10, 2)
	idx.Add(11, 0)

	sink := NewDiagnosticsSink()
	multi := part(10, PartRoom)
	single := part(11, PartCorridor, 4)
	unknown := part(77, PartRoom, 3)
	placeholder := NewPlaceholder(testRoom)
	placeholder.Attributes.Level = NewLevels(1)

	AssignLevels(idx, []*Entity{multi, single, unknown, placeholder}, sink)

	assert.Equal(t, NewLevels(1, 2), multi.Attributes.Level)
	assert.Equal(t, LevelFromRelation, multi.Attributes.LevelSource)
	assert.Equal(t, NewLevels(0), single.Attributes.Level, "relation overrides the tag")
	assert.False(t, unknown.Attributes.Level.IsSet(), "the level tag of an unindexed part is dropped")
	assert.Empty(t, unknown.Attributes.LevelSource)
	assert.Equal(t, NewLevels(1), placeholder.Attributes.Level)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "osm:way/77", recs[0].EntityID)
	assert.Equal(t, CategoryLevel, recs[0].Category)
	assert.Equal(t, SeverityError, recs[0].Severity)
	assert.Contains(t, recs[0].Message, "50.930000,-1.390000")

	// the index is not aliased by the entity
	multi.Attributes.Level[0] = 9
	levels, _ := idx.Levels(10)
	assert.Equal(t, NewLevels(1, 2), levels)
}

func TestAttachEntrances(t *testing.T) {
	sink := NewDiagnosticsSink()
	graph := levelGraph(t, sink)
	graph.Add(&Relation{
		ID:      300,
		Members: []Member{{Kind: KindRelation, Ref: 301, Role: "level_0"}},
		Tags:    map[string]string{"type": "building", "uri": "http://id.southampton.ac.uk/building/999"},
	})
	graph.Add(&Relation{
		ID:      301,
		Members: []Member{{Kind: KindNode, Ref: 30, Role: RoleEntrance}},
		Tags:    map[string]string{"type": "level", "level": "0"},
	})
	idx := BuildLevelIndex(graph, sink)

	buildings := NewEntitySet()
	b := NewEntityFromPart(SpatialPart{ID: 500, Attributes: Attributes{URI: testBuilding}}, KindWay)
	buildings.Add(b)

	sink = NewDiagnosticsSink()
	AttachEntrances(idx, graph, buildings, sink)
	AttachEntrances(idx, graph, buildings, sink)

	assert.Equal(t, []int64{20}, b.Attributes.Entrances, "entrances are not duplicated")

	missing := sink.WithCategory(CategoryContainment, SeverityWarning)
	require.Len(t, missing, 1)
	assert.Equal(t, "http://id.southampton.ac.uk/building/999", missing[0].EntityID)
}

func TestInferDoorLevels(t *testing.T) {
	parts := []*Entity{
		part(1, PartRoom, 1, 2),
		part(2, PartCorridor, 1),
		part(3, PartRoom, 3),
		part(4, "verticalpassage", 5),
	}
	wayNodes := map[int64][]int64{
		1: {100, 101, 102, 100},
		2: {100, 103},
		3: {101, 104},
		4: {100},
	}

	shared := door(100)
	disjoint := door(101)
	disjoint.Attributes.Level = NewLevels(7)
	disjoint.Attributes.LevelSource = LevelFromTag
	multiLevel := door(102)
	isolated := door(105)

	sink := NewDiagnosticsSink()
	InferDoorLevels([]*Entity{shared, disjoint, multiLevel, isolated}, wayNodes, parts, sink)

	assert.Equal(t, NewLevels(1), shared.Attributes.Level)
	assert.Equal(t, LevelFromDoor, shared.Attributes.LevelSource)

	for _, d := range []*Entity{disjoint, multiLevel, isolated} {
		assert.False(t, d.Attributes.Level.IsSet(), "door %d", d.OSMID)
		assert.Empty(t, d.Attributes.LevelSource)
	}

	counts := make(map[string]int)
	for _, r := range sink.Records() {
		assert.Equal(t, CategoryLevel, r.Category)
		assert.Equal(t, SeverityError, r.Severity)
		counts[r.EntityID]++
	}
	assert.Equal(t, map[string]int{"osm:node/101": 1, "osm:node/102": 1, "osm:node/105": 1}, counts)
}

func TestLevels_DoorAndRoomSharingAnOSMID(t *testing.T) {
	square, err := ParseGeometry(`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`)
	require.NoError(t, err)
	room := NewEntityFromPart(SpatialPart{ID: 5, Geometry: square, Attributes: Attributes{BuildingPart: PartRoom}}, KindWay)
	d := NewEntityFromPart(SpatialPart{ID: 5, Geometry: PointGeometry(orb.Point{1, 0})}, KindNode)
	require.NotEqual(t, room.ID, d.ID)

	set := NewEntitySet()
	assert.True(t, set.Add(room))
	assert.True(t, set.Add(d), "node 5 and way 5 are different entities")

	sink := NewDiagnosticsSink()
	AssignLevels(NewLevelIndex(), []*Entity{room}, sink)
	InferDoorLevels([]*Entity{d}, map[int64][]int64{5: {7}}, []*Entity{room}, sink)

	summary := sink.Summarize()
	require.Len(t, summary, 2)
	assert.Equal(t, "osm:node/5", summary[0].EntityID)
	assert.Contains(t, summary[0].Records[0].Message, "unknown level for door")
	assert.Equal(t, "osm:way/5", summary[1].EntityID)
	assert.Contains(t, summary[1].Records[0].Message, "unknown level at")
}

func TestInferDoorLevels_EverySharedLevel(t *testing.T) {
	for level := -2; level <= 5; level++ {
		t.Run(fmt.Sprintf("level %d", level), func(t *testing.T) {
			parts := []*Entity{
				part(1, PartRoom, level),
				part(2, PartRoom, level, level+1),
				part(3, PartCorridor, level-1, level),
			}
			wayNodes := map[int64][]int64{1: {9}, 2: {9}, 3: {9}}
			d := door(9)
			sink := NewDiagnosticsSink()

			InferDoorLevels([]*Entity{d}, wayNodes, parts, sink)

			assert.Equal(t, NewLevels(level), d.Attributes.Level)
			assert.Equal(t, 0, sink.Len())
		})
	}
}

func TestIndexRoomsByLevel(t *testing.T) {
	buildings := NewEntitySet()
	b := NewEntityFromPart(SpatialPart{ID: 500, Attributes: Attributes{URI: testBuilding}}, KindWay)
	buildings.Add(b)

	other := "http://id.southampton.ac.uk/room/59-2001"
	rooms := []*Entity{
		{ID: other, Attributes: Attributes{URI: other, Building: testBuilding, Level: NewLevels(1, 2)}},
		{ID: testRoom, Attributes: Attributes{URI: testRoom, Building: testBuilding, Level: NewLevels(1)}},
		{ID: "http://id.southampton.ac.uk/room/59-9999", Attributes: Attributes{URI: "http://id.southampton.ac.uk/room/59-9999", Building: testBuilding}},
		{ID: "http://id.southampton.ac.uk/room/2-1001", Attributes: Attributes{URI: "http://id.southampton.ac.uk/room/2-1001", Building: "http://id.southampton.ac.uk/building/2", Level: NewLevels(1)}},
		{ID: "osm:way/5", Attributes: Attributes{Building: testBuilding, Level: NewLevels(1)}},
	}

	sink := NewDiagnosticsSink()
	IndexRoomsByLevel(buildings, rooms, sink)
	IndexRoomsByLevel(buildings, rooms, NewDiagnosticsSink())

	assert.Equal(t, map[int][]string{
		1: {testRoom, other},
		2: {other},
	}, b.Attributes.Rooms)

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "http://id.southampton.ac.uk/room/59-9999", recs[0].EntityID)
	assert.Equal(t, SeverityWarning, recs[0].Severity)
}
