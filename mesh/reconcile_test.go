package mesh

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBuilding = "http://id.southampton.ac.uk/building/59"
	testRoom     = "http://id.southampton.ac.uk/room/59-1257"
)

func roomPart(id int64, uri, ref, name string) SpatialPart {
	return SpatialPart{
		ID:       id,
		Geometry: PointGeometry(orb.Point{-1.39, 50.93}),
		Attributes: Attributes{
			URI:          uri,
			Ref:          ref,
			Name:         name,
			BuildingPart: PartRoom,
		},
	}
}

func TestDecomposeCompositeURI(t *testing.T) {
	tests := []struct {
		uri    string
		ok     bool
		want   CompositeID
		levels bool
	}{
		{uri: testRoom, ok: true, want: CompositeID{Building: "59", Room: "1257", Level: 1, HasLevel: true}},
		{uri: "http://id.southampton.ac.uk/room/2-3011", ok: true, want: CompositeID{Building: "2", Room: "3011", Level: 3, HasLevel: true}},
		{uri: "http://id.southampton.ac.uk/room/32-001", ok: true, want: CompositeID{Building: "32", Room: "001"}},
		{uri: "http://id.southampton.ac.uk/room/32-LT1A", ok: true, want: CompositeID{Building: "32", Room: "LT1A"}},
		{uri: "http://id.southampton.ac.uk/room/59", ok: false},
		{uri: "http://id.southampton.ac.uk/room/59-12-3", ok: false},
		{uri: "http://id.southampton.ac.uk/room/-1257", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, ok := DecomposeCompositeURI(tt.uri)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGroupFacts(t *testing.T) {
	groups := GroupFacts([]SemanticFact{
		{Subject: "b", Category: FactLabel, Value: "B"},
		{Subject: "a", Category: FactLabel, Value: "A"},
		{Subject: "b", Category: FactType, Value: "T"},
	})
	assert.Equal(t, []string{"a", "b"}, groups.Subjects())
	require.Len(t, groups["b"], 2)
	assert.Equal(t, FactLabel, groups["b"][0].Category, "arrival order kept")
}

func TestReconcile_SpatialWins(t *testing.T) {
	sink := NewDiagnosticsSink()
	parts := []SpatialPart{roomPart(1, testRoom, "1257", "Spatial Name")}
	groups := GroupFacts([]SemanticFact{
		{Subject: testRoom, Category: FactLabel, Value: "Semantic Label"},
		{Subject: testRoom, Category: FactType, Value: TypeSyllabusLocation},
		{Subject: testRoom, Category: FactWithin, Value: testBuilding},
	})

	set := Reconcile(parts, groups, map[string]bool{testBuilding: true}, sink)
	require.Equal(t, 1, set.Len())

	e, ok := set.Get(testRoom)
	require.True(t, ok)
	assert.Equal(t, "Spatial Name", e.Attributes.Name)
	assert.Equal(t, "1257", e.Attributes.Ref)
	assert.Equal(t, testBuilding, e.Attributes.Building)
	assert.True(t, e.Attributes.HasType(TypeSyllabusLocation))
	assert.True(t, e.Attributes.IsTeaching())
	require.NotNil(t, e.Attributes.Bookable)
	assert.False(t, *e.Attributes.Bookable)
	assert.Equal(t, 0, sink.Len())

	assert.Equal(t, "", parts[0].Attributes.Building, "input parts are not modified")
}

func TestReconcile_LabelFillsAbsentName(t *testing.T) {
	parts := []SpatialPart{roomPart(1, testRoom, "", "")}
	groups := GroupFacts([]SemanticFact{{Subject: testRoom, Category: FactLabel, Value: "Seminar Room"}})

	set := Reconcile(parts, groups, nil, NewDiagnosticsSink())
	e, _ := set.Get(testRoom)
	assert.Equal(t, "Seminar Room", e.Attributes.Name)
}

func TestReconcile_RefConflict(t *testing.T) {
	sink := NewDiagnosticsSink()
	parts := []SpatialPart{roomPart(1, testRoom, "9999", "")}
	groups := GroupFacts([]SemanticFact{{Subject: testRoom, Category: FactLabel, Value: "x"}})

	set := Reconcile(parts, groups, nil, sink)
	e, _ := set.Get(testRoom)
	assert.Equal(t, "9999", e.Attributes.Ref, "spatial value is authoritative")

	recs := sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, CategoryReconcile, recs[0].Category)
	assert.Equal(t, SeverityWarning, recs[0].Severity)
}

func TestReconcile_Placeholder(t *testing.T) {
	sink := NewDiagnosticsSink()
	groups := GroupFacts([]SemanticFact{
		{Subject: testRoom, Category: FactType, Value: TypeCentrallyBookable},
		{Subject: testRoom, Category: FactLabel, Value: "Lab"},
	})

	set := Reconcile(nil, groups, nil, sink)
	e, ok := set.Get(testRoom)
	require.True(t, ok)
	assert.True(t, e.Placeholder)
	assert.False(t, e.HasGeometry())
	assert.Equal(t, "1257", e.Attributes.Ref)
	assert.Equal(t, NewLevels(1), e.Attributes.Level)
	assert.Equal(t, LevelFromURI, e.Attributes.LevelSource)
	assert.True(t, *e.Attributes.Bookable)

	unknown := sink.LocationUnknown()
	require.Len(t, unknown, 1)
	assert.Equal(t, testRoom, unknown[0].EntityID)
	assert.True(t, unknown[0].Teaching)
}

func TestReconcile_PlaceholderWithoutComposite(t *testing.T) {
	uri := "http://id.southampton.ac.uk/point-of-service/cafe"
	set := Reconcile(nil, GroupFacts([]SemanticFact{{Subject: uri, Category: FactLabel, Value: "Cafe"}}), nil, NewDiagnosticsSink())

	e, ok := set.Get(uri)
	require.True(t, ok)
	assert.Empty(t, e.Attributes.Ref)
	assert.False(t, e.Attributes.Level.IsSet())
	assert.Nil(t, e.Attributes.Teaching, "no type facts, teaching unknown")
}

func TestReconcile_UnknownContainment(t *testing.T) {
	sink := NewDiagnosticsSink()
	other := "http://id.southampton.ac.uk/building/999"
	groups := GroupFacts([]SemanticFact{{Subject: testRoom, Category: FactWithin, Value: other}})

	set := Reconcile([]SpatialPart{roomPart(1, testRoom, "", "")}, groups, map[string]bool{testBuilding: true}, sink)
	e, _ := set.Get(testRoom)
	assert.Empty(t, e.Attributes.Building, "entity kept without containment link")

	errs := sink.WithCategory(CategoryLocation, SeverityError)
	require.Len(t, errs, 1)
	assert.Equal(t, other, errs[0].EntityID)
	assert.Equal(t, MessageUnknownLocation, errs[0].Records[0].Message)
}

func TestMergeFacts_RepeatedUnknownContainment(t *testing.T) {
	sink := NewDiagnosticsSink()
	other := "http://id.southampton.ac.uk/building/999"
	facts := []SemanticFact{{Subject: testRoom, Category: FactWithin, Value: other}}
	e := NewEntityFromPart(roomPart(1, testRoom, "", ""), KindWay)

	MergeFacts(e, facts, nil, sink)
	MergeFacts(e, facts, nil, sink)

	require.Equal(t, 1, sink.Len())
	assert.Equal(t, other, sink.Records()[0].EntityID)
}

func TestReconcile_DuplicateSpatialURI(t *testing.T) {
	sink := NewDiagnosticsSink()
	set := Reconcile([]SpatialPart{
		roomPart(1, testRoom, "", "first"),
		roomPart(2, testRoom, "", "second"),
	}, nil, nil, sink)

	require.Equal(t, 1, set.Len())
	e, _ := set.Get(testRoom)
	assert.Equal(t, "first", e.Attributes.Name)
	assert.Len(t, sink.WithCategory(CategoryDuplicate, SeverityWarning), 1)
}

func TestReconcile_OneEntityPerIdentifier(t *testing.T) {
	other := "http://id.southampton.ac.uk/room/59-2001"
	parts := []SpatialPart{
		roomPart(1, testRoom, "", ""),
		roomPart(2, "", "", "corridor"),
	}
	groups := GroupFacts([]SemanticFact{
		{Subject: testRoom, Category: FactLabel, Value: "a"},
		{Subject: other, Category: FactLabel, Value: "b"},
	})

	set := Reconcile(parts, groups, nil, NewDiagnosticsSink())
	assert.Equal(t, []string{testRoom, other, "osm:way/2"}, set.IDs())
}

func TestMergeFacts_Idempotent(t *testing.T) {
	facts := []SemanticFact{
		{Subject: testRoom, Category: FactLabel, Value: "Lab"},
		{Subject: testRoom, Category: FactType, Value: TypeSyllabusLocation},
		{Subject: testRoom, Category: FactType, Value: "http://purl.org/goodrelations/v1#Location"},
		{Subject: testRoom, Category: FactFeature, Value: "http://id.southampton.ac.uk/feature/projector"},
		{Subject: testRoom, Category: FactContent, Value: "http://id.southampton.ac.uk/feature/desk"},
		{Subject: testRoom, Category: FactImage, Value: "http://example.org/lab.jpg"},
		{Subject: testRoom, Category: FactOffering, Value: "http://id.southampton.ac.uk/offering/1"},
		{Subject: testRoom, Category: FactWithin, Value: testBuilding},
	}
	known := map[string]bool{testBuilding: true}

	once := NewEntityFromPart(roomPart(1, testRoom, "", ""), KindWay)
	MergeFacts(once, facts, known, NewDiagnosticsSink())

	twice := once.Clone()
	MergeFacts(twice, facts, known, NewDiagnosticsSink())

	assert.Equal(t, once, twice)
	assert.Len(t, once.Attributes.Types, 2)
	assert.Len(t, once.Attributes.Features, 1)
	assert.Len(t, once.Attributes.Contents, 1)
	assert.Len(t, once.Attributes.Images, 1)
	assert.Equal(t, []string{"http://id.southampton.ac.uk/offering/1"}, once.Attributes.Offerings)
}
