package mesh

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// Building part kinds that define a door's surroundings.
const (
	PartRoom     = "room"
	PartCorridor = "corridor"
)

// LevelIndex maps OSM ids of building parts to the levels whose level
// relations list them, and building relations to their entrance refs.
type LevelIndex struct {
	levels    map[int64]Levels
	entrances map[int64][]int64
}

// NewLevelIndex creates an empty index
func NewLevelIndex() *LevelIndex {
	return &LevelIndex{
		levels:    make(map[int64]Levels),
		entrances: make(map[int64][]int64),
	}
}

// Add records that ref is on level
func (idx *LevelIndex) Add(ref int64, level int) {
	idx.levels[ref] = idx.levels[ref].Add(level)
}

// Levels returns the levels known for ref
func (idx *LevelIndex) Levels(ref int64) (Levels, bool) {
	l, ok := idx.levels[ref]
	return l, ok
}

// Entrances returns the entrance refs of a building relation in member order
func (idx *LevelIndex) Entrances(buildingRelation int64) []int64 {
	return idx.entrances[buildingRelation]
}

// Len returns the number of parts with at least one level
func (idx *LevelIndex) Len() int {
	return len(idx.levels)
}

func (idx *LevelIndex) addEntrance(buildingRelation, ref int64) {
	for _, existing := range idx.entrances[buildingRelation] {
		if existing == ref {
			return
		}
	}
	idx.entrances[buildingRelation] = append(idx.entrances[buildingRelation], ref)
}

// BuildLevelIndex walks every building relation in the graph. Each member
// whose role starts with "level" names a level relation; that relation's
// "level" tag gives the floor, and its buildingpart and entrance members are
// placed on it. Level relations must already be in the graph.
func BuildLevelIndex(graph *RelationGraph, sink *DiagnosticsSink) *LevelIndex {
	idx := NewLevelIndex()

	for _, building := range graph.OfType("building") {
		buildingID := relationEntityID(building.ID)

		for _, m := range building.MembersWithRolePrefix(RoleLevelPrefix) {
			if m.Kind != KindRelation {
				sink.Record(buildingID, SeverityWarning, CategoryContainment,
					fmt.Sprintf("member %s %d has role %q but is not a relation", m.Kind, m.Ref, m.Role))
				continue
			}

			levelRel, ok := graph.Get(m.Ref)
			if !ok {
				sink.Record(buildingID, SeverityWarning, CategoryContainment,
					fmt.Sprintf("level relation %d not found", m.Ref))
				continue
			}

			level, err := strconv.Atoi(strings.TrimSpace(levelRel.Tags["level"]))
			if err != nil {
				sink.Record(relationEntityID(levelRel.ID), SeverityError, CategoryDecode,
					fmt.Sprintf("level tag %q is not an integer", levelRel.Tags["level"]))
				continue
			}

			for _, part := range levelRel.Members {
				switch part.Role {
				case RoleBuildingPart:
					idx.Add(part.Ref, level)
				case RoleEntrance:
					idx.Add(part.Ref, level)
					idx.addEntrance(building.ID, part.Ref)
				}
			}
		}
	}

	log.Debug("Built level index", "parts", idx.Len())
	return idx
}

// AssignLevels sets the level of every spatial entity found in the index.
// Entities the index does not know are left with no level, whatever their
// level tag said, and get an error with a locator so the part can be found
// on a map.
func AssignLevels(idx *LevelIndex, entities []*Entity, sink *DiagnosticsSink) {
	assigned := 0
	for _, e := range entities {
		if e.Placeholder || e.OSMID == 0 {
			continue
		}
		levels, ok := idx.Levels(e.OSMID)
		if !ok {
			sink.Record(e.ID, SeverityError, CategoryLevel,
				fmt.Sprintf("unknown level at %s", Locator(e.Geometry)))
			e.Attributes.Level = nil
			e.Attributes.LevelSource = ""
			continue
		}
		e.Attributes.Level = append(Levels(nil), levels...)
		e.Attributes.LevelSource = LevelFromRelation
		assigned++
	}
	log.Info("Assigned levels", "parts", assigned, "total", len(entities))
}

// AttachEntrances copies entrance refs from the index onto the building
// entity named by each building relation's uri tag.
func AttachEntrances(idx *LevelIndex, graph *RelationGraph, buildings *EntitySet, sink *DiagnosticsSink) {
	for _, rel := range graph.OfType("building") {
		entrances := idx.Entrances(rel.ID)
		if len(entrances) == 0 {
			continue
		}
		uri := rel.Tags["uri"]
		if uri == "" {
			continue
		}
		b, ok := buildings.Get(uri)
		if !ok {
			sink.Record(uri, SeverityWarning, CategoryContainment,
				fmt.Sprintf("building relation %d has entrances but no building", rel.ID))
			continue
		}
		for _, ref := range entrances {
			if !containsInt64(b.Attributes.Entrances, ref) {
				b.Attributes.Entrances = append(b.Attributes.Entrances, ref)
			}
		}
	}
}

// InferDoorLevels gives each door the level shared by every room and
// corridor whose outline passes through the door's node. wayNodes maps a way
// id to its node ids. The shared level is found by narrowing the first
// part's level set by each further part's set; anything but a single
// survivor leaves the door's level unset and records one error.
func InferDoorLevels(doors []*Entity, wayNodes map[int64][]int64, parts []*Entity, sink *DiagnosticsSink) {
	byNode := make(map[int64][]*Entity)
	for _, p := range parts {
		if p.OSMID == 0 {
			continue
		}
		switch p.Attributes.BuildingPart {
		case PartRoom, PartCorridor:
		default:
			continue
		}
		for _, node := range wayNodes[p.OSMID] {
			byNode[node] = appendUniqueEntity(byNode[node], p)
		}
	}

	for _, door := range doors {
		around := byNode[door.OSMID]

		var levels Levels
		if len(around) > 0 {
			levels = append(Levels(nil), around[0].Attributes.Level...)
			for _, p := range around[1:] {
				levels = levels.Intersect(p.Attributes.Level)
			}
		}

		if level, ok := levels.Scalar(); ok {
			door.Attributes.Level = NewLevels(level)
			door.Attributes.LevelSource = LevelFromDoor
			continue
		}

		door.Attributes.Level = nil
		door.Attributes.LevelSource = ""
		log.Debug("Cannot infer door level", "door", door.OSMID, "parts", len(around), "candidates", len(levels))
		sink.Record(door.ID, SeverityError, CategoryLevel,
			fmt.Sprintf("unknown level for door at %s", Locator(door.Geometry)))
	}
}

// IndexRoomsByLevel lists, on each building, the URIs of its rooms per
// level. Rooms linked to a building but without a level are recorded.
func IndexRoomsByLevel(buildings *EntitySet, rooms []*Entity, sink *DiagnosticsSink) {
	for _, room := range rooms {
		a := room.Attributes
		if a.Building == "" || a.URI == "" {
			continue
		}
		b, ok := buildings.Get(a.Building)
		if !ok {
			continue
		}
		if b.Attributes.Rooms == nil {
			b.Attributes.Rooms = make(map[int][]string)
		}
		if !a.Level.IsSet() {
			sink.Record(room.ID, SeverityWarning, CategoryLevel, "no level for room in building "+a.Building)
			continue
		}
		for _, level := range a.Level {
			if !containsString(b.Attributes.Rooms[level], a.URI) {
				b.Attributes.Rooms[level] = append(b.Attributes.Rooms[level], a.URI)
			}
		}
	}

	for _, b := range buildings.Sorted() {
		for _, uris := range b.Attributes.Rooms {
			sort.Strings(uris)
		}
	}
}

func appendUniqueEntity(list []*Entity, e *Entity) []*Entity {
	for _, existing := range list {
		if existing == e {
			return list
		}
	}
	return append(list, e)
}

func containsInt64(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
