package mesh

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// FactCategory is the predicate-like category of a semantic assertion.
type FactCategory string

const (
	FactLabel    FactCategory = "label"
	FactType     FactCategory = "type"
	FactWithin   FactCategory = "within"
	FactFeature  FactCategory = "feature"
	FactContent  FactCategory = "content"
	FactImage    FactCategory = "image"
	FactOffering FactCategory = "offering"
)

// Room types that decide the teaching and bookable flags.
const (
	TypeCentrallyBookable = "http://id.southampton.ac.uk/ns/CentrallyBookableSyllabusLocation"
	TypeSyllabusLocation  = "http://id.southampton.ac.uk/ns/SyllabusLocation"
)

// Diagnostic messages other packages match on.
const (
	MessageUnknownTeaching = "unknown (teaching)"
	MessageUnknownLocation = "unknown location"
)

// SemanticFact is one assertion from the fact store.
type SemanticFact struct {
	Subject  string       `json:"subject"`
	Category FactCategory `json:"category"`
	Value    string       `json:"value"`
}

// FactGroups holds facts grouped by subject URI, in arrival order per subject.
type FactGroups map[string][]SemanticFact

// GroupFacts groups facts by subject
func GroupFacts(facts []SemanticFact) FactGroups {
	groups := make(FactGroups)
	for _, f := range facts {
		groups[f.Subject] = append(groups[f.Subject], f)
	}
	return groups
}

// Subjects returns the subjects sorted
func (g FactGroups) Subjects() []string {
	subjects := make([]string, 0, len(g))
	for s := range g {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return subjects
}

// CompositeID is the decomposition of a composite room identifier such as
// http://id.southampton.ac.uk/room/59-1257 (building 59, room 1257, level 1).
type CompositeID struct {
	Building string
	Room     string
	Level    int
	HasLevel bool
}

// DecomposeCompositeURI splits the final path segment of uri into building
// and room codes. The level is the room code without its last three
// characters, when that is an integer.
func DecomposeCompositeURI(uri string) (CompositeID, bool) {
	segment := uri[strings.LastIndex(uri, "/")+1:]
	parts := strings.Split(segment, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CompositeID{}, false
	}

	id := CompositeID{Building: parts[0], Room: parts[1]}
	if len(parts[1]) > 3 {
		if n, err := strconv.Atoi(parts[1][:len(parts[1])-3]); err == nil {
			id.Level = n
			id.HasLevel = true
		}
	}
	return id, true
}

// Reconcile merges spatial parts and semantic fact groups into one entity per
// distinct identifier. The inputs are not modified. Subjects with no spatial
// part become placeholders, taking a weaker-confidence ref and level from
// their composite identifier when it decomposes. knownBuildings is the set of
// building URIs a "within" fact may point at.
func Reconcile(parts []SpatialPart, groups FactGroups, knownBuildings map[string]bool, sink *DiagnosticsSink) *EntitySet {
	set := NewEntitySet()

	for _, part := range parts {
		e := NewEntityFromPart(part, KindWay)
		if e.Attributes.URI == "" && e.Attributes.Ref != "" && e.Attributes.BuildingPart == "room" {
			log.Warn("Room missing URI", "osm_id", part.ID, "ref", e.Attributes.Ref)
		}
		if !set.Add(e) {
			sink.Record(e.ID, SeverityWarning, CategoryDuplicate,
				fmt.Sprintf("spatial part %d shares its URI with an earlier part; ignored", part.ID))
		}
	}

	for _, subject := range groups.Subjects() {
		e, ok := set.Get(subject)
		composite, decomposed := DecomposeCompositeURI(subject)

		if ok {
			if decomposed && e.Attributes.Ref != "" && e.Attributes.Ref != composite.Room {
				sink.Record(e.ID, SeverityWarning, CategoryReconcile,
					fmt.Sprintf("spatial ref %q differs from %q derived from URI; keeping spatial value", e.Attributes.Ref, composite.Room))
			}
		} else {
			e = NewPlaceholder(subject)
			if decomposed {
				e.Attributes.Ref = composite.Room
				if composite.HasLevel {
					e.Attributes.Level = NewLevels(composite.Level)
					e.Attributes.LevelSource = LevelFromURI
				}
			} else {
				log.Debug("Cannot decompose URI", "uri", subject)
			}
			set.Add(e)
		}

		MergeFacts(e, groups[subject], knownBuildings, sink)
	}

	for _, e := range set.Sorted() {
		if e.HasGeometry() {
			continue
		}
		sink.Record(e.ID, SeverityInfo, CategoryGeometry, "no geometry")
		if e.Attributes.IsTeaching() {
			sink.Record(e.ID, SeverityError, CategoryLocation, MessageUnknownTeaching)
		}
	}

	return set
}

// MergeFacts applies semantic facts to an entity. Spatial values take
// precedence: a label only fills an absent name. Applying the same facts
// again leaves the entity unchanged, and the sink drops the repeated
// containment errors.
func MergeFacts(e *Entity, facts []SemanticFact, knownBuildings map[string]bool, sink *DiagnosticsSink) {
	a := &e.Attributes
	sawType := false

	for _, f := range facts {
		switch f.Category {
		case FactLabel:
			if a.Name == "" {
				a.Name = f.Value
			}
		case FactType:
			a.AddType(f.Value)
			sawType = true
		case FactWithin:
			if knownBuildings[f.Value] {
				a.Building = f.Value
			} else {
				sink.Record(f.Value, SeverityError, CategoryLocation, MessageUnknownLocation)
			}
		case FactFeature:
			addFeature(a, RoomFeature{Feature: f.Value})
		case FactContent:
			addContent(a, RoomContent{Feature: f.Value})
		case FactImage:
			a.Images = AddImageVersion(a.Images, ImageVersion{URL: f.Value}, "", "")
		case FactOffering:
			if !containsString(a.Offerings, f.Value) {
				a.Offerings = append(a.Offerings, f.Value)
			}
		default:
			log.Debug("Ignoring fact", "subject", f.Subject, "category", f.Category)
		}
	}

	if sawType {
		teaching, bookable := false, false
		switch {
		case a.HasType(TypeCentrallyBookable):
			teaching, bookable = true, true
		case a.HasType(TypeSyllabusLocation):
			teaching = true
		}
		a.Teaching = &teaching
		a.Bookable = &bookable
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
