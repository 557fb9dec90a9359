package mesh

import (
	"fmt"
	"sort"
)

// SpatialRow is one row from the geometry store. Nil attribute values are
// absent values.
type SpatialRow struct {
	ID         int64
	Geometry   *Geometry
	Attributes map[string]*string
}

// SpatialPart is a decoded spatial row.
type SpatialPart struct {
	ID         int64
	Geometry   *Geometry
	Attributes Attributes
}

// NewSpatialPart decodes a row into a SpatialPart
func NewSpatialPart(row SpatialRow) SpatialPart {
	return SpatialPart{
		ID:         row.ID,
		Geometry:   row.Geometry,
		Attributes: NewAttributes(row.Attributes),
	}
}

// NewSpatialParts decodes many rows, preserving order
func NewSpatialParts(rows []SpatialRow) []SpatialPart {
	parts := make([]SpatialPart, len(rows))
	for i, row := range rows {
		parts[i] = NewSpatialPart(row)
	}
	return parts
}

// Entity is the reconciled unit handed to the output layer. Geometry may be
// nil: a missing location is reportable, not an error.
type Entity struct {
	ID          string
	OSMID       int64
	Geometry    *Geometry
	Attributes  Attributes
	Placeholder bool
}

// EntityIDFor returns the identifier an entity is keyed by: its URI if known,
// otherwise its OSM element kind and id. Nodes and ways are numbered
// independently, so the kind is part of the key.
func EntityIDFor(kind MemberKind, osmID int64, uri string) string {
	if uri != "" {
		return uri
	}
	return fmt.Sprintf("osm:%s/%d", kind, osmID)
}

// NewEntityFromPart copies a spatial part of the given OSM element kind into
// a new entity. Polygon rows are ways, point rows are nodes.
func NewEntityFromPart(part SpatialPart, kind MemberKind) *Entity {
	return &Entity{
		ID:         EntityIDFor(kind, part.ID, part.Attributes.URI),
		OSMID:      part.ID,
		Geometry:   part.Geometry,
		Attributes: part.Attributes.Clone(),
	}
}

// NewPlaceholder creates a geometry-less entity for a semantic-only subject
func NewPlaceholder(uri string) *Entity {
	return &Entity{
		ID:          uri,
		Attributes:  Attributes{URI: uri},
		Placeholder: true,
	}
}

// HasGeometry reports whether the entity can be drawn
func (e *Entity) HasGeometry() bool {
	return e.Geometry != nil
}

// Clone returns a deep copy. Geometry is shared since it is never mutated.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Attributes = e.Attributes.Clone()
	return &c
}

// ToFeature converts the entity to a GeoJSON feature
func (e *Entity) ToFeature() *Feature {
	f := NewFeature(e.Geometry, e.Attributes.Properties())
	if e.OSMID != 0 {
		f.ID = e.OSMID
	}
	return f
}

// EntitySet holds entities with unique ids.
type EntitySet struct {
	byID map[string]*Entity
}

// NewEntitySet creates an empty set
func NewEntitySet() *EntitySet {
	return &EntitySet{byID: make(map[string]*Entity)}
}

// Add inserts e. It returns false and leaves the set unchanged when an
// entity with the same id is already present.
func (s *EntitySet) Add(e *Entity) bool {
	if _, ok := s.byID[e.ID]; ok {
		return false
	}
	s.byID[e.ID] = e
	return true
}

// Get returns the entity with the given id
func (s *EntitySet) Get(id string) (*Entity, bool) {
	e, ok := s.byID[id]
	return e, ok
}

// Len returns the number of entities
func (s *EntitySet) Len() int {
	return len(s.byID)
}

// IDs returns all ids sorted
func (s *EntitySet) IDs() []string {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sorted returns all entities ordered by id
func (s *EntitySet) Sorted() []*Entity {
	ids := s.IDs()
	out := make([]*Entity, len(ids))
	for i, id := range ids {
		out[i] = s.byID[id]
	}
	return out
}

// ByOSMID indexes entities that carry an OSM id
func (s *EntitySet) ByOSMID() map[int64]*Entity {
	idx := make(map[int64]*Entity)
	for _, e := range s.byID {
		if e.OSMID != 0 {
			idx[e.OSMID] = e
		}
	}
	return idx
}

// URIs returns the set of entity URIs, used as the known-building set
func (s *EntitySet) URIs() map[string]bool {
	uris := make(map[string]bool, len(s.byID))
	for _, e := range s.byID {
		if e.Attributes.URI != "" {
			uris[e.Attributes.URI] = true
		}
	}
	return uris
}

// FeatureCollection converts the set to GeoJSON ordered by id
func (s *EntitySet) FeatureCollection() *FeatureCollection {
	return EntitiesToFeatureCollection(s.Sorted())
}
