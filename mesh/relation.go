package mesh

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
)

// MemberKind is the OSM element type of a relation member.
type MemberKind string

const (
	KindRelation MemberKind = "relation"
	KindWay      MemberKind = "way"
	KindNode     MemberKind = "node"
	KindUnknown  MemberKind = "unknown"
)

// Member roles used by building, level and route relations.
const (
	RoleLevelPrefix  = "level"
	RoleBuildingPart = "buildingpart"
	RoleEntrance     = "entrance"
	RolePlatform     = "platform"
)

// ErrEmptyLookup is returned when a lookup demanding at least one relation
// is given none. It indicates a caller bug and aborts the run.
var ErrEmptyLookup = errors.New("relation lookup: cannot get 0 relations")

// RawRelation is a planet_osm_rels row: members and tags are flat alternating
// sequences, e.g. members ["w12", "buildingpart", "r7", "level_0"].
type RawRelation struct {
	ID      int64    `json:"id"`
	Members []string `json:"members"`
	Tags    []string `json:"tags"`
}

// Member is one decoded relation member.
type Member struct {
	Kind MemberKind `json:"type"`
	Ref  int64      `json:"ref"`
	Role string     `json:"role"`
}

// Relation is a decoded relation.
type Relation struct {
	ID      int64             `json:"id"`
	Tags    map[string]string `json:"tags"`
	Members []Member          `json:"members"`
}

// DecodeError reports a malformed raw relation.
type DecodeError struct {
	RelationID int64
	Reason     string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode relation %d: %s", e.RelationID, e.Reason)
}

// memberKind maps the single-character osm2pgsql type prefix to a kind.
func memberKind(c byte) MemberKind {
	switch c {
	case 'r':
		return KindRelation
	case 'w':
		return KindWay
	case 'n':
		return KindNode
	}
	return KindUnknown
}

// DecodeRelation decodes a raw relation. Odd-length member or tag sequences
// and non-numeric refs are a *DecodeError. An unrecognised type character is
// logged and the member kept with KindUnknown so counts stay consistent.
// Member order is preserved exactly.
func DecodeRelation(raw RawRelation) (*Relation, error) {
	if len(raw.Members)%2 != 0 {
		return nil, &DecodeError{RelationID: raw.ID, Reason: fmt.Sprintf("odd member sequence length %d", len(raw.Members))}
	}
	if len(raw.Tags)%2 != 0 {
		return nil, &DecodeError{RelationID: raw.ID, Reason: fmt.Sprintf("odd tag sequence length %d", len(raw.Tags))}
	}

	rel := &Relation{
		ID:      raw.ID,
		Tags:    make(map[string]string, len(raw.Tags)/2),
		Members: make([]Member, 0, len(raw.Members)/2),
	}

	for i := 0; i < len(raw.Members); i += 2 {
		encoded := raw.Members[i]
		if len(encoded) < 2 {
			return nil, &DecodeError{RelationID: raw.ID, Reason: fmt.Sprintf("member %d: malformed reference %q", i/2, encoded)}
		}
		kind := memberKind(encoded[0])
		if kind == KindUnknown {
			log.Warn("Unknown member type", "relation", raw.ID, "type", string(encoded[0]))
		}
		ref, err := strconv.ParseInt(encoded[1:], 10, 64)
		if err != nil {
			return nil, &DecodeError{RelationID: raw.ID, Reason: fmt.Sprintf("member %d: bad ref %q", i/2, encoded)}
		}
		rel.Members = append(rel.Members, Member{Kind: kind, Ref: ref, Role: raw.Members[i+1]})
	}

	for i := 0; i < len(raw.Tags); i += 2 {
		rel.Tags[raw.Tags[i]] = raw.Tags[i+1]
	}

	return rel, nil
}

// IsType reports whether the relation carries type=t
func (r *Relation) IsType(t string) bool {
	return r.Tags["type"] == t
}

// MembersWithRole returns members whose role equals role, in member order
func (r *Relation) MembersWithRole(role string) []Member {
	var out []Member
	for _, m := range r.Members {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// MembersWithRolePrefix returns members whose role starts with prefix, in
// member order (e.g. "level" matches "level_0", "level_-1").
func (r *Relation) MembersWithRolePrefix(prefix string) []Member {
	var out []Member
	for _, m := range r.Members {
		if strings.HasPrefix(m.Role, prefix) {
			out = append(out, m)
		}
	}
	return out
}

// UnknownMemberCount returns how many members had an unrecognised type
func (r *Relation) UnknownMemberCount() int {
	n := 0
	for _, m := range r.Members {
		if m.Kind == KindUnknown {
			n++
		}
	}
	return n
}

// UpstreamMemberOrder returns a reversed copy of members. Route relations
// arrive from the database in the opposite order to travel, so route
// stitching consumes them through this step. The input is not modified.
// TODO: confirm against osm2pgsql whether the inversion comes from the
// import or from how routes were mapped; drop this step if the latter.
func UpstreamMemberOrder(members []Member) []Member {
	out := make([]Member, len(members))
	for i, m := range members {
		out[len(members)-1-i] = m
	}
	return out
}

// RelationGraph indexes decoded relations by id.
type RelationGraph struct {
	relations map[int64]*Relation
}

// NewRelationGraph creates an empty graph
func NewRelationGraph() *RelationGraph {
	return &RelationGraph{relations: make(map[int64]*Relation)}
}

// LoadRelations decodes raws into a new graph. Relations that fail to decode
// are recorded in sink and skipped; unknown member kinds are recorded as
// warnings.
func LoadRelations(raws []RawRelation, sink *DiagnosticsSink) *RelationGraph {
	g := NewRelationGraph()
	g.AddRaw(raws, sink)
	return g
}

// AddRaw decodes and adds more relations to the graph
func (g *RelationGraph) AddRaw(raws []RawRelation, sink *DiagnosticsSink) {
	for _, raw := range raws {
		rel, err := DecodeRelation(raw)
		if err != nil {
			log.Error("Skipping relation", "err", err)
			sink.Record(relationEntityID(raw.ID), SeverityError, CategoryDecode, err.Error())
			continue
		}
		if n := rel.UnknownMemberCount(); n > 0 {
			sink.Record(relationEntityID(raw.ID), SeverityWarning, CategoryDecode,
				fmt.Sprintf("%d member(s) with unknown type", n))
		}
		g.Add(rel)
	}
}

// Add inserts or replaces a relation
func (g *RelationGraph) Add(rel *Relation) {
	g.relations[rel.ID] = rel
}

// Get returns the relation with the given id
func (g *RelationGraph) Get(id int64) (*Relation, bool) {
	rel, ok := g.relations[id]
	return rel, ok
}

// Len returns the number of relations
func (g *RelationGraph) Len() int {
	return len(g.relations)
}

// Lookup returns the relations for ids in the order given, skipping ids that
// are not in the graph. Zero ids is ErrEmptyLookup.
func (g *RelationGraph) Lookup(ids []int64) ([]*Relation, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyLookup
	}
	out := make([]*Relation, 0, len(ids))
	for _, id := range ids {
		if rel, ok := g.relations[id]; ok {
			out = append(out, rel)
		}
	}
	return out, nil
}

// Relations returns all relations sorted by id
func (g *RelationGraph) Relations() []*Relation {
	out := make([]*Relation, 0, len(g.relations))
	for _, rel := range g.relations {
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OfType returns relations tagged type=t, sorted by id
func (g *RelationGraph) OfType(t string) []*Relation {
	var out []*Relation
	for _, rel := range g.Relations() {
		if rel.IsType(t) {
			out = append(out, rel)
		}
	}
	return out
}

// MissingRefs returns the refs of relation-kind members that are not yet in
// the graph, de-duplicated and sorted.
func (g *RelationGraph) MissingRefs(members []Member) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, m := range members {
		if m.Kind != KindRelation || seen[m.Ref] {
			continue
		}
		seen[m.Ref] = true
		if _, ok := g.relations[m.Ref]; !ok {
			out = append(out, m.Ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func relationEntityID(id int64) string {
	return fmt.Sprintf("relation/%d", id)
}
