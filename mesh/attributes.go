package mesh

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Levels is a sorted, de-duplicated set of floor indices. A single level
// marshals as a JSON scalar, several as an array; an empty set is "unset".
type Levels []int

// NewLevels builds a normalised level set
func NewLevels(values ...int) Levels {
	var l Levels
	for _, v := range values {
		l = l.Add(v)
	}
	return l
}

// Add returns the set with v inserted in order
func (l Levels) Add(v int) Levels {
	i := sort.SearchInts(l, v)
	if i < len(l) && l[i] == v {
		return l
	}
	out := make(Levels, 0, len(l)+1)
	out = append(out, l[:i]...)
	out = append(out, v)
	out = append(out, l[i:]...)
	return out
}

// Contains reports whether v is in the set
func (l Levels) Contains(v int) bool {
	i := sort.SearchInts(l, v)
	return i < len(l) && l[i] == v
}

// IsSet reports whether at least one level is known
func (l Levels) IsSet() bool {
	return len(l) > 0
}

// Scalar returns the single level when the set has exactly one
func (l Levels) Scalar() (int, bool) {
	if len(l) != 1 {
		return 0, false
	}
	return l[0], true
}

// Intersect keeps the members of l that are also in other
func (l Levels) Intersect(other Levels) Levels {
	var out Levels
	for _, v := range l {
		if other.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

// Value returns nil, an int, or a []int for use in a properties map
func (l Levels) Value() interface{} {
	switch len(l) {
	case 0:
		return nil
	case 1:
		return l[0]
	}
	return []int(l)
}

// MarshalJSON collapses single levels to a scalar
func (l Levels) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Value())
}

// UnmarshalJSON accepts a scalar, an array or null
func (l *Levels) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = nil
		return nil
	}
	var single int
	if err := json.Unmarshal(data, &single); err == nil {
		*l = NewLevels(single)
		return nil
	}
	var many []int
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("levels: %w", err)
	}
	*l = NewLevels(many...)
	return nil
}

// LevelSource records how a level was obtained.
type LevelSource string

const (
	LevelFromRelation LevelSource = "relation"
	LevelFromTag      LevelSource = "tag"
	LevelFromURI      LevelSource = "uri" // weaker confidence, derived from a composite identifier
	LevelFromDoor     LevelSource = "door"
)

// Attributes is the typed attribute bag of an entity. Well-known keys have
// fields; anything else from the spatial source lands in Extra.
type Attributes struct {
	Name         string
	Label        string
	Ref          string
	URI          string
	BuildingPart string
	Level        Levels
	LevelSource  LevelSource
	Building     string // URI of the containing building
	Types        []string
	Teaching     *bool
	Bookable     *bool
	Center       *orb.Point // lon, lat
	Services     *Services
	Rooms        map[int][]string // level -> room URIs, buildings only
	Entrances    []int64
	Features     []RoomFeature
	Contents     []RoomContent
	Images       []ImageGroup
	Offerings    []string
	Extra        map[string]string
}

// NewAttributes decodes a spatial attribute row. Nil values are treated as
// absent; well-known keys are parsed into their fields.
func NewAttributes(raw map[string]*string) Attributes {
	var a Attributes
	for key, ptr := range raw {
		if ptr == nil {
			continue
		}
		v := *ptr
		switch key {
		case "name":
			a.Name = v
		case "label":
			a.Label = v
		case "ref":
			a.Ref = v
		case "uri":
			a.URI = v
		case "buildingpart":
			a.BuildingPart = v
		case "level":
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				a.Level = NewLevels(n)
				a.LevelSource = LevelFromTag
			} else {
				a.setExtra(key, v)
			}
		case "center":
			if p, err := ParseWKTPoint(v); err == nil {
				a.Center = &p
			} else {
				a.setExtra(key, v)
			}
		default:
			a.setExtra(key, v)
		}
	}
	return a
}

func (a *Attributes) setExtra(key, value string) {
	if a.Extra == nil {
		a.Extra = make(map[string]string)
	}
	a.Extra[key] = value
}

// AddType inserts t into the sorted type set
func (a *Attributes) AddType(t string) {
	i := sort.SearchStrings(a.Types, t)
	if i < len(a.Types) && a.Types[i] == t {
		return
	}
	a.Types = append(a.Types, "")
	copy(a.Types[i+1:], a.Types[i:])
	a.Types[i] = t
}

// HasType reports whether t is in the type set
func (a *Attributes) HasType(t string) bool {
	i := sort.SearchStrings(a.Types, t)
	return i < len(a.Types) && a.Types[i] == t
}

// IsTeaching reports whether the entity is a teaching space
func (a *Attributes) IsTeaching() bool {
	return a.Teaching != nil && *a.Teaching
}

// Clone returns a deep copy
func (a Attributes) Clone() Attributes {
	c := a
	c.Level = append(Levels(nil), a.Level...)
	c.Types = append([]string(nil), a.Types...)
	if a.Teaching != nil {
		v := *a.Teaching
		c.Teaching = &v
	}
	if a.Bookable != nil {
		v := *a.Bookable
		c.Bookable = &v
	}
	if a.Center != nil {
		p := *a.Center
		c.Center = &p
	}
	if a.Services != nil {
		s := a.Services.clone()
		c.Services = &s
	}
	if a.Rooms != nil {
		c.Rooms = make(map[int][]string, len(a.Rooms))
		for k, v := range a.Rooms {
			c.Rooms[k] = append([]string(nil), v...)
		}
	}
	c.Entrances = append([]int64(nil), a.Entrances...)
	c.Features = append([]RoomFeature(nil), a.Features...)
	c.Contents = append([]RoomContent(nil), a.Contents...)
	c.Images = append([]ImageGroup(nil), a.Images...)
	c.Offerings = append([]string(nil), a.Offerings...)
	if a.Extra != nil {
		c.Extra = make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Properties flattens the attributes into a GeoJSON properties map. Extra
// keys are written first so a well-known field always wins.
func (a Attributes) Properties() map[string]interface{} {
	props := make(map[string]interface{}, len(a.Extra)+8)
	for k, v := range a.Extra {
		props[k] = v
	}

	setString := func(key, value string) {
		if value != "" {
			props[key] = value
		}
	}
	setString("name", a.Name)
	setString("label", a.Label)
	setString("ref", a.Ref)
	setString("uri", a.URI)
	setString("buildingpart", a.BuildingPart)
	setString("building", a.Building)

	if a.Level.IsSet() {
		props["level"] = a.Level.Value()
		if a.LevelSource == LevelFromURI {
			props["levelSource"] = string(a.LevelSource)
		}
	}
	if len(a.Types) > 0 {
		props["types"] = a.Types
	}
	if a.Teaching != nil {
		props["teaching"] = *a.Teaching
	}
	if a.Bookable != nil {
		props["bookable"] = *a.Bookable
	}
	if a.Center != nil {
		// lat, lon order for the web client
		props["center"] = [2]float64{a.Center[1], a.Center[0]}
	}
	if a.Services != nil {
		props["services"] = a.Services
	}
	if a.Rooms != nil {
		props["rooms"] = a.Rooms
	}
	if len(a.Entrances) > 0 {
		props["entrances"] = a.Entrances
	}
	if a.Features != nil {
		props["features"] = a.Features
	}
	if a.Contents != nil {
		props["contents"] = a.Contents
	}
	if a.Images != nil {
		props["images"] = a.Images
	}
	if len(a.Offerings) > 0 {
		props["offerings"] = a.Offerings
	}
	return props
}
