package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// Route relation tag values.
const (
	RelationRouteMaster = "route_master"
	RelationStopArea    = "stop_area"
)

// RouteError is one discontinuity found while stitching a route. Index is
// the segment at which it was detected.
type RouteError struct {
	Index   int
	Message string
}

func (e RouteError) Error() string {
	return e.Message
}

// RouteErrors lists the discontinuities of one route. A nil value means the
// path was checked and is continuous.
type RouteErrors []RouteError

func (e RouteErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Message
	}
	return strings.Join(msgs, "; ")
}

// AssembleRoute stitches ordered line segments into one path. Each segment
// may be stored in either direction: the first is flipped if its end does
// not meet the second segment, and every later one is appended forwards or
// reversed depending on which of its ends meets the path so far. The shared
// point is kept once. A segment that meets neither way is appended reversed
// and a break is reported, so the caller always gets a usable path.
// Points are compared exactly. Error indices refer to positions in
// segments, empty ones included. The input segments are never modified.
func AssembleRoute(segments []orb.LineString) (orb.LineString, RouteErrors) {
	var errs RouteErrors

	ways := make([]orb.LineString, 0, len(segments))
	pos := make([]int, 0, len(segments))
	for i, s := range segments {
		if len(s) == 0 {
			errs = append(errs, RouteError{Index: i, Message: fmt.Sprintf("empty way at %d", i)})
			continue
		}
		ways = append(ways, s)
		pos = append(pos, i)
	}

	switch len(ways) {
	case 0:
		return orb.LineString{}, errs
	case 1:
		return ways[0].Clone(), errs
	}

	prev := ways[0].Clone()
	if !touches(prev, ways[1]) {
		prev.Reverse()
		if !touches(prev, ways[1]) {
			errs = append(errs, RouteError{Index: pos[0], Message: "cannot determine correct alignment of first way"})
		}
	}

	path := prev.Clone()
	for i := 1; i < len(ways); i++ {
		way := ways[i].Clone()
		end := prev[len(prev)-1]

		// the joining point comes back with the next way
		path = path[:len(path)-1]

		if way[0] != end {
			if way[len(way)-1] != end {
				errs = append(errs, RouteError{Index: pos[i], Message: fmt.Sprintf("break detected at %d", pos[i])})
			}
			way.Reverse()
		}

		path = append(path, way...)
		prev = way
	}

	return path, errs
}

// touches reports whether the end of a meets either end of b
func touches(a, b orb.LineString) bool {
	end := a[len(a)-1]
	return end == b[0] || end == b[len(b)-1]
}

// RewriteStopURI maps an external stop identifier into the local namespace
// using the first rule whose prefix matches. Without a match the URI is
// returned unchanged and ok is false.
func RewriteStopURI(uri string, rules []URIRewrite) (string, bool) {
	for _, r := range rules {
		if strings.HasPrefix(uri, r.Prefix) {
			return r.Replacement + uri[len(r.Prefix):], true
		}
	}
	return uri, false
}

// Route is one digitisation of a numbered service.
type Route struct {
	ID        int64
	Name      string
	Ref       string
	Colour    string
	Note      string
	StopAreas []int64
	Stops     []string
	Path      orb.LineString
	Errors    RouteErrors
}

// EntityID is the diagnostics key of the route
func (r *Route) EntityID() string {
	return relationEntityID(r.ID)
}

// ToFeature converts the route to a GeoJSON LineString feature
func (r *Route) ToFeature() *Feature {
	props := map[string]interface{}{
		"name": r.Name,
		"ref":  r.Ref,
	}
	if r.Colour != "" {
		props["colour"] = r.Colour
	}
	if r.Note != "" {
		props["note"] = r.Note
	}
	if len(r.Stops) > 0 {
		props["stops"] = r.Stops
	}

	var geom *Geometry
	if len(r.Path) > 0 {
		geom = LineStringGeometry(r.Path)
	}
	f := NewFeature(geom, props)
	f.ID = r.ID
	return f
}

// StopAreaRoutes maps stop area relation ids to the refs of routes calling
// there.
type StopAreaRoutes map[int64][]string

func (s StopAreaRoutes) add(area int64, ref string) {
	if !containsString(s[area], ref) {
		s[area] = append(s[area], ref)
	}
}

// IDs returns the stop area ids sorted
func (s StopAreaRoutes) IDs() []int64 {
	ids := make([]int64, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WayGeometrySource resolves way ids to their line geometry.
type WayGeometrySource interface {
	WayGeometries(ctx context.Context, ids []int64) (map[int64]orb.LineString, error)
}

// BuildRoutes builds a Route for every route relation listed by the given
// route masters. Route relations must already be in the graph. Relation
// members of a route are stop areas; way members are the segments to stitch.
// A failed geometry fetch for one route is recorded and the route is kept
// without a path.
func BuildRoutes(ctx context.Context, graph *RelationGraph, masters []*Relation, ways WayGeometrySource, cfg RouteConfig, sink *DiagnosticsSink) ([]*Route, StopAreaRoutes, error) {
	var routes []*Route
	stopAreas := make(StopAreaRoutes)

	for _, master := range masters {
		for _, m := range master.Members {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			if m.Kind != KindRelation {
				continue
			}

			rel, ok := graph.Get(m.Ref)
			if !ok {
				sink.Record(relationEntityID(master.ID), SeverityWarning, CategoryContainment,
					fmt.Sprintf("route relation %d not found", m.Ref))
				continue
			}

			route := &Route{
				ID:     rel.ID,
				Name:   rel.Tags["name"],
				Ref:    rel.Tags["ref"],
				Colour: rel.Tags["colour"],
				Note:   rel.Tags["note"],
			}
			if route.Colour == "" {
				route.Colour = master.Tags["colour"]
			}

			members := rel.Members
			if cfg.ShouldReverseMembers() {
				members = UpstreamMemberOrder(members)
			}

			var wayIDs []int64
			for _, member := range members {
				switch member.Kind {
				case KindRelation:
					route.StopAreas = append(route.StopAreas, member.Ref)
					stopAreas.add(member.Ref, route.Ref)
				case KindWay:
					wayIDs = append(wayIDs, member.Ref)
				}
			}

			route.Path, route.Errors = stitchRoute(ctx, route, wayIDs, ways, sink)
			route.Path = SimplifyPath(route.Path, cfg.SimplifyTolerance)
			routes = append(routes, route)
		}
	}

	return routes, stopAreas, nil
}

func stitchRoute(ctx context.Context, route *Route, wayIDs []int64, ways WayGeometrySource, sink *DiagnosticsSink) (orb.LineString, RouteErrors) {
	if len(wayIDs) == 0 {
		sink.Record(route.EntityID(), SeverityWarning, CategoryGeometry, "route has no ways")
		return nil, nil
	}

	geoms, err := ways.WayGeometries(ctx, wayIDs)
	if err != nil {
		log.Warn("Fetching route ways failed", "route", route.Name, "err", err)
		sink.Record(route.EntityID(), SeverityWarning, CategoryFetch, err.Error())
		return nil, nil
	}

	segments := make([]orb.LineString, 0, len(wayIDs))
	for _, id := range wayIDs {
		ls, ok := geoms[id]
		if !ok {
			sink.Record(route.EntityID(), SeverityWarning, CategoryGeometry, fmt.Sprintf("way %d has no geometry", id))
			continue
		}
		segments = append(segments, ls)
	}

	path, errs := AssembleRoute(segments)
	if errs != nil {
		log.Warn("Geometry errors for route", "route", route.Name, "errors", len(errs))
		for _, e := range errs {
			sink.Record(route.EntityID(), SeverityWarning, CategoryGeometryBreak, e.Message)
		}
	}
	return path, errs
}

// SimplifyPath reduces the vertices of a stitched path with Douglas-Peucker.
// The endpoints are always kept. A non-positive tolerance returns path as is.
func SimplifyPath(path orb.LineString, tolerance float64) orb.LineString {
	if tolerance <= 0 || len(path) <= 2 {
		return path
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(path.Clone()).(orb.LineString)
	if !ok {
		return path
	}
	return simplified
}

// PruneDuplicateRoutes keeps, for each route ref, only the route with the
// most stops; on a tie the earliest wins. Routes without a ref are always
// kept. Input order is preserved.
func PruneDuplicateRoutes(routes []*Route) []*Route {
	best := make(map[string]*Route)
	for _, r := range routes {
		if r.Ref == "" {
			continue
		}
		if cur, ok := best[r.Ref]; !ok || len(r.StopAreas) > len(cur.StopAreas) {
			best[r.Ref] = r
		}
	}

	out := make([]*Route, 0, len(routes))
	for _, r := range routes {
		if r.Ref == "" || best[r.Ref] == r {
			out = append(out, r)
		}
	}
	return out
}

// ResolveRouteStops fills each route's stop URIs from its stop areas, in
// travel order. Areas that produced no stop are skipped.
func ResolveRouteStops(routes []*Route, stops []*Stop) {
	byArea := make(map[int64]*Stop, len(stops))
	for _, s := range stops {
		byArea[s.AreaID] = s
	}
	for _, r := range routes {
		r.Stops = nil
		for _, area := range r.StopAreas {
			if s, ok := byArea[area]; ok && s.URI != "" {
				r.Stops = append(r.Stops, s.URI)
			}
		}
	}
}
