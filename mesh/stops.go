package mesh

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
)

// NodeSource resolves node ids to points.
type NodeSource interface {
	Nodes(ctx context.Context, ids []int64) (map[int64]orb.Point, error)
}

// Stop is a bus stop derived from a stop area relation.
type Stop struct {
	AreaID   int64
	NodeID   int64
	Name     string
	URI      string
	Routes   []string
	Location orb.Point
}

// EntityID is the diagnostics key of the stop
func (s *Stop) EntityID() string {
	if s.URI != "" {
		return s.URI
	}
	return relationEntityID(s.AreaID)
}

// ToFeature converts the stop to a GeoJSON Point feature
func (s *Stop) ToFeature() *Feature {
	props := map[string]interface{}{
		"name":   s.Name,
		"routes": s.Routes,
	}
	if s.URI != "" {
		props["uri"] = s.URI
	}
	f := NewFeature(PointGeometry(s.Location), props)
	f.ID = s.NodeID
	return f
}

// BuildStops creates one stop per stop area that has a platform node. Stop
// area relations must already be in the graph; an empty area set is
// ErrEmptyLookup. URIs are rewritten into the local namespace; an
// unrecognised URI is kept as is and recorded.
func BuildStops(ctx context.Context, graph *RelationGraph, areaRoutes StopAreaRoutes, nodes NodeSource, cfg RouteConfig, sink *DiagnosticsSink) ([]*Stop, error) {
	areas, err := graph.Lookup(areaRoutes.IDs())
	if err != nil {
		return nil, fmt.Errorf("build stops: %w", err)
	}

	var stops []*Stop
	var nodeIDs []int64
	for _, area := range areas {
		platform, ok := firstPlatform(area)
		if !ok {
			log.Info("No platform for stop area", "name", area.Tags["name"], "id", area.ID)
			sink.Record(relationEntityID(area.ID), SeverityWarning, CategoryContainment, "no platform for stop area")
			continue
		}
		if platform.Kind != KindNode {
			log.Debug("Skipping non-node platform", "area", area.ID, "kind", platform.Kind)
			continue
		}

		routes := append([]string(nil), areaRoutes[area.ID]...)
		sort.Strings(routes)

		stop := &Stop{
			AreaID: area.ID,
			NodeID: platform.Ref,
			Name:   area.Tags["name"],
			Routes: routes,
		}
		stop.URI = rewriteStop(stop, area.Tags["uri"], cfg.GetStopRewrites(), sink)

		stops = append(stops, stop)
		nodeIDs = append(nodeIDs, platform.Ref)
	}

	if len(nodeIDs) == 0 {
		return stops, nil
	}

	points, err := nodes.Nodes(ctx, nodeIDs)
	if err != nil {
		return nil, fmt.Errorf("build stops: fetching platform nodes: %w", err)
	}

	located := stops[:0]
	for _, s := range stops {
		p, ok := points[s.NodeID]
		if !ok {
			sink.Record(s.EntityID(), SeverityWarning, CategoryGeometry, fmt.Sprintf("platform node %d not found", s.NodeID))
			continue
		}
		s.Location = p
		located = append(located, s)
	}

	sort.Slice(located, func(i, j int) bool { return located[i].AreaID < located[j].AreaID })
	return located, nil
}

func firstPlatform(area *Relation) (Member, bool) {
	for _, m := range area.Members {
		if m.Role == RolePlatform {
			return m, true
		}
	}
	return Member{}, false
}

func rewriteStop(stop *Stop, uri string, rules []URIRewrite, sink *DiagnosticsSink) string {
	if uri == "" {
		sink.Record(relationEntityID(stop.AreaID), SeverityWarning, CategoryStopURI, "stop area has no uri")
		return ""
	}
	rewritten, ok := RewriteStopURI(uri, rules)
	if !ok {
		sink.Record(uri, SeverityWarning, CategoryStopURI, "unrecognised stop URI prefix")
	}
	return rewritten
}
