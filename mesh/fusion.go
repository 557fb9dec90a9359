package mesh

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Output collection names.
const (
	CollectionBuildings        = "buildings"
	CollectionBuildingParts    = "buildingParts"
	CollectionWorkstations     = "workstations"
	CollectionBuildingFeatures = "buildingFeatures"
	CollectionBusRoutes        = "busRoutes"
	CollectionBusStops         = "busStops"
)

// SpatialSource is the geometry store the pipeline reads from.
type SpatialSource interface {
	WayGeometrySource
	NodeSource
	Buildings(ctx context.Context) ([]SpatialRow, error)
	BuildingParts(ctx context.Context) ([]SpatialRow, error)
	Doors(ctx context.Context) ([]SpatialRow, error)
	VendingMachines(ctx context.Context) ([]SpatialRow, error)
	BuildingRelations(ctx context.Context) ([]RawRelation, error)
	RouteMasters(ctx context.Context, network string) ([]RawRelation, error)
	Relations(ctx context.Context, ids []int64) ([]RawRelation, error)
	WayNodes(ctx context.Context, ids []int64) (map[int64][]int64, error)
}

// SemanticSource is the fact store the pipeline reads from.
type SemanticSource interface {
	RoomDetailSource
	RoomFacts(ctx context.Context) ([]SemanticFact, error)
	Printers(ctx context.Context) ([]PrinterRecord, error)
	VendingMachines(ctx context.Context) ([]VendingRecord, error)
	Workstations(ctx context.Context) ([]WorkstationRecord, error)
}

// Dataset is everything one fusion run produces.
type Dataset struct {
	RunID            string
	GeneratedAt      time.Time
	Buildings        []*Entity
	BuildingParts    []*Entity
	Workstations     []*Entity
	BuildingFeatures []*Entity
	Routes           []*Route
	Stops            []*Stop
	Diagnostics      *DiagnosticsSink
}

// Collections renders the dataset as named GeoJSON collections
func (d *Dataset) Collections() map[string]*FeatureCollection {
	routes := NewFeatureCollection()
	for _, r := range d.Routes {
		routes.AddFeature(r.ToFeature())
	}
	stops := NewFeatureCollection()
	for _, s := range d.Stops {
		stops.AddFeature(s.ToFeature())
	}

	return map[string]*FeatureCollection{
		CollectionBuildings:        EntitiesToFeatureCollection(d.Buildings),
		CollectionBuildingParts:    EntitiesToFeatureCollection(d.BuildingParts),
		CollectionWorkstations:     EntitiesToFeatureCollection(d.Workstations),
		CollectionBuildingFeatures: EntitiesToFeatureCollection(d.BuildingFeatures),
		CollectionBusRoutes:        routes,
		CollectionBusStops:         stops,
	}
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPrinterLocations supplies surveyed printer positions
func WithPrinterLocations(locations PrinterLocations) PipelineOption {
	return func(p *Pipeline) {
		p.printerLocations = locations
	}
}

// WithMetrics feeds diagnostics and collection sizes into m
func WithMetrics(m *Metrics) PipelineOption {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// Pipeline runs one fusion pass. All per-run state lives in the pass itself.
type Pipeline struct {
	spatial          SpatialSource
	semantic         SemanticSource
	config           *Config
	printerLocations PrinterLocations
	metrics          *Metrics
}

// NewPipeline creates a pipeline over the two sources
func NewPipeline(spatial SpatialSource, semantic SemanticSource, config *Config, opts ...PipelineOption) *Pipeline {
	if config == nil {
		config = &Config{}
	}
	p := &Pipeline{
		spatial:          spatial,
		semantic:         semantic,
		config:           config,
		printerLocations: PrinterLocations{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// bulkInputs is every collection fetched before fusion starts.
type bulkInputs struct {
	buildings    []SpatialRow
	parts        []SpatialRow
	doors        []SpatialRow
	vendingRows  []SpatialRow
	buildingRels []RawRelation
	routeMasters []RawRelation
	roomFacts    []SemanticFact
	printers     []PrinterRecord
	vending      []VendingRecord
	workstations []WorkstationRecord
}

// Run fetches all inputs, fuses them and returns the dataset. Only a failed
// bulk fetch or an empty required lookup aborts the run; everything else is
// recorded in the dataset's diagnostics.
func (p *Pipeline) Run(ctx context.Context) (*Dataset, error) {
	start := time.Now()
	runID := uuid.NewString()
	sink := NewDiagnosticsSink()
	if p.metrics != nil {
		sink.OnRecord(p.metrics.ObserveDiagnostic)
	}
	log.Info("Starting fusion run", "run", runID)

	in, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}

	// relations
	graph := LoadRelations(in.buildingRels, sink)
	if err := p.loadMissing(ctx, graph, levelMembers(graph), sink); err != nil {
		return nil, fmt.Errorf("fetching level relations: %w", err)
	}

	// buildings and reconciliation
	buildings := NewEntitySet()
	for _, part := range NewSpatialParts(in.buildings) {
		e := NewEntityFromPart(part, KindWay)
		if !buildings.Add(e) {
			sink.Record(e.ID, SeverityWarning, CategoryDuplicate, fmt.Sprintf("building %d shares its URI with an earlier building", part.ID))
		}
	}
	entities := Reconcile(NewSpatialParts(in.parts), GroupFacts(in.roomFacts), buildings.URIs(), sink)
	sorted := entities.Sorted()

	// levels
	idx := BuildLevelIndex(graph, sink)
	AssignLevels(idx, sorted, sink)
	AttachEntrances(idx, graph, buildings, sink)

	doors, err := p.inferDoors(ctx, in.doors, sorted, sink)
	if err != nil {
		return nil, err
	}

	// per-entity enrichment
	rooms := roomsWithURI(sorted)
	if err := EnrichRooms(ctx, rooms, p.semantic, p.config.GetConcurrency(), sink); err != nil {
		return nil, fmt.Errorf("enriching rooms: %w", err)
	}
	buildingList := buildings.Sorted()
	if err := EnrichImages(ctx, buildingList, p.semantic, p.config.GetConcurrency(), sink); err != nil {
		return nil, fmt.Errorf("enriching buildings: %w", err)
	}
	IndexRoomsByLevel(buildings, sorted, sink)

	// services
	printers := BuildPrinters(in.printers, p.printerLocations, buildings, sink)
	vending := BuildVendingMachines(NewSpatialParts(in.vendingRows), in.vending, buildings, sink)
	workstations := BuildWorkstations(rooms, in.workstations, buildings, sink)

	// routes
	routes, stops, err := p.buildTransport(ctx, graph, in.routeMasters, sink)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{
		RunID:            runID,
		GeneratedAt:      time.Now().UTC(),
		Buildings:        buildingList,
		BuildingParts:    append(sorted, doors...),
		Workstations:     workstations,
		BuildingFeatures: append(printers, vending...),
		Routes:           routes,
		Stops:            stops,
		Diagnostics:      sink,
	}

	if p.metrics != nil {
		for name, fc := range ds.Collections() {
			p.metrics.SetCollectionSize(name, len(fc.Features))
		}
		p.metrics.ObserveRun(time.Since(start), time.Now())
	}

	log.Info("Fusion run complete",
		"run", runID,
		"buildings", len(ds.Buildings),
		"parts", len(ds.BuildingParts),
		"routes", len(ds.Routes),
		"stops", len(ds.Stops),
		"diagnostics", sink.Len(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return ds, nil
}

// fetch materialises every bulk input concurrently
func (p *Pipeline) fetch(ctx context.Context) (*bulkInputs, error) {
	var in bulkInputs
	network := p.config.Routes.GetNetwork()

	g, gctx := errgroup.WithContext(ctx)
	fetchInto(g, gctx, &in.buildings, "buildings", p.spatial.Buildings)
	fetchInto(g, gctx, &in.parts, "building parts", p.spatial.BuildingParts)
	fetchInto(g, gctx, &in.doors, "doors", p.spatial.Doors)
	fetchInto(g, gctx, &in.vendingRows, "vending machine rows", p.spatial.VendingMachines)
	fetchInto(g, gctx, &in.buildingRels, "building relations", p.spatial.BuildingRelations)
	fetchInto(g, gctx, &in.routeMasters, "route masters", func(ctx context.Context) ([]RawRelation, error) {
		return p.spatial.RouteMasters(ctx, network)
	})
	fetchInto(g, gctx, &in.roomFacts, "room facts", p.semantic.RoomFacts)
	fetchInto(g, gctx, &in.printers, "printers", p.semantic.Printers)
	fetchInto(g, gctx, &in.vending, "vending machines", p.semantic.VendingMachines)
	fetchInto(g, gctx, &in.workstations, "workstations", p.semantic.Workstations)

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &in, nil
}

func fetchInto[T any](g *errgroup.Group, ctx context.Context, dst *T, what string, fn func(context.Context) (T, error)) {
	g.Go(func() error {
		v, err := fn(ctx)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", what, err)
		}
		*dst = v
		return nil
	})
}

// loadMissing fetches relation members not yet in the graph
func (p *Pipeline) loadMissing(ctx context.Context, graph *RelationGraph, members []Member, sink *DiagnosticsSink) error {
	missing := graph.MissingRefs(members)
	if len(missing) == 0 {
		return nil
	}
	raws, err := p.spatial.Relations(ctx, missing)
	if err != nil {
		return err
	}
	graph.AddRaw(raws, sink)
	return nil
}

func levelMembers(graph *RelationGraph) []Member {
	var members []Member
	for _, b := range graph.OfType("building") {
		members = append(members, b.MembersWithRolePrefix(RoleLevelPrefix)...)
	}
	return members
}

// inferDoors decodes door rows and gives them levels from the rooms and
// corridors around them
func (p *Pipeline) inferDoors(ctx context.Context, rows []SpatialRow, parts []*Entity, sink *DiagnosticsSink) ([]*Entity, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	var wayIDs []int64
	for _, e := range parts {
		switch e.Attributes.BuildingPart {
		case PartRoom, PartCorridor:
			if e.OSMID > 0 {
				wayIDs = append(wayIDs, e.OSMID)
			}
		}
	}
	wayNodes, err := p.spatial.WayNodes(ctx, wayIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching way nodes: %w", err)
	}

	doors := make([]*Entity, 0, len(rows))
	for _, part := range NewSpatialParts(rows) {
		doors = append(doors, NewEntityFromPart(part, KindNode))
	}
	InferDoorLevels(doors, wayNodes, parts, sink)
	return doors, nil
}

func (p *Pipeline) buildTransport(ctx context.Context, graph *RelationGraph, masterRaws []RawRelation, sink *DiagnosticsSink) ([]*Route, []*Stop, error) {
	if len(masterRaws) == 0 {
		log.Info("No route masters found", "network", p.config.Routes.GetNetwork())
		return nil, nil, nil
	}

	graph.AddRaw(masterRaws, sink)
	masters := graph.OfType(RelationRouteMaster)

	var routeMembers []Member
	for _, m := range masters {
		routeMembers = append(routeMembers, m.Members...)
	}
	if err := p.loadMissing(ctx, graph, routeMembers, sink); err != nil {
		return nil, nil, fmt.Errorf("fetching route relations: %w", err)
	}

	routes, areaRoutes, err := BuildRoutes(ctx, graph, masters, p.spatial, p.config.Routes, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("building routes: %w", err)
	}
	routes = PruneDuplicateRoutes(routes)

	if len(areaRoutes) == 0 {
		return routes, nil, nil
	}

	var areaMembers []Member
	for _, id := range areaRoutes.IDs() {
		areaMembers = append(areaMembers, Member{Kind: KindRelation, Ref: id})
	}
	if err := p.loadMissing(ctx, graph, areaMembers, sink); err != nil {
		return nil, nil, fmt.Errorf("fetching stop areas: %w", err)
	}

	stops, err := BuildStops(ctx, graph, areaRoutes, p.spatial, p.config.Routes, sink)
	if err != nil {
		return nil, nil, err
	}
	ResolveRouteStops(routes, stops)
	return routes, stops, nil
}

func roomsWithURI(entities []*Entity) []*Entity {
	var rooms []*Entity
	for _, e := range entities {
		if !e.Placeholder && e.Attributes.BuildingPart == PartRoom && e.Attributes.URI != "" {
			rooms = append(rooms, e)
		}
	}
	return rooms
}
