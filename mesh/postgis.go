package mesh

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/lib/pq"
	"github.com/paulmach/orb"
)

// osm2pgsql queries. The first two columns of every row query are the OSM
// id and the GeoJSON geometry; the rest become attributes by column name.
const (
	buildingsSQL = `select osm_id, ST_AsGeoJSON(ST_Transform(way, 4326), 10) as geom,
		coalesce("addr:housename", name) as name, loc_ref, uri, leisure, height
		from planet_osm_polygon where building is not null and uri is not null`

	buildingPartsSQL = `select osm_id, ST_AsGeoJSON(ST_Transform(way, 4326), 10) as geom,
		ST_AsText(ST_Transform(ST_Centroid(way), 4326)) as center,
		name, buildingpart, ref, uri, amenity, unisex, male, female
		from planet_osm_polygon where buildingpart is not null`

	doorsSQL = `select osm_id, ST_AsGeoJSON(ST_Transform(way, 4326), 10) as geom,
		'door' as buildingpart, door, entrance, name, ref
		from planet_osm_point where door is not null`

	vendingMachinesSQL = `select osm_id, ST_AsGeoJSON(ST_Transform(way, 4326), 10) as geom,
		vending, level, uri
		from planet_osm_point where amenity = 'vending_machine'`

	relationsByTypeSQL = `select id, members, tags from planet_osm_rels where tags @> array['type', $1::text]`

	routeMastersSQL = `select id, members, tags from planet_osm_rels
		where tags @> array['type', 'route_master', $1::text]`

	relationsByIDSQL = `select id, members, tags from planet_osm_rels where id = any($1)`

	wayGeometriesSQL = `select osm_id, ST_AsGeoJSON(ST_Transform(way, 4326), 10)
		from planet_osm_line where osm_id = any($1)`

	wayNodesSQL = `select id, nodes from planet_osm_ways where id = any($1)`

	nodesSQL = `select osm_id, ST_X(ST_Transform(way, 4326)), ST_Y(ST_Transform(way, 4326))
		from planet_osm_point where osm_id = any($1)`
)

// PostGIS reads spatial rows and relations from an osm2pgsql database.
type PostGIS struct {
	db *sql.DB
}

// OpenPostGIS connects using the lib/pq driver
func OpenPostGIS(cfg PostgresConfig) (*PostGIS, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is empty")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return NewPostGIS(db), nil
}

// NewPostGIS wraps an open database handle
func NewPostGIS(db *sql.DB) *PostGIS {
	return &PostGIS{db: db}
}

// Ping checks the connection
func (p *PostGIS) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// Close closes the database handle
func (p *PostGIS) Close() error {
	return p.db.Close()
}

// Buildings returns university buildings with a URI
func (p *PostGIS) Buildings(ctx context.Context) ([]SpatialRow, error) {
	return p.spatialRows(ctx, "buildings", buildingsSQL)
}

// BuildingParts returns rooms, corridors and other indoor parts
func (p *PostGIS) BuildingParts(ctx context.Context) ([]SpatialRow, error) {
	return p.spatialRows(ctx, "building parts", buildingPartsSQL)
}

// Doors returns door nodes
func (p *PostGIS) Doors(ctx context.Context) ([]SpatialRow, error) {
	return p.spatialRows(ctx, "doors", doorsSQL)
}

// VendingMachines returns surveyed vending machines
func (p *PostGIS) VendingMachines(ctx context.Context) ([]SpatialRow, error) {
	return p.spatialRows(ctx, "vending machines", vendingMachinesSQL)
}

// BuildingRelations returns relations tagged type=building
func (p *PostGIS) BuildingRelations(ctx context.Context) ([]RawRelation, error) {
	return p.relations(ctx, relationsByTypeSQL, "building")
}

// RouteMasters returns route_master relations carrying the network tag value
func (p *PostGIS) RouteMasters(ctx context.Context, network string) ([]RawRelation, error) {
	return p.relations(ctx, routeMastersSQL, network)
}

// Relations returns the relations with the given ids. Zero ids is
// ErrEmptyLookup.
func (p *PostGIS) Relations(ctx context.Context, ids []int64) ([]RawRelation, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyLookup
	}
	return p.relations(ctx, relationsByIDSQL, pq.Array(ids))
}

// WayGeometries returns the line geometry of each way found
func (p *PostGIS) WayGeometries(ctx context.Context, ids []int64) (map[int64]orb.LineString, error) {
	rows, err := p.db.QueryContext(ctx, wayGeometriesSQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying way geometries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]orb.LineString, len(ids))
	for rows.Next() {
		var id int64
		var text sql.NullString
		if err := rows.Scan(&id, &text); err != nil {
			return nil, fmt.Errorf("scanning way geometry: %w", err)
		}
		geom, err := ParseGeometry(text.String)
		if err != nil {
			log.Warn("Bad way geometry", "way", id, "err", err)
			continue
		}
		if ls := orbLineString(geom); ls != nil {
			out[id] = ls
		}
	}
	return out, rows.Err()
}

// WayNodes returns the node ids of each way found
func (p *PostGIS) WayNodes(ctx context.Context, ids []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := p.db.QueryContext(ctx, wayNodesSQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying way nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var nodes []int64
		if err := rows.Scan(&id, pq.Array(&nodes)); err != nil {
			return nil, fmt.Errorf("scanning way nodes: %w", err)
		}
		out[id] = nodes
	}
	return out, rows.Err()
}

// Nodes returns the WGS84 position of each node found
func (p *PostGIS) Nodes(ctx context.Context, ids []int64) (map[int64]orb.Point, error) {
	rows, err := p.db.QueryContext(ctx, nodesSQL, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]orb.Point, len(ids))
	for rows.Next() {
		var id int64
		var x, y float64
		if err := rows.Scan(&id, &x, &y); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		out[id] = orb.Point{x, y}
	}
	return out, rows.Err()
}

func (p *PostGIS) relations(ctx context.Context, query string, args ...interface{}) ([]RawRelation, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying relations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RawRelation
	for rows.Next() {
		var raw RawRelation
		if err := rows.Scan(&raw.ID, pq.Array(&raw.Members), pq.Array(&raw.Tags)); err != nil {
			return nil, fmt.Errorf("scanning relation: %w", err)
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// spatialRows runs a row query. NULL columns are left nil so they read as
// absent attributes.
func (p *PostGIS) spatialRows(ctx context.Context, name, query string) ([]SpatialRow, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}
	if len(cols) < 2 {
		return nil, fmt.Errorf("querying %s: expected id and geometry columns", name)
	}

	var out []SpatialRow
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", name, err)
		}

		id, err := strconv.ParseInt(values[0].String, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: bad osm_id %q", name, values[0].String)
		}
		geom, err := ParseGeometry(values[1].String)
		if err != nil {
			log.Warn("Bad geometry", "table", name, "osm_id", id, "err", err)
		}

		row := SpatialRow{ID: id, Geometry: geom, Attributes: make(map[string]*string, len(cols)-2)}
		for i := 2; i < len(cols); i++ {
			if values[i].Valid {
				v := values[i].String
				row.Attributes[cols[i]] = &v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}

	log.Debug("Fetched rows", "table", name, "rows", len(out))
	return out, nil
}
