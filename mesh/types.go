package mesh

import "time"

// DefaultConcurrency bounds the per-entity enrichment fan-out.
const DefaultConcurrency = 8

// DefaultRouteMasterNetwork is the route_master tag value that selects the bus
// network whose routes are stitched.
const DefaultRouteMasterNetwork = "Uni-link"

// DefaultStopRewrites maps the NaPTAN stop-point namespace onto the local
// bus-stop namespace.
var DefaultStopRewrites = []URIRewrite{
	{
		Prefix:      "http://transport.data.gov.uk/id/stop-point/",
		Replacement: "http://id.southampton.ac.uk/bus-stop/",
	},
}

// Config represents the full configuration file
type Config struct {
	Postgres         PostgresConfig `yaml:"postgres" json:"postgres"`
	SPARQL           SPARQLConfig   `yaml:"sparql" json:"sparql"`
	Redis            RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty"`
	MQTT             MQTTConfig     `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	Output           OutputConfig   `yaml:"output" json:"output"`
	Routes           RouteConfig    `yaml:"routes,omitempty" json:"routes,omitempty"`
	PrinterLocations string         `yaml:"printerLocations,omitempty" json:"printerLocations,omitempty"` // YAML file of uri -> {coordinates, level}
	Concurrency      int            `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	LogLevel         string         `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
}

// PostgresConfig holds the osm2pgsql database connection settings
type PostgresConfig struct {
	DSN          string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	MaxOpenConns int    `yaml:"maxOpenConns,omitempty" json:"maxOpenConns,omitempty"`
}

// SPARQLConfig holds the semantic endpoint settings
type SPARQLConfig struct {
	Endpoint       string `yaml:"endpoint" json:"endpoint"`
	TimeoutSeconds int    `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	MaxRetries     int    `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// RedisConfig enables the optional SPARQL response cache when Addr is set
type RedisConfig struct {
	Addr       string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password   string `yaml:"password,omitempty" json:"password,omitempty"`
	DB         int    `yaml:"db,omitempty" json:"db,omitempty"`
	TTLSeconds int    `yaml:"ttlSeconds,omitempty" json:"ttlSeconds,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// OutputConfig controls where the data files and metrics land
type OutputConfig struct {
	Dir         string `yaml:"dir" json:"dir"`
	MetricsFile string `yaml:"metricsFile,omitempty" json:"metricsFile,omitempty"`
}

// RouteConfig controls bus route stitching
type RouteConfig struct {
	Network        string       `yaml:"network,omitempty" json:"network,omitempty"`
	ReverseMembers *bool        `yaml:"reverseMembers,omitempty" json:"reverseMembers,omitempty"`
	StopRewrites   []URIRewrite `yaml:"stopRewrites,omitempty" json:"stopRewrites,omitempty"`

	// SimplifyTolerance thins stitched paths with Douglas-Peucker, in degrees.
	// Zero keeps every vertex.
	SimplifyTolerance float64 `yaml:"simplifyTolerance,omitempty" json:"simplifyTolerance,omitempty"`
}

// URIRewrite replaces a fixed-length source prefix with a local namespace
type URIRewrite struct {
	Prefix      string `yaml:"prefix" json:"prefix"`
	Replacement string `yaml:"replacement" json:"replacement"`
}

// GetConcurrency returns the fan-out limit or DefaultConcurrency if not set
func (c *Config) GetConcurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return DefaultConcurrency
}

// GetSPARQLTimeout returns the request timeout or DefaultFetchTimeout
func (c *Config) GetSPARQLTimeout() time.Duration {
	if c.SPARQL.TimeoutSeconds > 0 {
		return time.Duration(c.SPARQL.TimeoutSeconds) * time.Second
	}
	return DefaultFetchTimeout
}

// GetNetwork returns the route master network tag value
func (rc *RouteConfig) GetNetwork() string {
	if rc.Network != "" {
		return rc.Network
	}
	return DefaultRouteMasterNetwork
}

// ShouldReverseMembers reports whether route relation members are reversed
// before use. Defaults to true.
func (rc *RouteConfig) ShouldReverseMembers() bool {
	if rc.ReverseMembers != nil {
		return *rc.ReverseMembers
	}
	return true
}

// GetStopRewrites returns the configured rewrite rules or DefaultStopRewrites
func (rc *RouteConfig) GetStopRewrites() []URIRewrite {
	if len(rc.StopRewrites) > 0 {
		return rc.StopRewrites
	}
	return DefaultStopRewrites
}
