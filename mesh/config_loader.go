package mesh

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultOutputDir is where data files are written when output.dir is unset.
const DefaultOutputDir = "var"

// Environment variables that override the config file.
const (
	EnvPostgresDSN    = "PG_DSN"
	EnvSPARQLEndpoint = "SPARQL_ENDPOINT"
	EnvMQTTBroker     = "MQTT_BROKER"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvOutputDir      = "OUTPUT_DIR"
)

// LoadConfig loads the unified configuration from a YAML file, applies
// environment overrides and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	ApplyEnv(&config, os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyEnv overrides config fields from the environment. lookup is
// os.LookupEnv outside tests.
func ApplyEnv(config *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvPostgresDSN, &config.Postgres.DSN)
	set(EnvSPARQLEndpoint, &config.SPARQL.Endpoint)
	set(EnvMQTTBroker, &config.MQTT.Broker)
	set(EnvRedisAddr, &config.Redis.Addr)
	set(EnvLogLevel, &config.LogLevel)
	set(EnvOutputDir, &config.Output.Dir)
}

// Validate checks required fields and fills defaults
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.SPARQL.Endpoint == "" {
		return fmt.Errorf("sparql.endpoint is required")
	}
	if c.Output.Dir == "" {
		c.Output.Dir = DefaultOutputDir
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}

	for i, rw := range c.Routes.StopRewrites {
		if rw.Prefix == "" {
			return fmt.Errorf("routes.stopRewrites[%d].prefix is required", i)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
