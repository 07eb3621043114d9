// Package config loads the application configuration: a viper-backed app
// config file with COUNTERS_* environment overrides, plus direct YAML loaders
// for the structured configs (index types, event mappings) that bypass the
// viper singleton.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/SergeyGaydamakov/counters/internal/fact"
	"github.com/SergeyGaydamakov/counters/internal/ingest"
)

// Config is the application configuration.
type Config struct {
	// Mongo connection.
	MongoURI       string `mapstructure:"mongo_uri"`
	Database       string `mapstructure:"database"`
	FactCollection string `mapstructure:"fact_collection"`

	// Worker pool.
	Workers           int           `mapstructure:"workers"`
	WorkerInitTimeout time.Duration `mapstructure:"worker_init_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`

	// Counter computation.
	Mode       string        `mapstructure:"mode"`
	DepthLimit int           `mapstructure:"depth_limit"`
	Depth      time.Duration `mapstructure:"depth"`
	Debug      bool          `mapstructure:"debug"`

	// Structured config files.
	CountersFile string `mapstructure:"counters_file"`
	IndexFile    string `mapstructure:"index_file"`
	MappingsFile string `mapstructure:"mappings_file"`
}

// Load reads the app config. Resolution order: explicit file path (when
// non-empty), then counters.yaml in the working directory, then environment
// variables with the COUNTERS_ prefix, then defaults. A missing config file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("database", "counters")
	v.SetDefault("fact_collection", "facts")
	v.SetDefault("workers", 2)
	v.SetDefault("worker_init_timeout", 30*time.Second)
	v.SetDefault("query_timeout", 10*time.Second)
	v.SetDefault("max_concurrency", 4)
	v.SetDefault("mode", "two-stage")
	v.SetDefault("depth_limit", 1000)
	v.SetDefault("depth", time.Duration(0))
	v.SetDefault("debug", false)
	v.SetDefault("counters_file", "counters-definitions.yaml")
	v.SetDefault("index_file", "index-types.yaml")
	v.SetDefault("mappings_file", "event-mappings.yaml")

	v.SetEnvPrefix("COUNTERS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("counters")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Workers < 2 {
		return fmt.Errorf("config: workers must be at least 2, got %d", c.Workers)
	}
	if c.Mode != "two-stage" && c.Mode != "single-stage" {
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if c.DepthLimit <= 0 || c.DepthLimit > 1000 {
		return fmt.Errorf("config: depth_limit must be in (0, 1000], got %d", c.DepthLimit)
	}
	return nil
}

// LoadIndexTypes reads the index-type configuration from a YAML file.
func LoadIndexTypes(path string) ([]fact.IndexType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read index types: %w", err)
	}
	var types []fact.IndexType
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("config: parse index types %s: %w", path, err)
	}
	return types, nil
}

// LoadMappings reads the event-mapping configuration from a YAML file.
func LoadMappings(path string) ([]ingest.Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read mappings: %w", err)
	}
	var mappings []ingest.Mapping
	if err := yaml.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("config: parse mappings %s: %w", path, err)
	}
	return mappings, nil
}
