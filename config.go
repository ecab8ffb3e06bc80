package documap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the connection settings a DB handle is opened with.
type Config struct {
	// URI is the deployment connection string, eg. mongodb://localhost:27017
	URI string `yaml:"uri"`

	// Database is the name of the database to bind to
	Database string `yaml:"database"`

	// AppName is reported to the server for connection diagnostics
	AppName string `yaml:"app_name"`

	// Debug enables query logging when no logger was supplied
	Debug bool `yaml:"debug"`

	// LogFormat selects "json" or console output for the debug logger
	LogFormat string `yaml:"log_format"`

	// DerefCacheSize enables an in-process cache of dereferenced
	// documents when greater than zero
	DerefCacheSize int `yaml:"deref_cache_size"`
}

// NewConfig reads and parses a yaml config file.
func NewConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("documap: config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("documap: config %s: %w", path, err)
	}
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("documap: config %s: database name is required", path)
	}
	return &cfg, nil
}
