// Package config provides environment-driven configuration for SiteSync.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the runtime configuration for the offline sync engine.
type Config struct {
	DataDir        string        `envconfig:"SITESYNC_DATA_DIR" default:"./data"`
	APIBaseURL     string        `envconfig:"SITESYNC_API_BASE_URL" default:"http://localhost:8080"`
	APIHealthPath  string        `envconfig:"SITESYNC_API_HEALTH_PATH" default:"/api/health"`
	RequestTimeout time.Duration `envconfig:"SITESYNC_REQUEST_TIMEOUT" default:"30s"`
	FlushInterval  time.Duration `envconfig:"SITESYNC_FLUSH_INTERVAL" default:"30s"`
	ProbeInterval  time.Duration `envconfig:"SITESYNC_PROBE_INTERVAL" default:"10s"`
	PhotoRetention time.Duration `envconfig:"SITESYNC_PHOTO_RETENTION" default:"60s"`
	CacheMaxAge    time.Duration `envconfig:"SITESYNC_CACHE_MAX_AGE" default:"168h"`
	LogLevel       string        `envconfig:"SITESYNC_LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment, applying defaults for
// unset variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return &cfg, nil
}
