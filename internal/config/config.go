// Package config loads djworker's process-wide configuration from
// environment variables. Configuration is read once at startup and never
// mutated afterward.
package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the settings a Worker needs, sourced from environment
// variables recognized per spec §6.
type Config struct {
	// DatabaseURL is the postgres connection string. Missing is a fatal
	// startup error.
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// SleepDelaySeconds is how long the worker idles between polls when no
	// job was found.
	SleepDelaySeconds int `envconfig:"DJ_SLEEP_DELAY" default:"10"`

	// MaxAttempts is the retry cap before a job is marked permanently failed.
	MaxAttempts int `envconfig:"DJ_MAX_ATTEMPTS" default:"3"`

	// MaxRunTimeSeconds is the per-job execution timeout.
	MaxRunTimeSeconds int `envconfig:"DJ_MAX_RUN_TIME" default:"3600"`

	// Queues is the comma-separated list of queue names this worker polls.
	Queues string `envconfig:"QUEUES" default:"default"`

	// NewRelicLicenseKey and NewRelicAppName, when both set, enable the
	// telemetry recorder (see internal/telemetry).
	NewRelicLicenseKey string `envconfig:"NEW_RELIC_LICENSE_KEY" default:""`
	NewRelicAppName    string `envconfig:"NEW_RELIC_APP_NAME" default:""`

	// LogLevel selects zerolog's minimum level (see internal/logger). Any
	// name zerolog.ParseLevel accepts (debug, info, warn, error, ...) is
	// valid; defaults to info.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load parses environment variables into a Config. DATABASE_URL is required;
// its absence is reported as a fatal config error per spec §7.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	return &cfg, nil
}

// QueueNames splits Queues into its constituent, whitespace-trimmed names,
// rejecting any name that contains a quote or a comma. The lease SQL binds
// the returned slice as a query parameter (queue = ANY($4)) rather than
// interpolating it, so this check is a second line of defense.
func (c *Config) QueueNames() ([]string, error) {
	parts := strings.Split(c.Queues, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if name == "" {
			continue
		}
		if strings.Contains(name, "'") || strings.Contains(name, ",") {
			return nil, fmt.Errorf("invalid queue name %q", name)
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no queue names configured")
	}
	return names, nil
}

// TelemetryEnabled reports whether both New Relic environment variables are
// present, per spec §4.5 / §6.
func (c *Config) TelemetryEnabled() bool {
	return c.NewRelicLicenseKey != "" && c.NewRelicAppName != ""
}
