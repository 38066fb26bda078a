// Package config loads and validates autolog configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all autolog configuration.
type Config struct {
	// Tracking settings.
	TrackingURI   string // "memory:", "sqlite:///path.db", "postgres://...", "http(s)://..."
	TrackingToken string // Bearer token for REST tracking servers.
	HTTPTimeout   time.Duration
	ArtifactRoot  string // Local dir, file://, s3://bucket/prefix or gs://bucket/prefix.
	ExperimentID  string

	// Autologging behavior.
	LogModels  bool
	EveryNIter int
	Exclusive  bool
	Disable    bool
	Silent     bool

	// Metric pipeline.
	FlushInterval   time.Duration
	BatchFlushEvery int
	MaxBatch        int
	SpoolDir        string // Empty means best-effort delivery.

	// OTEL settings.
	OTELEndpoint    string
	OTELInsecure    bool
	ServiceName     string
	MetricsExporter string // "otlp" or "prometheus"

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := envStr
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		TrackingURI:     str("AUTOLOG_TRACKING_URI", "memory:"),
		TrackingToken:   str("AUTOLOG_TRACKING_TOKEN", ""),
		HTTPTimeout:     duration("AUTOLOG_HTTP_TIMEOUT", 30*time.Second),
		ArtifactRoot:    str("AUTOLOG_ARTIFACT_ROOT", "./mlruns"),
		ExperimentID:    str("AUTOLOG_EXPERIMENT_ID", "0"),
		LogModels:       boolean("AUTOLOG_LOG_MODELS", true),
		EveryNIter:      integer("AUTOLOG_EVERY_N_ITER", 1),
		Exclusive:       boolean("AUTOLOG_EXCLUSIVE", false),
		Disable:         boolean("AUTOLOG_DISABLE", false),
		Silent:          boolean("AUTOLOG_SILENT", false),
		FlushInterval:   duration("AUTOLOG_FLUSH_INTERVAL", time.Second),
		BatchFlushEvery: integer("AUTOLOG_BATCH_FLUSH_EVERY", 10),
		MaxBatch:        integer("AUTOLOG_MAX_BATCH", 1000),
		SpoolDir:        str("AUTOLOG_SPOOL_DIR", ""),
		OTELEndpoint:    str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:    boolean("AUTOLOG_OTEL_INSECURE", false),
		ServiceName:     str("OTEL_SERVICE_NAME", "autolog"),
		MetricsExporter: str("AUTOLOG_METRICS_EXPORTER", "otlp"),
		LogLevel:        str("AUTOLOG_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load would produce with an empty environment.
func Default() Config {
	return Config{
		TrackingURI:     "memory:",
		HTTPTimeout:     30 * time.Second,
		ArtifactRoot:    "./mlruns",
		ExperimentID:    "0",
		LogModels:       true,
		EveryNIter:      1,
		FlushInterval:   time.Second,
		BatchFlushEvery: 10,
		MaxBatch:        1000,
		ServiceName:     "autolog",
		MetricsExporter: "otlp",
		LogLevel:        "info",
	}
}

// Validate checks that configuration values are usable.
func (c Config) Validate() error {
	if c.TrackingURI == "" {
		return fmt.Errorf("config: AUTOLOG_TRACKING_URI is required")
	}
	if c.EveryNIter <= 0 {
		return fmt.Errorf("config: AUTOLOG_EVERY_N_ITER must be positive")
	}
	if c.BatchFlushEvery <= 0 {
		return fmt.Errorf("config: AUTOLOG_BATCH_FLUSH_EVERY must be positive")
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("config: AUTOLOG_MAX_BATCH must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: AUTOLOG_FLUSH_INTERVAL must be positive")
	}
	switch c.MetricsExporter {
	case "otlp", "prometheus":
	default:
		return fmt.Errorf("config: AUTOLOG_METRICS_EXPORTER must be otlp or prometheus, got %q", c.MetricsExporter)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
