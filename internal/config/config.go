// Package config loads and validates loomd's configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-tunable setting loomd's supervisor wires
// into its subsystems at startup.
type Config struct {
	// Storage.
	DBPath             string
	PoolMin            int
	PoolMax            int
	PoolAcquireTimeout time.Duration
	RunMigrations      bool

	// Integrity guard (spec.md §4.1/§5): quick loop is fixed at 5 minutes;
	// only the full-scan interval is configurable, 0 meaning disabled.
	IntegrityFullIntervalHours int

	// Transports.
	HTTPPort      int
	HTTPReadTimeout time.Duration
	HTTPWriteTimeout time.Duration
	StdioEnabled  bool

	// Backpressure governor thresholds.
	GovernorTickInterval time.Duration

	// Evidence ledger.
	EvidenceRingSize int
	EvidenceSinkPath string

	// Search.
	QualityEmbedderEnabled bool

	// Identity (JWT scoping for the HTTP transport).
	JWTSigningKey string
	JWTExpiration time.Duration

	// Telemetry.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operator surfaces.
	TUIEnabled bool
	LogLevel   string

	// Request/response logging gate (spec.md §6.2): disabled by default,
	// and even when enabled never logs body or headers beyond a fixed
	// allowlist.
	LogRequests bool
}

// Load reads configuration from environment variables with sensible
// defaults. Missing variables use defaults; only malformed values are
// rejected.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		DBPath:           envStr("LOOMD_DB_PATH", "loomd.db"),
		RunMigrations:    true,
		JWTSigningKey:    envStr("LOOMD_JWT_SIGNING_KEY", ""),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "loomd"),
		LogLevel:         envStr("LOOMD_LOG_LEVEL", "info"),
		EvidenceSinkPath: envStr("LOOMD_EVIDENCE_SINK_PATH", ""),
	}

	cfg.PoolMin, errs = collectInt(errs, "LOOMD_POOL_MIN", 1)
	cfg.PoolMax, errs = collectInt(errs, "LOOMD_POOL_MAX", 8)
	cfg.HTTPPort, errs = collectInt(errs, "LOOMD_HTTP_PORT", 8085)
	cfg.IntegrityFullIntervalHours, errs = collectInt(errs, "LOOMD_INTEGRITY_FULL_INTERVAL_HOURS", 24)
	cfg.EvidenceRingSize, errs = collectInt(errs, "LOOMD_EVIDENCE_RING_SIZE", 10000)

	cfg.StdioEnabled, errs = collectBool(errs, "LOOMD_STDIO_ENABLED", true)
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)
	cfg.TUIEnabled, errs = collectBool(errs, "LOOMD_TUI_ENABLED", true)
	cfg.LogRequests, errs = collectBool(errs, "LOOMD_LOG_REQUESTS", false)
	cfg.QualityEmbedderEnabled, errs = collectBool(errs, "LOOMD_QUALITY_EMBEDDER_ENABLED", true)

	cfg.PoolAcquireTimeout, errs = collectDuration(errs, "LOOMD_POOL_ACQUIRE_TIMEOUT", 30*time.Second)
	cfg.HTTPReadTimeout, errs = collectDuration(errs, "LOOMD_HTTP_READ_TIMEOUT", 30*time.Second)
	cfg.HTTPWriteTimeout, errs = collectDuration(errs, "LOOMD_HTTP_WRITE_TIMEOUT", 30*time.Second)
	cfg.GovernorTickInterval, errs = collectDuration(errs, "LOOMD_GOVERNOR_TICK_INTERVAL", 5*time.Second)
	cfg.JWTExpiration, errs = collectDuration(errs, "LOOMD_JWT_EXPIRATION", 24*time.Hour)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c Config) Validate() error {
	var errs []error

	if c.DBPath == "" {
		errs = append(errs, errors.New("config: LOOMD_DB_PATH is required"))
	}
	if c.PoolMin < 1 {
		errs = append(errs, errors.New("config: LOOMD_POOL_MIN must be at least 1"))
	}
	if c.PoolMax < c.PoolMin {
		errs = append(errs, errors.New("config: LOOMD_POOL_MAX must be >= LOOMD_POOL_MIN"))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, errors.New("config: LOOMD_HTTP_PORT must be between 1 and 65535"))
	}
	if c.IntegrityFullIntervalHours < 0 {
		errs = append(errs, errors.New("config: LOOMD_INTEGRITY_FULL_INTERVAL_HOURS must not be negative"))
	}
	if c.PoolAcquireTimeout <= 0 {
		errs = append(errs, errors.New("config: LOOMD_POOL_ACQUIRE_TIMEOUT must be positive"))
	}
	if c.GovernorTickInterval <= 0 {
		errs = append(errs, errors.New("config: LOOMD_GOVERNOR_TICK_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func collectInt(errs []error, key string, fallback int) (int, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid integer", key, v))
	}
	return n, errs
}

func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid boolean", key, v))
	}
	return b, errs
}

func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s=%q is not a valid duration", key, v))
	}
	return d, errs
}
