// Package config provides engine configuration.
//
// This module contains configuration relevant to graph execution:
//   - logging
//   - batch worker pool sizing
//   - gate retry defaults
//   - checkpoint backend selection
//   - server addresses for the serve command
//
// Environment parsing happens through a LookupFunc so that tests never
// touch the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// OSLookup reads the process environment.
var OSLookup LookupFunc = os.LookupEnv

// MapLookup builds a LookupFunc over a fixed map.
func MapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

// Checkpoint backends.
const (
	CheckpointNone   = "none"
	CheckpointRedis  = "redis"
	CheckpointSQLite = "sqlite"
	CheckpointFile   = "file"
)

// EngineConfig holds engine configuration.
type EngineConfig struct {
	// Logging
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`

	// Batch sub-stages
	BatchWorkers int `json:"batch_workers"`
	BatchSize    int `json:"batch_size"`

	// Gates
	DefaultGateMaxRetries int `json:"default_gate_max_retries"`

	// Stages
	StageTimeoutSeconds int `json:"stage_timeout_seconds"` // 0 = no per-stage timeout

	// Run manager
	RecentEventsLimit int `json:"recent_events_limit"`
	BusHistoryLimit   int `json:"bus_history_limit"` // 0 = unbounded

	// Checkpoints (advisory)
	CheckpointBackend string `json:"checkpoint_backend"`
	RedisAddr         string `json:"redis_addr"`
	RedisKeyPrefix    string `json:"redis_key_prefix"`
	SQLitePath        string `json:"sqlite_path"`
	CheckpointDir     string `json:"checkpoint_dir"`

	// Serve
	GRPCAddr     string `json:"grpc_addr"`
	MetricsAddr  string `json:"metrics_addr"`
	OTLPEndpoint string `json:"otlp_endpoint"` // empty = tracing disabled
	ServiceName  string `json:"service_name"`

	// Progress fan-out
	ProgressTopic string `json:"progress_topic"`
}

// DefaultEngineConfig returns an EngineConfig with default values.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		LogLevel: "info",
		LogJSON:  false,

		BatchWorkers: 4,
		BatchSize:    10,

		DefaultGateMaxRetries: 2,

		StageTimeoutSeconds: 0,

		RecentEventsLimit: 10,
		BusHistoryLimit:   10000,

		CheckpointBackend: CheckpointNone,
		RedisAddr:         "localhost:6379",
		RedisKeyPrefix:    "stagegraph:checkpoint:",
		SQLitePath:        "stagegraph.db",
		CheckpointDir:     "checkpoints",

		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		ServiceName: "stagegraph",

		ProgressTopic: "stagegraph.progress",
	}
}

// Validate checks value ranges.
func (c *EngineConfig) Validate() error {
	if c.BatchWorkers < 1 {
		return fmt.Errorf("batch_workers must be >= 1, got %d", c.BatchWorkers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.DefaultGateMaxRetries < 0 {
		return fmt.Errorf("default_gate_max_retries must be >= 0, got %d", c.DefaultGateMaxRetries)
	}
	if c.StageTimeoutSeconds < 0 {
		return fmt.Errorf("stage_timeout_seconds must be >= 0, got %d", c.StageTimeoutSeconds)
	}
	if c.BusHistoryLimit < 0 {
		return fmt.Errorf("bus_history_limit must be >= 0, got %d", c.BusHistoryLimit)
	}
	switch c.CheckpointBackend {
	case CheckpointNone, CheckpointRedis, CheckpointSQLite, CheckpointFile:
	default:
		return fmt.Errorf("checkpoint_backend must be one of none, redis, sqlite, file; got '%s'", c.CheckpointBackend)
	}
	return nil
}

// EngineConfigFromMap creates EngineConfig from a map.
// Unknown keys are ignored.
func EngineConfigFromMap(config map[string]any) *EngineConfig {
	c := DefaultEngineConfig()

	setString := func(key string, dst *string) {
		if v, ok := record.AsString(config[key]); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := record.AsInt(config[key]); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := config[key].(bool); ok {
			*dst = v
		}
	}

	setString("log_level", &c.LogLevel)
	setBool("log_json", &c.LogJSON)
	setInt("batch_workers", &c.BatchWorkers)
	setInt("batch_size", &c.BatchSize)
	setInt("default_gate_max_retries", &c.DefaultGateMaxRetries)
	setInt("stage_timeout_seconds", &c.StageTimeoutSeconds)
	setInt("recent_events_limit", &c.RecentEventsLimit)
	setInt("bus_history_limit", &c.BusHistoryLimit)
	setString("checkpoint_backend", &c.CheckpointBackend)
	setString("redis_addr", &c.RedisAddr)
	setString("redis_key_prefix", &c.RedisKeyPrefix)
	setString("sqlite_path", &c.SQLitePath)
	setString("checkpoint_dir", &c.CheckpointDir)
	setString("grpc_addr", &c.GRPCAddr)
	setString("metrics_addr", &c.MetricsAddr)
	setString("otlp_endpoint", &c.OTLPEndpoint)
	setString("service_name", &c.ServiceName)
	setString("progress_topic", &c.ProgressTopic)

	return c
}

// ToMap converts config to a map.
func (c *EngineConfig) ToMap() map[string]any {
	return map[string]any{
		"log_level":                c.LogLevel,
		"log_json":                 c.LogJSON,
		"batch_workers":            c.BatchWorkers,
		"batch_size":               c.BatchSize,
		"default_gate_max_retries": c.DefaultGateMaxRetries,
		"stage_timeout_seconds":    c.StageTimeoutSeconds,
		"recent_events_limit":      c.RecentEventsLimit,
		"bus_history_limit":        c.BusHistoryLimit,
		"checkpoint_backend":       c.CheckpointBackend,
		"redis_addr":               c.RedisAddr,
		"redis_key_prefix":         c.RedisKeyPrefix,
		"sqlite_path":              c.SQLitePath,
		"checkpoint_dir":           c.CheckpointDir,
		"grpc_addr":                c.GRPCAddr,
		"metrics_addr":             c.MetricsAddr,
		"otlp_endpoint":            c.OTLPEndpoint,
		"service_name":             c.ServiceName,
		"progress_topic":           c.ProgressTopic,
	}
}

// EngineConfigFromEnv overlays STAGEGRAPH_* variables on the defaults.
// Malformed numbers and booleans are reported, not silently ignored.
func EngineConfigFromEnv(lookup LookupFunc) (*EngineConfig, error) {
	c := DefaultEngineConfig()

	strs := map[string]*string{
		"STAGEGRAPH_LOG_LEVEL":          &c.LogLevel,
		"STAGEGRAPH_CHECKPOINT_BACKEND": &c.CheckpointBackend,
		"STAGEGRAPH_REDIS_ADDR":         &c.RedisAddr,
		"STAGEGRAPH_REDIS_KEY_PREFIX":   &c.RedisKeyPrefix,
		"STAGEGRAPH_SQLITE_PATH":        &c.SQLitePath,
		"STAGEGRAPH_CHECKPOINT_DIR":     &c.CheckpointDir,
		"STAGEGRAPH_GRPC_ADDR":          &c.GRPCAddr,
		"STAGEGRAPH_METRICS_ADDR":       &c.MetricsAddr,
		"STAGEGRAPH_OTLP_ENDPOINT":      &c.OTLPEndpoint,
		"STAGEGRAPH_SERVICE_NAME":       &c.ServiceName,
		"STAGEGRAPH_PROGRESS_TOPIC":     &c.ProgressTopic,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"STAGEGRAPH_BATCH_WORKERS":            &c.BatchWorkers,
		"STAGEGRAPH_BATCH_SIZE":               &c.BatchSize,
		"STAGEGRAPH_DEFAULT_GATE_MAX_RETRIES": &c.DefaultGateMaxRetries,
		"STAGEGRAPH_STAGE_TIMEOUT_SECONDS":    &c.StageTimeoutSeconds,
		"STAGEGRAPH_RECENT_EVENTS_LIMIT":      &c.RecentEventsLimit,
		"STAGEGRAPH_BUS_HISTORY_LIMIT":        &c.BusHistoryLimit,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("%s: invalid integer '%s': %w", key, v, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("STAGEGRAPH_LOG_JSON"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("STAGEGRAPH_LOG_JSON: invalid boolean '%s': %w", v, err)
		}
		c.LogJSON = b
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// =============================================================================
// GLOBAL CONFIG (set by the CLI at startup)
// =============================================================================

var (
	globalEngineConfig *EngineConfig
	configMu           sync.RWMutex
)

// GetEngineConfig returns the injected config or defaults.
func GetEngineConfig() *EngineConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalEngineConfig == nil {
		return DefaultEngineConfig()
	}
	return globalEngineConfig
}

// SetEngineConfig sets the engine configuration instance.
func SetEngineConfig(config *EngineConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalEngineConfig = config
}

// ResetEngineConfig resets engine config to nil (useful for testing).
// After reset, GetEngineConfig() will return defaults.
func ResetEngineConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalEngineConfig = nil
}
