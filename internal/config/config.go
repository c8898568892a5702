// Package config provides configuration management for the scenes service.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-scenes"

	// Environment variable names
	EnvPort     = "SCENES_PORT"
	EnvLogLevel = "SCENES_LOG_LEVEL"
	EnvDataDir  = "SCENES_DATA_DIR"

	// Pipeline environment variable names
	EnvPipelinesPython  = "SCENES_PIPELINES_PYTHON"
	EnvPipelinesModule  = "SCENES_PIPELINES_MODULE"
	EnvDetectTimeout    = "SCENES_DETECT_TIMEOUT"
	EnvCacheEntries     = "SCENES_CACHE_ENTRIES"
	EnvRedisAddr        = "SCENES_REDIS_ADDR"
	EnvRedisTTL         = "SCENES_REDIS_TTL"
	EnvBatchWindow      = "SCENES_BATCH_WINDOW"
	EnvLearnSchedule    = "SCENES_LEARN_SCHEDULE"
	EnvMaxOverlap       = "SCENES_MAX_OVERLAP"
	EnvMinGap           = "SCENES_MIN_GAP"
	EnvMinLengthPolicy  = "SCENES_MIN_LENGTH_POLICY"
	EnvDedupThreshold   = "SCENES_DEDUP_THRESHOLD"
	EnvSlowCeiling      = "SCENES_SLOW_CEILING"
	EnvMonitorWindow    = "SCENES_MONITOR_WINDOW"
	EnvMetricsNamespace = "SCENES_METRICS_NAMESPACE"
	EnvIngestURL        = "SCENES_INGEST_URL"
	EnvIngestToken      = "SCENES_INGEST_TOKEN"

	// Database filename
	DBFilename = "scenes.db"

	DefaultPipelinesModule = "heimdex_media_pipelines"
	DefaultDetectTimeout   = 600 // seconds
	DefaultCacheEntries    = 128
	DefaultRedisTTL        = 24 * time.Hour
	DefaultBatchWindow     = 3
	DefaultLearnSchedule   = "@every 6h"
	DefaultMaxOverlap      = 0.1
	DefaultMinGap          = 0.05
	DefaultMinLengthPolicy = "error"
	DefaultDedupThreshold  = 0.5
	DefaultSlowCeiling     = 300 * time.Second
	DefaultMonitorWindow   = 7 * 24 * time.Hour
	DefaultNamespace       = "scenes"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	PipelinesPython() string
	PipelinesModule() string
	DetectTimeout() time.Duration
	CacheEntries() int
	RedisAddr() string
	RedisTTL() time.Duration
	BatchWindow() int
	LearnSchedule() string
	MaxOverlap() float64
	MinGap() float64
	MinLengthPolicy() string
	DedupThreshold() float64
	SlowCeiling() time.Duration
	MonitorWindow() time.Duration
	MetricsNamespace() string
	IngestURL() string
	IngestToken() string
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string

	pipelinesPython string
	pipelinesModule string
	detectTimeout   time.Duration

	cacheEntries int
	redisAddr    string
	redisTTL     time.Duration

	batchWindow   int
	learnSchedule string

	maxOverlap      float64
	minGap          float64
	minLengthPolicy string
	dedupThreshold  float64

	slowCeiling   time.Duration
	monitorWindow time.Duration
	namespace     string

	ingestURL   string
	ingestToken string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:            DefaultPort,
		logLevel:        DefaultLogLevel,
		dataDir:         defaultDataDir(),
		detectTimeout:   DefaultDetectTimeout * time.Second,
		cacheEntries:    DefaultCacheEntries,
		redisTTL:        DefaultRedisTTL,
		batchWindow:     DefaultBatchWindow,
		learnSchedule:   DefaultLearnSchedule,
		maxOverlap:      DefaultMaxOverlap,
		minGap:          DefaultMinGap,
		minLengthPolicy: DefaultMinLengthPolicy,
		dedupThreshold:  DefaultDedupThreshold,
		slowCeiling:     DefaultSlowCeiling,
		monitorWindow:   DefaultMonitorWindow,
		namespace:       DefaultNamespace,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	cfg.pipelinesPython = os.Getenv(EnvPipelinesPython)

	if pm := os.Getenv(EnvPipelinesModule); pm != "" {
		cfg.pipelinesModule = pm
	}

	var err error
	if cfg.detectTimeout, err = durationEnv(EnvDetectTimeout, cfg.detectTimeout); err != nil {
		return nil, err
	}
	if cfg.redisTTL, err = durationEnv(EnvRedisTTL, cfg.redisTTL); err != nil {
		return nil, err
	}
	if cfg.slowCeiling, err = durationEnv(EnvSlowCeiling, cfg.slowCeiling); err != nil {
		return nil, err
	}
	if cfg.monitorWindow, err = durationEnv(EnvMonitorWindow, cfg.monitorWindow); err != nil {
		return nil, err
	}

	if cfg.cacheEntries, err = positiveIntEnv(EnvCacheEntries, cfg.cacheEntries); err != nil {
		return nil, err
	}
	if cfg.batchWindow, err = positiveIntEnv(EnvBatchWindow, cfg.batchWindow); err != nil {
		return nil, err
	}

	if cfg.maxOverlap, err = floatEnv(EnvMaxOverlap, cfg.maxOverlap); err != nil {
		return nil, err
	}
	if cfg.minGap, err = floatEnv(EnvMinGap, cfg.minGap); err != nil {
		return nil, err
	}
	if cfg.dedupThreshold, err = floatEnv(EnvDedupThreshold, cfg.dedupThreshold); err != nil {
		return nil, err
	}
	if cfg.dedupThreshold < 0 || cfg.dedupThreshold > 1 {
		return nil, fmt.Errorf("invalid %s: must be between 0 and 1", EnvDedupThreshold)
	}

	if p := os.Getenv(EnvMinLengthPolicy); p != "" {
		if p != "error" && p != "warn" {
			return nil, fmt.Errorf("invalid %s: must be error or warn", EnvMinLengthPolicy)
		}
		cfg.minLengthPolicy = p
	}

	cfg.redisAddr = os.Getenv(EnvRedisAddr)

	if s := os.Getenv(EnvLearnSchedule); s != "" {
		cfg.learnSchedule = s
	}
	if ns := os.Getenv(EnvMetricsNamespace); ns != "" {
		cfg.namespace = ns
	}

	if u := os.Getenv(EnvIngestURL); u != "" {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return nil, fmt.Errorf("invalid %s: must be an http(s) URL", EnvIngestURL)
		}
		cfg.ingestURL = u
	}
	cfg.ingestToken = os.Getenv(EnvIngestToken)

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

func (c *EnvConfig) PipelinesPython() string {
	return c.pipelinesPython
}

func (c *EnvConfig) PipelinesModule() string {
	if c.pipelinesModule != "" {
		return c.pipelinesModule
	}
	return DefaultPipelinesModule
}

// DetectTimeout bounds a single external detector call.
func (c *EnvConfig) DetectTimeout() time.Duration {
	return c.detectTimeout
}

// CacheEntries is the capacity of the in-process result cache tier.
func (c *EnvConfig) CacheEntries() int {
	return c.cacheEntries
}

// RedisAddr enables the shared cache tier when non-empty.
func (c *EnvConfig) RedisAddr() string {
	return c.redisAddr
}

func (c *EnvConfig) RedisTTL() time.Duration {
	return c.redisTTL
}

func (c *EnvConfig) BatchWindow() int {
	return c.batchWindow
}

// LearnSchedule is a robfig/cron spec for periodic threshold learning.
// An empty value or "off" disables the schedule.
func (c *EnvConfig) LearnSchedule() string {
	return c.learnSchedule
}

func (c *EnvConfig) MaxOverlap() float64 {
	return c.maxOverlap
}

func (c *EnvConfig) MinGap() float64 {
	return c.minGap
}

// MinLengthPolicy is "error" or "warn".
func (c *EnvConfig) MinLengthPolicy() string {
	return c.minLengthPolicy
}

func (c *EnvConfig) DedupThreshold() float64 {
	return c.dedupThreshold
}

func (c *EnvConfig) SlowCeiling() time.Duration {
	return c.slowCeiling
}

func (c *EnvConfig) MonitorWindow() time.Duration {
	return c.monitorWindow
}

func (c *EnvConfig) MetricsNamespace() string {
	return c.namespace
}

// IngestURL enables publishing completed detections when non-empty.
func (c *EnvConfig) IngestURL() string {
	return c.ingestURL
}

func (c *EnvConfig) IngestToken() string {
	return c.ingestToken
}

// durationEnv accepts Go duration strings ("90s") or bare seconds ("90").
func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("invalid %s: must be positive", key)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func positiveIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid %s: must be at least 1", key)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return f, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
