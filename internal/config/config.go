// Package config loads registry and agent runtime configuration from the
// environment, following the same override precedence as the rest of the
// mesh: environment variables win over in-code defaults, invalid values are
// a startup error rather than a silent fallback.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the registry service.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	DatabaseURL        string `yaml:"database_url"`
	DBMaxOpenConns     int    `yaml:"db_max_open_conns"`
	DBMaxIdleConns     int    `yaml:"db_max_idle_conns"`
	DBConnMaxLifetime  int    `yaml:"db_conn_max_lifetime"`
	DBBusyTimeoutMs    int    `yaml:"db_busy_timeout_ms"`
	DBJournalMode      string `yaml:"db_journal_mode"`
	DBSynchronous      string `yaml:"db_synchronous"`
	DBEnableForeignKey bool   `yaml:"db_enable_foreign_keys"`

	RegistryName        string `yaml:"registry_name"`
	HealthCheckInterval int    `yaml:"health_check_interval"` // seconds, reaper tick

	DefaultTimeoutThreshold  int `yaml:"default_timeout_threshold"`  // seconds
	DefaultEvictionThreshold int `yaml:"default_eviction_threshold"` // seconds

	CacheTTL            int  `yaml:"cache_ttl"` // seconds
	EnableResponseCache bool `yaml:"enable_response_cache"`

	EnableCORS bool `yaml:"enable_cors"`

	LogLevel  string `yaml:"log_level"`
	DebugMode bool   `yaml:"debug_mode"`

	EnableMetrics    bool `yaml:"enable_metrics"`
	EnablePrometheus bool `yaml:"enable_prometheus"`
	TracingEnabled   bool `yaml:"tracing_enabled"`

	RedisURL string `yaml:"redis_url"` // empty = in-process change bus only

	WatchQueueSize int `yaml:"watch_queue_size"`

	// TrustDomain is the SPIFFE trust domain agents declaring themselves
	// high-security must present an in-domain identity for.
	TrustDomain string `yaml:"trust_domain"`
}

// AgentTypeThresholds are per-agent_type overrides of the health timeouts.
var AgentTypeThresholds = map[string]struct{ Timeout, Eviction int }{
	"file-agent": {90, 180},
	"worker":     {45, 90},
	"critical":   {30, 60},
	"mesh-agent": {60, 120},
}

// LoadFromEnv builds a Config from environment variables, applying the
// documented defaults. If CONFIG_FILE points at a readable YAML file, its
// values seed the config before environment variables are layered on top.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Host:                     "localhost",
		Port:                     8000,
		DatabaseURL:              "agentmesh_registry.db",
		DBMaxOpenConns:           10,
		DBMaxIdleConns:           5,
		DBConnMaxLifetime:        300,
		DBBusyTimeoutMs:          5000,
		DBJournalMode:            "WAL",
		DBSynchronous:            "NORMAL",
		DBEnableForeignKey:       true,
		RegistryName:             "agentmesh-registry",
		HealthCheckInterval:      30,
		DefaultTimeoutThreshold:  60,
		DefaultEvictionThreshold: 120,
		CacheTTL:                 30,
		EnableResponseCache:      true,
		EnableCORS:               true,
		LogLevel:                 "INFO",
		EnableMetrics:            true,
		EnablePrometheus:         true,
		WatchQueueSize:           64,
		TrustDomain:              "agentmesh.internal",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading CONFIG_FILE %s: %w", path, err)
		}
	}

	overrideString(&cfg.Host, "HOST")
	if err := overrideInt(&cfg.Port, "PORT"); err != nil {
		return nil, err
	}
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	if err := overrideInt(&cfg.DBMaxOpenConns, "DB_MAX_OPEN_CONNECTIONS"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.DBMaxIdleConns, "DB_MAX_IDLE_CONNECTIONS"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.DBConnMaxLifetime, "DB_CONN_MAX_LIFETIME"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.DBBusyTimeoutMs, "DB_BUSY_TIMEOUT"); err != nil {
		return nil, err
	}
	overrideString(&cfg.DBJournalMode, "DB_JOURNAL_MODE")
	overrideString(&cfg.DBSynchronous, "DB_SYNCHRONOUS")
	if err := overrideBool(&cfg.DBEnableForeignKey, "DB_ENABLE_FOREIGN_KEYS"); err != nil {
		return nil, err
	}
	overrideString(&cfg.RegistryName, "REGISTRY_NAME")
	if err := overrideInt(&cfg.HealthCheckInterval, "HEALTH_CHECK_INTERVAL"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.DefaultTimeoutThreshold, "DEFAULT_TIMEOUT_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.DefaultEvictionThreshold, "DEFAULT_EVICTION_THRESHOLD"); err != nil {
		return nil, err
	}
	if err := overrideInt(&cfg.CacheTTL, "CACHE_TTL"); err != nil {
		return nil, err
	}
	if err := overrideBool(&cfg.EnableResponseCache, "ENABLE_RESPONSE_CACHE"); err != nil {
		return nil, err
	}
	if err := overrideBool(&cfg.EnableCORS, "ENABLE_CORS"); err != nil {
		return nil, err
	}
	overrideString(&cfg.LogLevel, "MCP_MESH_LOG_LEVEL")
	if err := overrideBool(&cfg.DebugMode, "MCP_MESH_DEBUG_MODE"); err != nil {
		return nil, err
	}
	if err := overrideBool(&cfg.EnableMetrics, "ENABLE_METRICS"); err != nil {
		return nil, err
	}
	if err := overrideBool(&cfg.EnablePrometheus, "ENABLE_PROMETHEUS"); err != nil {
		return nil, err
	}
	if err := overrideBool(&cfg.TracingEnabled, "MCP_MESH_DISTRIBUTED_TRACING_ENABLED"); err != nil {
		return nil, err
	}
	overrideString(&cfg.RedisURL, "REDIS_URL")
	if err := overrideInt(&cfg.WatchQueueSize, "WATCH_QUEUE_SIZE"); err != nil {
		return nil, err
	}
	overrideString(&cfg.TrustDomain, "MCP_MESH_TRUST_DOMAIN")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, cfg)
}

// Validate checks invariants that must hold before the server starts.
// Invalid values are a startup-time error, never a silent fallback.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HealthCheckInterval < 1 {
		return fmt.Errorf("health check interval must be positive: %d", c.HealthCheckInterval)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must be non-negative: %d", c.CacheTTL)
	}
	if c.DefaultTimeoutThreshold <= 0 || c.DefaultEvictionThreshold <= 0 {
		return fmt.Errorf("timeout/eviction thresholds must be positive")
	}
	if c.DefaultEvictionThreshold <= c.DefaultTimeoutThreshold {
		return fmt.Errorf("eviction threshold (%d) must exceed timeout threshold (%d)",
			c.DefaultEvictionThreshold, c.DefaultTimeoutThreshold)
	}

	valid := map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true, "CRITICAL": true}
	if !valid[strings.ToUpper(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.DebugMode {
		c.LogLevel = "DEBUG"
	}
	return nil
}

// HealthCheckIntervalDuration returns the reaper tick as a time.Duration.
func (c *Config) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// ThresholdsFor returns the (timeout, eviction) duration pair for an agent
// type, falling back to the registry-wide defaults.
func (c *Config) ThresholdsFor(agentType string) (timeout, eviction time.Duration) {
	if t, ok := AgentTypeThresholds[agentType]; ok {
		return time.Duration(t.Timeout) * time.Second, time.Duration(t.Eviction) * time.Second
	}
	return time.Duration(c.DefaultTimeoutThreshold) * time.Second,
		time.Duration(c.DefaultEvictionThreshold) * time.Second
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	*dst = n
	return nil
}

func overrideBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %q", key, v)
	}
	*dst = b
	return nil
}

// Watcher watches the file at path and, whenever it changes on disk,
// reloads the config by calling LoadFromEnv (which reads the file named by
// CONFIG_FILE, not path, so the two are expected to name the same file),
// serving the result through Current. cmd/registryd does not create a
// Watcher; it loads its Config once at startup. Fields that require re-initializing a
// resource (DatabaseURL, Host, Port) are loaded but intentionally ignored by
// callers that only read Config through a Watcher — those still require a
// process restart.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher

	mu  sync.RWMutex
	cfg *Config
}

// NewWatcher starts watching path for changes, using initial as the config
// until the first reload. If path is empty, the Watcher never reloads and
// simply serves initial forever.
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	w := &Watcher{path: path, cfg: initial}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting config file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	w.fsw = fsw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFromEnv()
			if err != nil {
				continue // keep serving the last good config
			}
			w.mu.Lock()
			w.cfg = cfg
			w.mu.Unlock()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}
