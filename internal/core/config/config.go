package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/aevon-lab/metricflow/internal/aggregation"
	"github.com/aevon-lab/metricflow/internal/core/queue"
)

// Config represents the top-level application config plus resolved stream rules.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Log          LogConfig          `koanf:"log"`
	Database     DatabaseConfig     `koanf:"database"`
	Aggregation  AggregationConfig  `koanf:"aggregation"`
	Pipeline     PipelineConfig     `koanf:"pipeline"`
	Session      SessionConfig      `koanf:"session"`
	Downsampling DownsamplingConfig `koanf:"downsampling"`
	Retention    RetentionConfig    `koanf:"retention"`
	Cluster      ClusterConfig      `koanf:"cluster"`

	// RuleLoading is populated by Load after parsing rule files.
	RuleLoading RuleLoadingConfig `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // text | json
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // postgres | badger | memory
	DSN          string `koanf:"dsn"`
	Path         string `koanf:"path"`
	InMemory     bool   `koanf:"in_memory"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type AggregationConfig struct {
	ConfigDir    string `koanf:"config_dir"`
	RequireRules bool   `koanf:"require_rules"`
}

// PipelineConfig sizes the L1 and L2 stages and the flush driver.
type PipelineConfig struct {
	L1BufferSize     int     `koanf:"l1_buffer_size"`
	MALBufferDivisor int     `koanf:"mal_buffer_divisor"`
	L1Consumers      int     `koanf:"l1_consumers"`
	L1Strategy       string  `koanf:"l1_strategy"` // blocking | if_possible
	FlushSize        int     `koanf:"flush_size"`
	MALFlushPeriod   string  `koanf:"mal_flush_period"`
	L2BufferSize     int     `koanf:"l2_buffer_size"`
	L2ConsumerFactor float64 `koanf:"l2_consumer_factor"`
	L2ConsumerFloor  int     `koanf:"l2_consumer_floor"`
	IdleBackoff      string  `koanf:"idle_backoff"`
	StallWarning     string  `koanf:"stall_warning"`

	PersistentPeriod  string `koanf:"persistent_period"`
	PersistentMod     int    `koanf:"persistent_mod"` // rounds between hour/day/month flushes
	MaxBatchGet       int    `koanf:"max_batch_get"`
	PrepareThreads    int    `koanf:"prepare_threads"`
	SyncThreads       int    `koanf:"sync_threads"`
	MaxSyncOperations int    `koanf:"max_sync_operations"`
	SkipTTLCheck      bool   `koanf:"skip_ttl_check"`
}

type SessionConfig struct {
	TTL string `koanf:"ttl"`
}

type DownsamplingConfig struct {
	Hour  bool `koanf:"hour"`
	Day   bool `koanf:"day"`
	Month bool `koanf:"month"`
}

type RetentionConfig struct {
	MetricsTTL    string `koanf:"metrics_ttl"`
	CleanupPeriod string `koanf:"cleanup_period"`
}

type ClusterConfig struct {
	NodeID string `koanf:"node_id"`
}

type RuleLoadingConfig struct {
	ConfigDir string
	Rules     []aggregation.StreamRule
}

var durationFields = []struct {
	name  string
	value func(*Config) string
}{
	{"pipeline.mal_flush_period", func(c *Config) string { return c.Pipeline.MALFlushPeriod }},
	{"pipeline.idle_backoff", func(c *Config) string { return c.Pipeline.IdleBackoff }},
	{"pipeline.stall_warning", func(c *Config) string { return c.Pipeline.StallWarning }},
	{"pipeline.persistent_period", func(c *Config) string { return c.Pipeline.PersistentPeriod }},
	{"session.ttl", func(c *Config) string { return c.Session.TTL }},
	{"retention.metrics_ttl", func(c *Config) string { return c.Retention.MetricsTTL }},
	{"retention.cleanup_period", func(c *Config) string { return c.Retention.CleanupPeriod }},
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format %q (must be text or json)", c.Log.Format)
	}

	switch c.Database.Type {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	case "badger":
		if !c.Database.InMemory && strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required for badger")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}

	if strings.TrimSpace(c.Aggregation.ConfigDir) == "" {
		return fmt.Errorf("aggregation.config_dir is required")
	}

	for _, f := range durationFields {
		d, err := time.ParseDuration(f.value(c))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.value(c), err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be >= 0", f.name)
		}
	}
	if c.PersistentPeriod() <= 0 {
		return fmt.Errorf("pipeline.persistent_period must be > 0")
	}

	p := c.Pipeline
	if _, err := queue.ParseStrategy(p.L1Strategy); err != nil {
		return fmt.Errorf("invalid pipeline.l1_strategy: %w", err)
	}
	for name, v := range map[string]int{
		"pipeline.l1_buffer_size":      p.L1BufferSize,
		"pipeline.mal_buffer_divisor":  p.MALBufferDivisor,
		"pipeline.flush_size":          p.FlushSize,
		"pipeline.l2_buffer_size":      p.L2BufferSize,
		"pipeline.l2_consumer_floor":   p.L2ConsumerFloor,
		"pipeline.persistent_mod":      p.PersistentMod,
		"pipeline.max_batch_get":       p.MaxBatchGet,
		"pipeline.prepare_threads":     p.PrepareThreads,
		"pipeline.sync_threads":        p.SyncThreads,
		"pipeline.max_sync_operations": p.MaxSyncOperations,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if p.L1Consumers < 0 {
		return fmt.Errorf("pipeline.l1_consumers must be >= 0 (0 = derive from CPU)")
	}
	if p.L2ConsumerFactor <= 0 {
		return fmt.Errorf("pipeline.l2_consumer_factor must be > 0")
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and validates stream rules.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                  8080,
		"server.host":                  "0.0.0.0",
		"server.max_body_size_mb":      1,
		"server.mode":                  "release",
		"log.level":                    "info",
		"log.format":                   "text",
		"database.type":                "postgres",
		"database.dsn":                 "postgres://localhost:5432/metricflow?sslmode=disable",
		"database.path":                "./data",
		"database.in_memory":           false,
		"database.max_open_conns":      25,
		"database.max_idle_conns":      25,
		"database.auto_migrate":        true,
		"aggregation.config_dir":       "./config/streams",
		"aggregation.require_rules":    true,
		"pipeline.l1_buffer_size":      10000,
		"pipeline.mal_buffer_divisor":  20,
		"pipeline.l1_consumers":        0,
		"pipeline.l1_strategy":         "blocking",
		"pipeline.flush_size":          10000,
		"pipeline.mal_flush_period":    "1s",
		"pipeline.l2_buffer_size":      2000,
		"pipeline.l2_consumer_factor":  1.0,
		"pipeline.l2_consumer_floor":   2,
		"pipeline.idle_backoff":        "20ms",
		"pipeline.stall_warning":       "5s",
		"pipeline.persistent_period":   "25s",
		"pipeline.persistent_mod":      4,
		"pipeline.max_batch_get":       2000,
		"pipeline.prepare_threads":     2,
		"pipeline.sync_threads":        2,
		"pipeline.max_sync_operations": 50000,
		"pipeline.skip_ttl_check":      false,
		"session.ttl":                  "70s",
		"downsampling.hour":            true,
		"downsampling.day":             true,
		"downsampling.month":           false,
		"retention.metrics_ttl":        "168h",
		"retention.cleanup_period":     "5m",
		"cluster.node_id":              "",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("METRICFLOW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "METRICFLOW_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Cluster.NodeID == "" {
		cfg.Cluster.NodeID = uuid.NewString()
	}

	repo, err := aggregation.NewFileSystemRuleRepository(cfg.Aggregation.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream rules: %w", err)
	}
	rules := repo.GetRules()
	if cfg.Aggregation.RequireRules && len(rules) == 0 {
		return nil, fmt.Errorf("no stream rules found in %q", cfg.Aggregation.ConfigDir)
	}

	cfg.RuleLoading = RuleLoadingConfig{
		ConfigDir: cfg.Aggregation.ConfigDir,
		Rules:     rules,
	}

	return &cfg, nil
}

// ParseLevel maps log.level to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", level, err)
	}
	return l, nil
}

func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (c *Config) MALFlushPeriod() time.Duration   { return mustDuration(c.Pipeline.MALFlushPeriod) }
func (c *Config) IdleBackoff() time.Duration      { return mustDuration(c.Pipeline.IdleBackoff) }
func (c *Config) StallWarning() time.Duration     { return mustDuration(c.Pipeline.StallWarning) }
func (c *Config) PersistentPeriod() time.Duration { return mustDuration(c.Pipeline.PersistentPeriod) }
func (c *Config) SessionTTL() time.Duration       { return mustDuration(c.Session.TTL) }
func (c *Config) MetricsTTL() time.Duration       { return mustDuration(c.Retention.MetricsTTL) }
func (c *Config) CleanupPeriod() time.Duration    { return mustDuration(c.Retention.CleanupPeriod) }

// L1Strategy returns the parsed L1 queue strategy. Validate has already checked it.
func (c *Config) L1Strategy() queue.Strategy {
	s, _ := queue.ParseStrategy(c.Pipeline.L1Strategy)
	return s
}
