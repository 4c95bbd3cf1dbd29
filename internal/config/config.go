// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ManifestConfig struct {
	SchemaVersion            string        `mapstructure:"schema_version"`
	DefaultMemory             int64         `mapstructure:"default_memory_bytes"`
	DefaultExecutionTime      time.Duration `mapstructure:"default_execution_time"`
	DefaultStorage            int64         `mapstructure:"default_storage_bytes"`
	DefaultAPICallsPerMinute  int           `mapstructure:"default_api_calls_per_minute"`
	DefaultNetworkReqsPerMin  int           `mapstructure:"default_network_requests_per_minute"`
}

type CapabilityConfig struct {
	KeyRotationInterval time.Duration `mapstructure:"key_rotation_interval"`
	TokenMaxTTL         time.Duration `mapstructure:"token_max_ttl"`
	UsageRingSize       int           `mapstructure:"usage_ring_size"`
	CacheCleanupPeriod  time.Duration `mapstructure:"cache_cleanup_period"`
}

type GuardConfig struct {
	WildcardNodeType string `mapstructure:"wildcard_node_type"`
}

type RateLimiterConfig struct {
	WindowMs          int64   `mapstructure:"window_ms"`
	DefaultLimit      int     `mapstructure:"default_limit"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	GlobalBurst       int     `mapstructure:"global_burst"`
	GlobalRatePerSec  float64 `mapstructure:"global_rate_per_sec"`
}

type GuestHostConfig struct {
	MemoryCapBytes      int64         `mapstructure:"memory_cap_bytes"`
	PerCallBudget       time.Duration `mapstructure:"per_call_budget"`
	InterruptPollPeriod time.Duration `mapstructure:"interrupt_poll_period"`
}

type ResourceMonitorConfig struct {
	WindowDuration      time.Duration `mapstructure:"window_duration"`
	WarningThreshold    float64       `mapstructure:"warning_threshold"`
	CriticalThreshold   float64       `mapstructure:"critical_threshold"`
	SnapshotInterval    time.Duration `mapstructure:"snapshot_interval"`
	SnapshotHistorySize int           `mapstructure:"snapshot_history_size"`
	GopsutilCrossCheck  bool          `mapstructure:"gopsutil_cross_check"`
}

type QuotaConfig struct {
	WarningsBeforeEscalation int           `mapstructure:"warnings_before_escalation"`
	ThrottleCooldown         time.Duration `mapstructure:"throttle_cooldown"`
	SuspendDuration          time.Duration `mapstructure:"suspend_duration"`
	AutoResume               bool          `mapstructure:"auto_resume"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"`
}

type BehaviorConfig struct {
	MaxEventsPerPlugin     int           `mapstructure:"max_events_per_plugin"`
	LearningPeriod         time.Duration `mapstructure:"learning_period"`
	MinEventsForDetection  int           `mapstructure:"min_events_for_detection"`
	SequenceRingSize       int           `mapstructure:"sequence_ring_size"`
	SpikeSensitivity       float64       `mapstructure:"spike_sensitivity"`
}

type StaticAnalyzerConfig struct {
	BlockOnCritical bool `mapstructure:"block_on_critical"`
	BlockOnError    bool `mapstructure:"block_on_error"`
	LongLineLength  int  `mapstructure:"long_line_length"`
}

type BrokerConfig struct {
	MaxInFlightPerPlugin int `mapstructure:"max_in_flight_per_plugin"`
}

type AuditConfig struct {
	LogPath      string   `mapstructure:"log_path"`
	MaxSizeMB    int      `mapstructure:"max_size_mb"`
	MaxBackups   int      `mapstructure:"max_backups"`
	MaxAgeDays   int      `mapstructure:"max_age_days"`
	Compress     bool     `mapstructure:"compress"`
	SensitiveKeys []string `mapstructure:"sensitive_keys"`
}

type AlertConfig struct {
	CooldownPeriod  time.Duration `mapstructure:"cooldown_period"`
	MaxPerPlugin    int           `mapstructure:"max_per_plugin"`
	RetentionPeriod time.Duration `mapstructure:"retention_period"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Redis   Redis  `mapstructure:"redis"`
	SQLite  SQLite `mapstructure:"sqlite"`
}

type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type SQLite struct {
	Path string `mapstructure:"path"`
}

type AdminAPIConfig struct {
	Addr string `mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Manifest      ManifestConfig       `mapstructure:"manifest"`
	Capability    CapabilityConfig     `mapstructure:"capability"`
	Guard         GuardConfig          `mapstructure:"guard"`
	RateLimiter   RateLimiterConfig    `mapstructure:"rate_limiter"`
	GuestHost     GuestHostConfig      `mapstructure:"guest_host"`
	Resource      ResourceMonitorConfig `mapstructure:"resource"`
	Quota         QuotaConfig          `mapstructure:"quota"`
	Behavior      BehaviorConfig       `mapstructure:"behavior"`
	StaticAnalyzer StaticAnalyzerConfig `mapstructure:"static_analyzer"`
	Broker        BrokerConfig         `mapstructure:"broker"`
	Audit         AuditConfig          `mapstructure:"audit"`
	Alert         AlertConfig          `mapstructure:"alert"`
	Storage       StorageConfig        `mapstructure:"storage"`
	AdminAPI      AdminAPIConfig       `mapstructure:"admin_api"`
	Observability ObservabilityConfig  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Manifest: ManifestConfig{
			SchemaVersion:            "1.0.0",
			DefaultMemory:            64 * 1024 * 1024,
			DefaultExecutionTime:     50 * time.Millisecond,
			DefaultStorage:           10 * 1024 * 1024,
			DefaultAPICallsPerMinute: 1000,
			DefaultNetworkReqsPerMin: 60,
		},
		Capability: CapabilityConfig{
			KeyRotationInterval: 24 * time.Hour,
			TokenMaxTTL:         1 * time.Hour,
			UsageRingSize:       256,
			CacheCleanupPeriod:  5 * time.Minute,
		},
		Guard: GuardConfig{
			WildcardNodeType: "*",
		},
		RateLimiter: RateLimiterConfig{
			WindowMs:         60_000,
			DefaultLimit:     1000,
			CleanupInterval:  1 * time.Minute,
			GlobalBurst:      200,
			GlobalRatePerSec: 500,
		},
		GuestHost: GuestHostConfig{
			MemoryCapBytes:      64 * 1024 * 1024,
			PerCallBudget:       50 * time.Millisecond,
			InterruptPollPeriod: 1 * time.Millisecond,
		},
		Resource: ResourceMonitorConfig{
			WindowDuration:      1 * time.Minute,
			WarningThreshold:    0.8,
			CriticalThreshold:   1.0,
			SnapshotInterval:    5 * time.Second,
			SnapshotHistorySize: 100,
			GopsutilCrossCheck:  true,
		},
		Quota: QuotaConfig{
			WarningsBeforeEscalation: 3,
			ThrottleCooldown:         30 * time.Second,
			SuspendDuration:          5 * time.Minute,
			AutoResume:               true,
			SweepInterval:            10 * time.Second,
		},
		Behavior: BehaviorConfig{
			MaxEventsPerPlugin:    10_000,
			LearningPeriod:        5 * time.Minute,
			MinEventsForDetection: 50,
			SequenceRingSize:      50,
			SpikeSensitivity:      1.0,
		},
		StaticAnalyzer: StaticAnalyzerConfig{
			BlockOnCritical: true,
			BlockOnError:    false,
			LongLineLength:  500,
		},
		Broker: BrokerConfig{
			MaxInFlightPerPlugin: 32,
		},
		Audit: AuditConfig{
			LogPath:       "./data/audit.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			SensitiveKeys: []string{"password", "token", "secret", "apikey", "api_key", "authorization"},
		},
		Alert: AlertConfig{
			CooldownPeriod:  1 * time.Minute,
			MaxPerPlugin:    100,
			RetentionPeriod: 24 * time.Hour,
			SweepInterval:   1 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Redis: Redis{
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				KeyPrefix:    "pluginguard:",
			},
			SQLite: SQLite{Path: "./data/plugin-guard.db"},
		},
		AdminAPI: AdminAPIConfig{Addr: ":8090"},
		Observability: ObservabilityConfig{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, SamplingStrategy: "probabilistic", SamplingRate: 0.1},
		},
	}
}

// Load reads configuration from a YAML file with env overrides layered on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PLUGINGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("manifest.schema_version", def.Manifest.SchemaVersion)
	v.SetDefault("manifest.default_memory_bytes", def.Manifest.DefaultMemory)
	v.SetDefault("manifest.default_execution_time", def.Manifest.DefaultExecutionTime)
	v.SetDefault("manifest.default_storage_bytes", def.Manifest.DefaultStorage)
	v.SetDefault("manifest.default_api_calls_per_minute", def.Manifest.DefaultAPICallsPerMinute)
	v.SetDefault("manifest.default_network_requests_per_minute", def.Manifest.DefaultNetworkReqsPerMin)

	v.SetDefault("capability.key_rotation_interval", def.Capability.KeyRotationInterval)
	v.SetDefault("capability.token_max_ttl", def.Capability.TokenMaxTTL)
	v.SetDefault("capability.usage_ring_size", def.Capability.UsageRingSize)
	v.SetDefault("capability.cache_cleanup_period", def.Capability.CacheCleanupPeriod)

	v.SetDefault("guard.wildcard_node_type", def.Guard.WildcardNodeType)

	v.SetDefault("rate_limiter.window_ms", def.RateLimiter.WindowMs)
	v.SetDefault("rate_limiter.default_limit", def.RateLimiter.DefaultLimit)
	v.SetDefault("rate_limiter.cleanup_interval", def.RateLimiter.CleanupInterval)
	v.SetDefault("rate_limiter.global_burst", def.RateLimiter.GlobalBurst)
	v.SetDefault("rate_limiter.global_rate_per_sec", def.RateLimiter.GlobalRatePerSec)

	v.SetDefault("guest_host.memory_cap_bytes", def.GuestHost.MemoryCapBytes)
	v.SetDefault("guest_host.per_call_budget", def.GuestHost.PerCallBudget)
	v.SetDefault("guest_host.interrupt_poll_period", def.GuestHost.InterruptPollPeriod)

	v.SetDefault("resource.window_duration", def.Resource.WindowDuration)
	v.SetDefault("resource.warning_threshold", def.Resource.WarningThreshold)
	v.SetDefault("resource.critical_threshold", def.Resource.CriticalThreshold)
	v.SetDefault("resource.snapshot_interval", def.Resource.SnapshotInterval)
	v.SetDefault("resource.snapshot_history_size", def.Resource.SnapshotHistorySize)
	v.SetDefault("resource.gopsutil_cross_check", def.Resource.GopsutilCrossCheck)

	v.SetDefault("quota.warnings_before_escalation", def.Quota.WarningsBeforeEscalation)
	v.SetDefault("quota.throttle_cooldown", def.Quota.ThrottleCooldown)
	v.SetDefault("quota.suspend_duration", def.Quota.SuspendDuration)
	v.SetDefault("quota.auto_resume", def.Quota.AutoResume)
	v.SetDefault("quota.sweep_interval", def.Quota.SweepInterval)

	v.SetDefault("behavior.max_events_per_plugin", def.Behavior.MaxEventsPerPlugin)
	v.SetDefault("behavior.learning_period", def.Behavior.LearningPeriod)
	v.SetDefault("behavior.min_events_for_detection", def.Behavior.MinEventsForDetection)
	v.SetDefault("behavior.sequence_ring_size", def.Behavior.SequenceRingSize)
	v.SetDefault("behavior.spike_sensitivity", def.Behavior.SpikeSensitivity)

	v.SetDefault("static_analyzer.block_on_critical", def.StaticAnalyzer.BlockOnCritical)
	v.SetDefault("static_analyzer.block_on_error", def.StaticAnalyzer.BlockOnError)
	v.SetDefault("static_analyzer.long_line_length", def.StaticAnalyzer.LongLineLength)

	v.SetDefault("broker.max_in_flight_per_plugin", def.Broker.MaxInFlightPerPlugin)

	v.SetDefault("audit.log_path", def.Audit.LogPath)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", def.Audit.MaxAgeDays)
	v.SetDefault("audit.compress", def.Audit.Compress)
	v.SetDefault("audit.sensitive_keys", def.Audit.SensitiveKeys)

	v.SetDefault("alert.cooldown_period", def.Alert.CooldownPeriod)
	v.SetDefault("alert.max_per_plugin", def.Alert.MaxPerPlugin)
	v.SetDefault("alert.retention_period", def.Alert.RetentionPeriod)
	v.SetDefault("alert.sweep_interval", def.Alert.SweepInterval)

	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.redis.addr", def.Storage.Redis.Addr)
	v.SetDefault("storage.redis.dial_timeout", def.Storage.Redis.DialTimeout)
	v.SetDefault("storage.redis.read_timeout", def.Storage.Redis.ReadTimeout)
	v.SetDefault("storage.redis.write_timeout", def.Storage.Redis.WriteTimeout)
	v.SetDefault("storage.redis.key_prefix", def.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.sqlite.path", def.Storage.SQLite.Path)

	v.SetDefault("admin_api.addr", def.AdminAPI.Addr)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_strategy", def.Observability.Tracing.SamplingStrategy)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.SamplingRate)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Manifest.DefaultMemory <= 0 {
		return fmt.Errorf("manifest.default_memory_bytes must be > 0")
	}
	if cfg.RateLimiter.WindowMs <= 0 {
		return fmt.Errorf("rate_limiter.window_ms must be > 0")
	}
	if cfg.RateLimiter.DefaultLimit <= 0 {
		return fmt.Errorf("rate_limiter.default_limit must be > 0")
	}
	if cfg.Resource.WarningThreshold <= 0 || cfg.Resource.WarningThreshold > cfg.Resource.CriticalThreshold {
		return fmt.Errorf("resource.warning_threshold must be >0 and <= critical_threshold")
	}
	if cfg.Resource.SnapshotHistorySize < 1 {
		return fmt.Errorf("resource.snapshot_history_size must be >= 1")
	}
	if cfg.Quota.WarningsBeforeEscalation < 1 {
		return fmt.Errorf("quota.warnings_before_escalation must be >= 1")
	}
	if cfg.Behavior.MaxEventsPerPlugin < 1 {
		return fmt.Errorf("behavior.max_events_per_plugin must be >= 1")
	}
	if cfg.Broker.MaxInFlightPerPlugin < 1 {
		return fmt.Errorf("broker.max_in_flight_per_plugin must be >= 1")
	}
	switch cfg.Storage.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be one of memory|redis|sqlite, got %q", cfg.Storage.Backend)
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
