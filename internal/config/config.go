// Package config provides configuration management for ProxBalance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/proxbalance/proxbalance/internal/domain"
)

// Config holds all configuration for the application.
type Config struct {
	Logging                  LoggingConfig         `mapstructure:"logging"`
	State                    StateConfig           `mapstructure:"state"`
	History                  HistoryConfig         `mapstructure:"history"`
	Database                 DatabaseConfig        `mapstructure:"database"`
	Redis                    RedisConfig           `mapstructure:"redis"`
	Etcd                     EtcdConfig            `mapstructure:"etcd"`
	Lock                     LockConfig            `mapstructure:"lock"`
	Proxmox                  ProxmoxConfig         `mapstructure:"proxmox"`
	Snapshot                 SnapshotConfig        `mapstructure:"snapshot"`
	RecommendationThresholds ThresholdsConfig      `mapstructure:"recommendation_thresholds"`
	Recommendations          RecommendationsConfig `mapstructure:"recommendations"`
	Automation               AutomationConfig      `mapstructure:"automated_migrations"`
	Evacuation               EvacuationConfig      `mapstructure:"evacuation"`
	Metrics                  MetricsConfig         `mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// StateConfig selects where run summaries, sessions and history are kept.
type StateConfig struct {
	Backend        string `mapstructure:"backend"` // bolt, redis, memory
	Path           string `mapstructure:"path"`
	RunHistorySize int    `mapstructure:"run_history_size"`
}

// HistoryConfig selects the migration history backend.
type HistoryConfig struct {
	Backend string `mapstructure:"backend"` // state, postgres
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// URL returns the PostgreSQL connection URL.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	SessionTTL  int           `mapstructure:"session_ttl"`
}

// LockConfig selects how concurrent automation runs exclude each other.
type LockConfig struct {
	Backend string `mapstructure:"backend"` // file, etcd
	Path    string `mapstructure:"path"`
	Key     string `mapstructure:"key"`
}

// ProxmoxConfig holds the hypervisor API connection settings.
type ProxmoxConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	TokenID     string        `mapstructure:"token_id"`
	TokenSecret string        `mapstructure:"token_secret"`
	VerifyTLS   bool          `mapstructure:"verify_tls"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// BaseURL returns the API root.
func (c ProxmoxConfig) BaseURL() string {
	return fmt.Sprintf("https://%s:%d/api2/json", c.Host, c.Port)
}

// SnapshotConfig points at the collector's cluster cache.
type SnapshotConfig struct {
	CachePath string        `mapstructure:"cache_path"`
	MaxAge    time.Duration `mapstructure:"max_age"`
}

// ThresholdsConfig holds the load thresholds used for scoring, in percent.
type ThresholdsConfig struct {
	CPU    float64 `mapstructure:"cpu_threshold"`
	Memory float64 `mapstructure:"mem_threshold"`
	IOWait float64 `mapstructure:"iowait_threshold"`
}

// RecommendationsConfig tunes the recommendation generator.
type RecommendationsConfig struct {
	MinScoreImprovement float64            `mapstructure:"min_score_improvement"`
	MaintenanceBonus    float64            `mapstructure:"maintenance_bonus"`
	CacheTTL            time.Duration      `mapstructure:"cache_ttl"`
	Distribution        DistributionConfig `mapstructure:"distribution_balancing"`
}

// DistributionConfig controls guest-count balancing.
type DistributionConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	GuestCountThreshold int     `mapstructure:"guest_count_threshold"`
	MaxCores            int     `mapstructure:"max_cpu_cores"`
	MaxMemoryGB         float64 `mapstructure:"max_memory_gb"`
}

// AutomationConfig holds the automated migration settings.
type AutomationConfig struct {
	Enabled          bool                `mapstructure:"enabled"`
	DryRun           bool                `mapstructure:"dry_run"`
	CheckInterval    time.Duration       `mapstructure:"check_interval"`
	PollInterval     time.Duration       `mapstructure:"poll_interval"`
	MigrationTimeout time.Duration       `mapstructure:"migration_timeout"`
	MaintenanceNodes []string            `mapstructure:"maintenance_nodes"`
	Rules            RulesConfig         `mapstructure:"rules"`
	SafetyChecks     SafetyChecksConfig  `mapstructure:"safety_checks"`
	Schedule         ScheduleConfig      `mapstructure:"schedule"`
	Notifications    NotificationsConfig `mapstructure:"notifications"`
}

// RulesConfig holds candidate filtering rules.
type RulesConfig struct {
	MinConfidenceScore      float64 `mapstructure:"min_confidence_score"`
	MaxMigrationsPerRun     int     `mapstructure:"max_migrations_per_run"`
	MaxConcurrentMigrations int     `mapstructure:"max_concurrent_migrations"`
	CooldownMinutes         int     `mapstructure:"cooldown_minutes"`
	RollbackWindowHours     int     `mapstructure:"rollback_window_hours"`
	RespectIgnoreTags       bool    `mapstructure:"respect_ignore_tags"`
	RespectExcludeAffinity  bool    `mapstructure:"respect_exclude_affinity"`
	RequireAutoMigrateOKTag bool    `mapstructure:"require_auto_migrate_ok_tag"`
	AllowUnsharedBindMounts bool    `mapstructure:"allow_unshared_bind_mounts"`
	GracePeriodSeconds      int     `mapstructure:"grace_period_seconds"`
}

// SafetyChecksConfig holds pre-flight and target safety limits.
type SafetyChecksConfig struct {
	CheckClusterHealth   bool    `mapstructure:"check_cluster_health"`
	RequireQuorum        bool    `mapstructure:"require_quorum"`
	MaxNodeCPUPercent    float64 `mapstructure:"max_node_cpu_percent"`
	MaxNodeMemoryPercent float64 `mapstructure:"max_node_memory_percent"`
	AbortOnFailure       bool    `mapstructure:"abort_on_failure"`
}

// ScheduleConfig holds migration and blackout windows.
type ScheduleConfig struct {
	MigrationWindows []WindowConfig `mapstructure:"migration_windows"`
	BlackoutWindows  []WindowConfig `mapstructure:"blackout_windows"`
}

// WindowConfig is a weekly time window. Times are HH:MM in Timezone.
type WindowConfig struct {
	Name      string   `mapstructure:"name"`
	Enabled   *bool    `mapstructure:"enabled"`
	Days      []string `mapstructure:"days"`
	StartTime string   `mapstructure:"start_time"`
	EndTime   string   `mapstructure:"end_time"`
	Timezone  string   `mapstructure:"timezone"`
}

// IsEnabled returns true unless the window was explicitly disabled.
func (w WindowConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// NotificationsConfig holds webhook notification settings.
type NotificationsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	WebhookURL string        `mapstructure:"webhook_url"`
	OnStart    bool          `mapstructure:"on_start"`
	OnComplete bool          `mapstructure:"on_complete"`
	OnFailure  bool          `mapstructure:"on_failure"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// EvacuationConfig tunes the node evacuation workflow.
type EvacuationConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MaxWait               time.Duration `mapstructure:"max_wait"`
	PendingWeight         float64       `mapstructure:"pending_weight"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"`
	TaskLogLines          int           `mapstructure:"task_log_lines"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
}

// Load loads configuration from an optional .env file, a config file and environment variables.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env file: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/proxbalance")
		v.AddConfigPath(".")
	}

	// Environment variables
	v.SetEnvPrefix("PROXBALANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic("invalid default configuration: " + err.Error())
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// State
	v.SetDefault("state.backend", "bolt")
	v.SetDefault("state.path", "/var/lib/proxbalance/state.db")
	v.SetDefault("state.run_history_size", 20)
	v.SetDefault("history.backend", "state")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "proxbalance")
	v.SetDefault("database.user", "proxbalance")
	v.SetDefault("database.password", "proxbalance")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "proxbalance")

	// etcd
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.session_ttl", 30)

	// Lock
	v.SetDefault("lock.backend", "file")
	v.SetDefault("lock.path", "/var/run/proxbalance/automigrate.lock")
	v.SetDefault("lock.key", "automigrate")

	// Proxmox
	v.SetDefault("proxmox.host", "localhost")
	v.SetDefault("proxmox.port", 8006)
	v.SetDefault("proxmox.verify_tls", false)
	v.SetDefault("proxmox.timeout", "30s")

	// Snapshot
	v.SetDefault("snapshot.cache_path", "/var/lib/proxbalance/cluster_cache.json")
	v.SetDefault("snapshot.max_age", "0s")

	// Thresholds
	v.SetDefault("recommendation_thresholds.cpu_threshold", 60)
	v.SetDefault("recommendation_thresholds.mem_threshold", 70)
	v.SetDefault("recommendation_thresholds.iowait_threshold", 30)

	// Recommendations
	v.SetDefault("recommendations.min_score_improvement", 15)
	v.SetDefault("recommendations.maintenance_bonus", 100)
	v.SetDefault("recommendations.cache_ttl", "5m")
	v.SetDefault("recommendations.distribution_balancing.enabled", false)
	v.SetDefault("recommendations.distribution_balancing.guest_count_threshold", 2)
	v.SetDefault("recommendations.distribution_balancing.max_cpu_cores", 2)
	v.SetDefault("recommendations.distribution_balancing.max_memory_gb", 4)

	// Automation
	v.SetDefault("automated_migrations.enabled", false)
	v.SetDefault("automated_migrations.dry_run", true)
	v.SetDefault("automated_migrations.check_interval", "5m")
	v.SetDefault("automated_migrations.poll_interval", "5s")
	v.SetDefault("automated_migrations.migration_timeout", "0s")
	v.SetDefault("automated_migrations.rules.min_confidence_score", 75)
	v.SetDefault("automated_migrations.rules.max_migrations_per_run", 3)
	v.SetDefault("automated_migrations.rules.max_concurrent_migrations", 3)
	v.SetDefault("automated_migrations.rules.cooldown_minutes", 60)
	v.SetDefault("automated_migrations.rules.rollback_window_hours", 24)
	v.SetDefault("automated_migrations.rules.respect_ignore_tags", true)
	v.SetDefault("automated_migrations.rules.respect_exclude_affinity", true)
	v.SetDefault("automated_migrations.rules.require_auto_migrate_ok_tag", false)
	v.SetDefault("automated_migrations.rules.allow_unshared_bind_mounts", false)
	v.SetDefault("automated_migrations.rules.grace_period_seconds", 0)
	v.SetDefault("automated_migrations.safety_checks.check_cluster_health", true)
	v.SetDefault("automated_migrations.safety_checks.require_quorum", true)
	v.SetDefault("automated_migrations.safety_checks.max_node_cpu_percent", 85)
	v.SetDefault("automated_migrations.safety_checks.max_node_memory_percent", 90)
	v.SetDefault("automated_migrations.safety_checks.abort_on_failure", true)
	v.SetDefault("automated_migrations.notifications.enabled", false)
	v.SetDefault("automated_migrations.notifications.on_start", true)
	v.SetDefault("automated_migrations.notifications.on_complete", true)
	v.SetDefault("automated_migrations.notifications.on_failure", true)
	v.SetDefault("automated_migrations.notifications.timeout", "10s")

	// Evacuation
	v.SetDefault("evacuation.poll_interval", "3s")
	v.SetDefault("evacuation.max_wait", "10m")
	v.SetDefault("evacuation.pending_weight", 10)
	v.SetDefault("evacuation.max_concurrent_sessions", 2)
	v.SetDefault("evacuation.task_log_lines", 50)

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9105")
	v.SetDefault("metrics.namespace", "proxbalance")
}

// Validate checks ranges, backend names and window formats.
func (c *Config) Validate() error {
	var problems []string

	switch c.State.Backend {
	case "bolt", "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("state.backend %q must be bolt, redis or memory", c.State.Backend))
	}
	if c.State.Backend == "bolt" && c.State.Path == "" {
		problems = append(problems, "state.path is required for the bolt backend")
	}
	switch c.History.Backend {
	case "state", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("history.backend %q must be state or postgres", c.History.Backend))
	}
	switch c.Lock.Backend {
	case "file", "etcd":
	default:
		problems = append(problems, fmt.Sprintf("lock.backend %q must be file or etcd", c.Lock.Backend))
	}

	th := c.RecommendationThresholds
	for name, val := range map[string]float64{"cpu_threshold": th.CPU, "mem_threshold": th.Memory, "iowait_threshold": th.IOWait} {
		if val <= 0 || val > 100 {
			problems = append(problems, fmt.Sprintf("recommendation_thresholds.%s must be in (0, 100], got %v", name, val))
		}
	}

	rules := c.Automation.Rules
	if rules.MaxMigrationsPerRun < 0 || rules.MaxConcurrentMigrations < 0 {
		problems = append(problems, "migration limits must not be negative")
	}
	if rules.MinConfidenceScore < 0 || rules.MinConfidenceScore > 100 {
		problems = append(problems, "rules.min_confidence_score must be in [0, 100]")
	}
	if c.Automation.PollInterval <= 0 {
		problems = append(problems, "automated_migrations.poll_interval must be positive")
	}
	if c.Evacuation.PollInterval <= 0 || c.Evacuation.MaxWait <= 0 {
		problems = append(problems, "evacuation poll_interval and max_wait must be positive")
	}

	windows := append(append([]WindowConfig(nil), c.Automation.Schedule.MigrationWindows...), c.Automation.Schedule.BlackoutWindows...)
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if c.Automation.Notifications.Enabled && c.Automation.Notifications.WebhookURL == "" {
		problems = append(problems, "notifications enabled without webhook_url")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Validate checks a window's time format, days and timezone.
func (w WindowConfig) Validate() error {
	if _, err := time.Parse("15:04", w.StartTime); err != nil {
		return fmt.Errorf("window %q: invalid start_time %q", w.Name, w.StartTime)
	}
	if _, err := time.Parse("15:04", w.EndTime); err != nil {
		return fmt.Errorf("window %q: invalid end_time %q", w.Name, w.EndTime)
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("window %q: unknown timezone %q", w.Name, w.Timezone)
		}
	}
	if w.IsEnabled() && len(w.Days) == 0 {
		return fmt.Errorf("window %q: days must list at least one weekday", w.Name)
	}
	for _, d := range w.Days {
		if _, ok := ParseWeekday(d); !ok {
			return fmt.Errorf("window %q: unknown day %q", w.Name, d)
		}
	}
	return nil
}

// ParseWeekday accepts full or three-letter English day names in any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return d, true
		}
	}
	return 0, false
}
