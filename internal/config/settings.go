// Package config loads and validates the fleet controller/agent settings
// via viper, with struct-tag validation and a deployment profile that
// selects the Rule Store backend.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Profile selects the Rule Store backend: "lite" (embedded storage)
// vs "standard" (HA, Postgres).
type Profile string

const (
	// ProfileLite runs against an embedded SQLite rule store, single box,
	// dev or small fleet.
	ProfileLite Profile = "lite"

	// ProfileStandard runs against Postgres, HA, full fleet.
	ProfileStandard Profile = "standard"
)

// AgentEndpoint names one host's agent, its RPC endpoint, and the opaque
// process-control credential the agent uses to talk to the AMP-like
// controller.
type AgentEndpoint struct {
	Host       string `mapstructure:"host" validate:"required"`
	Endpoint   string `mapstructure:"endpoint" validate:"required,url"`
	Credential string `mapstructure:"credential"`
}

// SchedulerSettings holds the periodic task intervals.
type SchedulerSettings struct {
	DiscoveryInterval time.Duration `mapstructure:"discovery_s" validate:"required,gt=0"`
	DriftScanInterval time.Duration `mapstructure:"drift_scan_s" validate:"required,gt=0"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_s" validate:"required,gt=0"`
}

// DeploymentSettings holds the deployment orchestrator's tunables.
// LockRedisAddr, left empty, keeps deployment serialization scoped to
// this process (the lite, single-replica profile); setting it makes Execute
// and Rollback also take a Redis-backed lock so two controller replicas
// never run the same deployment id concurrently (standard/HA profile).
type DeploymentSettings struct {
	ParallelInstances   int           `mapstructure:"parallel_instances" validate:"required,gt=0"`
	RPCDeadline         time.Duration `mapstructure:"rpc_deadline_s" validate:"required,gt=0"`
	BackupRetentionDays int           `mapstructure:"backup_retention_days" validate:"required,gt=0"`
	LockRedisAddr       string        `mapstructure:"lock_redis_addr"`
	LockRedisDB         int           `mapstructure:"lock_redis_db"`
	LockTTL             time.Duration `mapstructure:"lock_ttl_s"`
}

// CodecSettings holds the config codec's parse/emit behavior.
type CodecSettings struct {
	AcceptBOM          bool `mapstructure:"accept_bom"`
	PreserveIPAsString bool `mapstructure:"preserve_ip_as_string"`
}

// ResolverSettings controls the resolved-value cache decorating the
// Controller's ad hoc GET /resolve surface. Backend "none" disables caching
// (every resolve hits the store directly); "lru" uses an in-process cache
// (lite profile, no Redis to share); "redis" shares one cache across every
// controller replica.
type ResolverSettings struct {
	CacheBackend string        `mapstructure:"cache_backend" validate:"omitempty,oneof=none lru redis"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl_s"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisDB      int           `mapstructure:"redis_db"`
}

// Settings is the complete set of recognized configuration options.
// Unknown keys are rejected at startup by UnmarshalExact in Load.
type Settings struct {
	Profile       Profile            `mapstructure:"profile" validate:"required,oneof=lite standard"`
	RuleStoreDSN  string             `mapstructure:"rule_store_dsn" validate:"required"`
	MigrationsDir string             `mapstructure:"migrations_dir"`
	Agents        []AgentEndpoint    `mapstructure:"agents" validate:"dive"`
	Scheduler     SchedulerSettings  `mapstructure:"scheduler"`
	Deployment    DeploymentSettings `mapstructure:"deployment"`
	Codec         CodecSettings      `mapstructure:"codec"`
	Resolver      ResolverSettings   `mapstructure:"resolver"`
	Log           LogSettings        `mapstructure:"log"`
	Server        ServerSettings     `mapstructure:"server"`
}

// LogSettings configures pkg/logger's slog handler construction.
type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ServerSettings configures the Controller's query API / Agent's RPC
// listener.
type ServerSettings struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// Load reads settings from configPath (if non-empty) plus environment
// variables (FLEETCTL_-prefixed, "." replaced with "_"), applies defaults,
// rejects unknown keys, and validates struct tags.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("fleetctl")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var s Settings
	if err := v.UnmarshalExact(&s); err != nil {
		return nil, fmt.Errorf("config: unrecognized setting: %w", err)
	}

	if err := validateSettings(&s); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile", "standard")
	v.SetDefault("migrations_dir", "migrations")

	v.SetDefault("scheduler.discovery_s", 60*time.Second)
	v.SetDefault("scheduler.drift_scan_s", time.Hour)
	v.SetDefault("scheduler.heartbeat_s", 30*time.Second)

	v.SetDefault("deployment.parallel_instances", 4)
	v.SetDefault("deployment.rpc_deadline_s", 30*time.Second)
	v.SetDefault("deployment.backup_retention_days", 14)
	v.SetDefault("deployment.lock_redis_db", 0)
	v.SetDefault("deployment.lock_ttl_s", 30*time.Second)

	v.SetDefault("codec.accept_bom", true)
	v.SetDefault("codec.preserve_ip_as_string", true)

	v.SetDefault("resolver.cache_backend", "none")
	v.SetDefault("resolver.cache_ttl_s", 10*time.Second)
	v.SetDefault("resolver.redis_db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8282)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.graceful_shutdown_timeout", 30*time.Second)
}

func validateSettings(s *Settings) error {
	val := validator.New()

	if err := val.Struct(s); err != nil {
		return err
	}

	switch s.Profile {
	case ProfileLite, ProfileStandard:
	default:
		return fmt.Errorf("invalid profile %q (must be %q or %q)", s.Profile, ProfileLite, ProfileStandard)
	}

	if s.Profile == ProfileStandard && len(s.Agents) == 0 {
		return fmt.Errorf("standard profile requires at least one agent endpoint")
	}
	return nil
}

// IsLiteProfile reports whether the Rule Store backend is embedded SQLite.
func (s *Settings) IsLiteProfile() bool {
	return s.Profile == ProfileLite
}
