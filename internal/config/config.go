// Package config loads the configuration surface from spec.md §6 using
// viper, following the teacher's config.Load() pattern but binding each
// environment variable by its literal spec name (no prefix) instead of
// the teacher's blanket TASKQUEUE_ prefix, since §6 is a wire contract.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Dispatcher DispatcherConfig
	Store      StoreConfig
	Worker     WorkerConfig
	Cache      CacheConfig
	Checkpoint CheckpointConfig
	Metrics    MetricsConfig
	Auth       AuthConfig
	LogLevel   string
}

// AuthConfig gates the dispatcher's optional bearer-token auth, off by
// default the same as the teacher's. JWTSecret/APIKeys come from
// AUTH_JWT_SECRET/AUTH_API_KEYS or, like every other key, from the
// optional config file.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   map[string]bool
}

type DispatcherConfig struct {
	Host                     string
	Port                     int
	DefaultMaxAttempts       int
	DefaultLeaseDuration     time.Duration
	DefaultHeartbeatTimeout  time.Duration
	HeartbeatMonitorInterval time.Duration
	RateLimitRPS             int
}

// MetricsConfig controls the dispatcher's Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// StoreConfig maps the spec's SQLite-shaped DB_PATH / DB_TIMEOUT onto the
// Redis engine this implementation uses: DB_PATH is the Redis address,
// DB_TIMEOUT bounds each store round trip.
type StoreConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

type WorkerConfig struct {
	DispatcherURL     string
	ID                string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

type CacheConfig struct {
	Dir           string
	TTL           time.Duration
	RetryInterval time.Duration
}

type CheckpointConfig struct {
	UseForkExecution bool
	Enabled          bool
	Dir              string
	Interval         time.Duration
	MaxLimit         int
}

func Load() (*Config, error) {
	setDefaults()
	bindEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/taskmesh")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	seconds := func(key string) time.Duration {
		return time.Duration(viper.GetInt(key)) * time.Second
	}

	return &Config{
		Dispatcher: DispatcherConfig{
			Host:                     viper.GetString("dispatcher_host"),
			Port:                     viper.GetInt("dispatcher_port"),
			DefaultMaxAttempts:       viper.GetInt("default_max_attempts"),
			DefaultLeaseDuration:     seconds("default_lease_duration"),
			DefaultHeartbeatTimeout:  seconds("default_heartbeat_timeout"),
			HeartbeatMonitorInterval: seconds("heartbeat_monitor_interval"),
			RateLimitRPS:             viper.GetInt("dispatcher_rate_limit_rps"),
		},
		Store: StoreConfig{
			Addr:    viper.GetString("db_path"),
			Timeout: seconds("db_timeout"),
		},
		Worker: WorkerConfig{
			DispatcherURL:     viper.GetString("worker_dispatcher_url"),
			ID:                viper.GetString("worker_id"),
			PollInterval:      seconds("worker_poll_interval"),
			HeartbeatInterval: seconds("worker_heartbeat_interval"),
		},
		Cache: CacheConfig{
			Dir:           viper.GetString("cache_dir"),
			TTL:           seconds("cache_ttl_seconds"),
			RetryInterval: seconds("cache_retry_interval"),
		},
		Checkpoint: CheckpointConfig{
			UseForkExecution: viper.GetBool("use_fork_execution"),
			Enabled:          viper.GetBool("checkpoint_enabled"),
			Dir:              viper.GetString("checkpoint_dir"),
			Interval:         seconds("checkpoint_interval"),
			MaxLimit:         viper.GetInt("primes_max_limit"),
		},
		Metrics: MetricsConfig{
			Enabled: viper.GetBool("metrics_enabled"),
			Path:    viper.GetString("metrics_path"),
		},
		Auth: AuthConfig{
			Enabled:   viper.GetBool("auth_enabled"),
			JWTSecret: viper.GetString("auth_jwt_secret"),
			APIKeys:   parseAPIKeys(viper.GetString("auth_api_keys")),
		},
		LogLevel: viper.GetString("log_level"),
	}, nil
}

// parseAPIKeys splits a comma-separated AUTH_API_KEYS value into the set
// shape middleware.AuthConfig expects.
func parseAPIKeys(raw string) map[string]bool {
	keys := make(map[string]bool)
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys[k] = true
		}
	}
	return keys
}

// bindEnv ties every spec.md §6 name to its viper key verbatim, so an
// operator setting DISPATCHER_HOST in the process environment is read
// without any prefix translation.
func bindEnv() {
	for _, name := range []string{
		"dispatcher_host", "dispatcher_port",
		"db_path", "db_timeout",
		"default_max_attempts", "default_lease_duration", "default_heartbeat_timeout",
		"heartbeat_monitor_interval", "dispatcher_rate_limit_rps",
		"worker_dispatcher_url", "worker_id",
		"worker_poll_interval", "worker_heartbeat_interval",
		"cache_dir", "cache_ttl_seconds", "cache_retry_interval",
		"use_fork_execution", "checkpoint_enabled", "checkpoint_dir", "checkpoint_interval",
		"primes_max_limit", "log_level", "metrics_enabled", "metrics_path",
		"auth_enabled", "auth_jwt_secret", "auth_api_keys",
	} {
		_ = viper.BindEnv(name, envName(name))
	}
}

func envName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func setDefaults() {
	viper.SetDefault("dispatcher_host", "0.0.0.0")
	viper.SetDefault("dispatcher_port", 8080)

	viper.SetDefault("db_path", "localhost:6379")
	viper.SetDefault("db_timeout", 5)

	viper.SetDefault("default_max_attempts", 5)
	viper.SetDefault("default_lease_duration", 120)
	viper.SetDefault("default_heartbeat_timeout", 60)
	viper.SetDefault("heartbeat_monitor_interval", 15)
	viper.SetDefault("dispatcher_rate_limit_rps", 0)

	viper.SetDefault("worker_dispatcher_url", "http://localhost:8080")
	viper.SetDefault("worker_id", "")
	viper.SetDefault("worker_poll_interval", 2)
	viper.SetDefault("worker_heartbeat_interval", 30)

	viper.SetDefault("cache_dir", "./cache")
	viper.SetDefault("cache_ttl_seconds", 3600)
	viper.SetDefault("cache_retry_interval", 10)

	viper.SetDefault("use_fork_execution", false)
	viper.SetDefault("checkpoint_enabled", false)
	viper.SetDefault("checkpoint_dir", "./checkpoints")
	viper.SetDefault("checkpoint_interval", 30)
	viper.SetDefault("primes_max_limit", 1000000)

	viper.SetDefault("log_level", "info")
	viper.SetDefault("metrics_enabled", true)
	viper.SetDefault("metrics_path", "/metrics")

	viper.SetDefault("auth_enabled", false)
	viper.SetDefault("auth_jwt_secret", "")
	viper.SetDefault("auth_api_keys", "")
}
