package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig contains the admin server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// JobConfig declares one coordinated job and its task count.
type JobConfig struct {
	Name     string `mapstructure:"name"`
	NumTasks int    `mapstructure:"num_tasks"`
}

// CoordinationConfig contains the coordination service configuration.
// The job list fixes cluster membership at construction.
type CoordinationConfig struct {
	HeartbeatTimeoutMs             int64       `mapstructure:"heartbeat_timeout_ms"`
	ShutdownBarrierTimeoutMs       int64       `mapstructure:"shutdown_barrier_timeout_ms"`
	AllowNewIncarnationToReconnect bool        `mapstructure:"allow_new_incarnation_to_reconnect"`
	RecoverableJobs                []string    `mapstructure:"recoverable_jobs"`
	Jobs                           []JobConfig `mapstructure:"jobs"`
}

// HeartbeatTimeout returns the configured heartbeat timeout, defaulting to
// 10s when unset or non-positive.
func (c CoordinationConfig) HeartbeatTimeout() time.Duration {
	if c.HeartbeatTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}

// ShutdownBarrierTimeout returns the shutdown barrier timeout; zero
// disables the shutdown barrier.
func (c CoordinationConfig) ShutdownBarrierTimeout() time.Duration {
	if c.ShutdownBarrierTimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.ShutdownBarrierTimeoutMs) * time.Millisecond
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/gocoord")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("GOCOORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 9090)
	viper.SetDefault("coordination.heartbeat_timeout_ms", 10000)
	viper.SetDefault("coordination.shutdown_barrier_timeout_ms", 0)
	viper.SetDefault("coordination.allow_new_incarnation_to_reconnect", false)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "localhost", Port: 9090},
		Coordination: CoordinationConfig{
			HeartbeatTimeoutMs:       10000,
			ShutdownBarrierTimeoutMs: 0,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Validate checks that the coordinated job list is usable.
func (c *Config) Validate() error {
	if len(c.Coordination.Jobs) == 0 {
		return fmt.Errorf("coordination.jobs must list at least one job")
	}
	seen := make(map[string]struct{}, len(c.Coordination.Jobs))
	for _, job := range c.Coordination.Jobs {
		if job.Name == "" {
			return fmt.Errorf("coordination job with empty name")
		}
		if job.NumTasks <= 0 {
			return fmt.Errorf("coordination job %s must have at least one task", job.Name)
		}
		if _, dup := seen[job.Name]; dup {
			return fmt.Errorf("duplicate coordination job %s", job.Name)
		}
		seen[job.Name] = struct{}{}
	}
	return nil
}
