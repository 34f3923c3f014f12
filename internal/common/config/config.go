// Package config provides configuration management for the oddjobs daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	State   StateConfig   `mapstructure:"state"`
	Engine  EngineConfig  `mapstructure:"engine"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StateConfig holds the durable state directory layout.
type StateConfig struct {
	// Dir is the root state directory. The WAL, snapshots, breadcrumbs,
	// activity logs, and workspaces all live underneath it.
	Dir string `mapstructure:"dir"`
}

// EngineConfig holds lifecycle engine tunables.
type EngineConfig struct {
	LivenessInterval  time.Duration `mapstructure:"livenessInterval"`  // agent liveness poll period
	IdleGrace         time.Duration `mapstructure:"idleGrace"`         // debounce before idle actions fire
	ExitGrace         time.Duration `mapstructure:"exitGrace"`         // grace after an apparent agent exit
	AutoResumeWindow  time.Duration `mapstructure:"autoResumeWindow"`  // min gap between nudge and auto-resume
	MaxStepVisits     int           `mapstructure:"maxStepVisits"`     // circuit breaker threshold
	BusCapacity       int           `mapstructure:"busCapacity"`       // bounded event bus size
	ShellTimeout      time.Duration `mapstructure:"shellTimeout"`      // wall clock limit for shell steps
	GateTimeout       time.Duration `mapstructure:"gateTimeout"`       // wall clock limit for gate commands
	QueueCmdTimeout   time.Duration `mapstructure:"queueCmdTimeout"`   // wall clock limit for queue list/take commands
	SnapshotOnUnload  bool          `mapstructure:"snapshotOnUnload"`  // write a state snapshot on clean shutdown
	CompactAfterSnaps bool          `mapstructure:"compactAfterSnaps"` // truncate WAL segments covered by a snapshot
}

// NATSConfig holds the optional outbound event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ArchiveConfig holds the terminal-job history store configuration.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // sqlite file; empty means <state.dir>/archive.db
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// WALDir returns the WAL segment directory.
func (s *StateConfig) WALDir() string { return filepath.Join(s.Dir, "wal") }

// SnapshotDir returns the snapshot directory.
func (s *StateConfig) SnapshotDir() string { return filepath.Join(s.Dir, "snapshots") }

// BreadcrumbDir returns the per-job crash marker directory.
func (s *StateConfig) BreadcrumbDir() string { return filepath.Join(s.Dir, "breadcrumbs") }

// LogDir returns the human-readable activity log directory.
func (s *StateConfig) LogDir() string { return filepath.Join(s.Dir, "logs") }

// WorkspaceDir returns the directory for folder workspaces.
func (s *StateConfig) WorkspaceDir() string { return filepath.Join(s.Dir, "workspaces") }

// ArchivePath resolves the sqlite archive file path.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return filepath.Join(c.State.Dir, "archive.db")
}

// detectDefaultLogFormat returns "json" for unattended runs and "text"
// for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("ODDJOBS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oddjobs"
	}
	return filepath.Join(home, ".oddjobs")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7737)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// State defaults
	v.SetDefault("state.dir", defaultStateDir())

	// Engine defaults
	v.SetDefault("engine.livenessInterval", 3*time.Second)
	v.SetDefault("engine.idleGrace", 2*time.Second)
	v.SetDefault("engine.exitGrace", 2*time.Second)
	v.SetDefault("engine.autoResumeWindow", 60*time.Second)
	v.SetDefault("engine.maxStepVisits", 20)
	v.SetDefault("engine.busCapacity", 1024)
	v.SetDefault("engine.shellTimeout", 10*time.Minute)
	v.SetDefault("engine.gateTimeout", 5*time.Minute)
	v.SetDefault("engine.queueCmdTimeout", 30*time.Second)
	v.SetDefault("engine.snapshotOnUnload", true)
	v.SetDefault("engine.compactAfterSnaps", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "oddjobsd")
	v.SetDefault("nats.maxReconnects", 10)

	// Archive defaults
	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ODDJOBS_ with snake_case naming.
// Config file should be named config.yaml and placed in the state directory,
// the current directory, or /etc/oddjobs/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ODDJOBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("logging.level", "ODDJOBS_LOG_LEVEL")
	_ = v.BindEnv("state.dir", "ODDJOBS_STATE_DIR")
	_ = v.BindEnv("engine.livenessInterval", "ODDJOBS_ENGINE_LIVENESS_INTERVAL")
	_ = v.BindEnv("engine.maxStepVisits", "ODDJOBS_ENGINE_MAX_STEP_VISITS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultStateDir())
	v.AddConfigPath("/etc/oddjobs/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.State.Dir == "" {
		errs = append(errs, "state.dir must not be empty")
	}
	if cfg.Engine.LivenessInterval <= 0 {
		errs = append(errs, "engine.livenessInterval must be positive")
	}
	if cfg.Engine.MaxStepVisits <= 0 {
		errs = append(errs, "engine.maxStepVisits must be positive")
	}
	if cfg.Engine.BusCapacity <= 0 {
		errs = append(errs, "engine.busCapacity must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
