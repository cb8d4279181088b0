package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultTCPPort      = 12345
	DefaultMaxFrameSize = 1024
)

// ServerConfig holds runtime server configuration
type ServerConfig struct {
	TCPPort      int // 0 picks a free port
	HTTPPort     int // Public websocket endpoint /ws (0 = disabled)
	MetricsPort  int // Internal /metrics and /health (0 = disabled)
	MaxFrameSize int
	WriteTimeout time.Duration
	IdleTimeout  time.Duration // 0 = connections may idle forever

	MetricsLogInterval time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:            DefaultTCPPort,
		HTTPPort:           8080,
		MetricsPort:        9090,
		MaxFrameSize:       DefaultMaxFrameSize,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        0,
		MetricsLogInterval: time.Minute,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server  ServerSection  `toml:"server"`
	Limits  LimitsSection  `toml:"limits"`
	Logging LoggingSection `toml:"logging"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	MetricsPort  int    `toml:"metrics_port"`
	DatabasePath string `toml:"database_path"`
	DatabaseURL  string `toml:"database_url"`
}

type LimitsSection struct {
	MaxFrameSize              int `toml:"max_frame_size"`
	WriteTimeoutSeconds       int `toml:"write_timeout_seconds"`
	IdleTimeoutSeconds        int `toml:"idle_timeout_seconds"`
	MetricsLogIntervalSeconds int `toml:"metrics_log_interval_seconds"`
}

type LoggingSection struct {
	Level string `toml:"level"`
	Env   string `toml:"env"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      DefaultTCPPort,
			HTTPPort:     8080,
			MetricsPort:  9090,
			DatabasePath: "~/.huddle/huddle.db",
		},
		Limits: LimitsSection{
			MaxFrameSize:              DefaultMaxFrameSize,
			WriteTimeoutSeconds:       10,
			IdleTimeoutSeconds:        0,
			MetricsLogIntervalSeconds: 60,
		},
		Logging: LoggingSection{
			Level: "info",
			Env:   "development",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Failing to write the file is not fatal; defaults still apply.
		_ = writeDefaultConfig(path, config)
		return applyEnvOverrides(config), nil
	}

	// Fields missing from the file keep their defaults.
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: HUDDLE_SECTION_KEY
// Example: HUDDLE_SERVER_TCP_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("HUDDLE_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("HUDDLE_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("HUDDLE_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envString("HUDDLE_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("HUDDLE_SERVER_DATABASE_URL", &config.Server.DatabaseURL)

	envInt("HUDDLE_LIMITS_MAX_FRAME_SIZE", &config.Limits.MaxFrameSize)
	envInt("HUDDLE_LIMITS_WRITE_TIMEOUT_SECONDS", &config.Limits.WriteTimeoutSeconds)
	envInt("HUDDLE_LIMITS_IDLE_TIMEOUT_SECONDS", &config.Limits.IdleTimeoutSeconds)
	envInt("HUDDLE_LIMITS_METRICS_LOG_INTERVAL_SECONDS", &config.Limits.MetricsLogIntervalSeconds)

	envString("HUDDLE_LOGGING_LEVEL", &config.Logging.Level)
	envString("HUDDLE_LOGGING_ENV", &config.Logging.Env)

	return config
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

const configHeader = `# Huddle server configuration
# Generated with default values. Restart the server after editing.
#
# Every key can be overridden from the environment as HUDDLE_<SECTION>_<KEY>,
# for example HUDDLE_SERVER_TCP_PORT=7000 or HUDDLE_LOGGING_LEVEL=debug.
#
# Set server.database_url to a postgres:// URL to use PostgreSQL instead of
# the SQLite file at server.database_path.
# limits.idle_timeout_seconds = 0 keeps idle connections open forever.

`

// writeDefaultConfig writes config to path with a short explanatory header
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(configHeader); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ToServerConfig converts the file configuration to runtime configuration
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = c.Server.TCPPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort
	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = c.Limits.MaxFrameSize
	}
	if c.Limits.WriteTimeoutSeconds >= 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.IdleTimeoutSeconds >= 0 {
		cfg.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	}
	if c.Limits.MetricsLogIntervalSeconds > 0 {
		cfg.MetricsLogInterval = time.Duration(c.Limits.MetricsLogIntervalSeconds) * time.Second
	}
	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
