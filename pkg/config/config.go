package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/sandboxrunner/connpool/pkg/connpool"
)

// Config represents the pool daemon configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Pool     PoolConfig     `yaml:"pool" mapstructure:"pool"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Name            string        `yaml:"name" mapstructure:"name"`
	Address         string        `yaml:"address" mapstructure:"address"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	SlowDelay       time.Duration `yaml:"slow_delay" mapstructure:"slow_delay"`
	StatsInterval   time.Duration `yaml:"stats_interval" mapstructure:"stats_interval"`
}

// PoolConfig holds connection pool configuration
type PoolConfig struct {
	MinSize                  int           `yaml:"min_size" mapstructure:"min_size"`
	MaxSize                  int           `yaml:"max_size" mapstructure:"max_size"`
	AcquireTimeout           time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	MaxIdleTime              time.Duration `yaml:"max_idle_time" mapstructure:"max_idle_time"`
	ValidationIntervalReuses int           `yaml:"validation_interval_reuses" mapstructure:"validation_interval_reuses"`
	ValidateOnBorrow         bool          `yaml:"validate_on_borrow" mapstructure:"validate_on_borrow"`
	EvictionInterval         time.Duration `yaml:"eviction_interval" mapstructure:"eviction_interval"`
	HealthCheckInterval      time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	CreateAttempts           int           `yaml:"create_attempts" mapstructure:"create_attempts"`
	CreateBackoff            time.Duration `yaml:"create_backoff" mapstructure:"create_backoff"`
	BreakerEnabled           bool          `yaml:"breaker_enabled" mapstructure:"breaker_enabled"`
	BreakerFailureThreshold  int64         `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold"`
	BreakerTimeout           time.Duration `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

// DatabaseConfig holds backend database configuration
type DatabaseConfig struct {
	Driver         string        `yaml:"driver" mapstructure:"driver"`
	DSN            string        `yaml:"dsn" mapstructure:"dsn"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	SeedOnStart    bool          `yaml:"seed_on_start" mapstructure:"seed_on_start"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter    string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// Default configuration values
func DefaultConfig() *Config {
	pool := connpool.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Name:            "poold",
			Address:         "0.0.0.0",
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			SlowDelay:       5 * time.Second,
			StatsInterval:   time.Second,
		},
		Pool: PoolConfig{
			MinSize:                  pool.MinSize,
			MaxSize:                  pool.MaxSize,
			AcquireTimeout:           pool.AcquireTimeout,
			MaxIdleTime:              pool.MaxIdleTime,
			ValidationIntervalReuses: pool.ValidationIntervalReuses,
			ValidateOnBorrow:         pool.ValidateOnBorrow,
			EvictionInterval:         pool.EvictionInterval,
			HealthCheckInterval:      pool.HealthCheckInterval,
			ShutdownTimeout:          pool.ShutdownTimeout,
			CreateAttempts:           pool.CreateAttempts,
			CreateBackoff:            pool.CreateBackoff,
			BreakerEnabled:           true,
			BreakerFailureThreshold:  pool.BreakerFailureThreshold,
			BreakerTimeout:           pool.BreakerTimeout,
		},
		Database: DatabaseConfig{
			Driver:         "sqlite3",
			DSN:            "file:data/connpool.db?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
			ConnectTimeout: 5 * time.Second,
			SeedOnStart:    true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputFile: "",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Endpoint:    "localhost:4318",
			ServiceName: "poold",
			SampleRate:  1.0,
		},
	}
}

// ToPoolConfig converts the pool section into a connpool.Config
func (p PoolConfig) ToPoolConfig() connpool.Config {
	return connpool.Config{
		MinSize:                  p.MinSize,
		MaxSize:                  p.MaxSize,
		AcquireTimeout:           p.AcquireTimeout,
		MaxIdleTime:              p.MaxIdleTime,
		ValidationIntervalReuses: p.ValidationIntervalReuses,
		ValidateOnBorrow:         p.ValidateOnBorrow,
		EvictionInterval:         p.EvictionInterval,
		HealthCheckInterval:      p.HealthCheckInterval,
		ShutdownTimeout:          p.ShutdownTimeout,
		CreateAttempts:           p.CreateAttempts,
		CreateBackoff:            p.CreateBackoff,
		BreakerEnabled:           p.BreakerEnabled,
		BreakerFailureThreshold:  p.BreakerFailureThreshold,
		BreakerTimeout:           p.BreakerTimeout,
	}
}

// LoadConfig loads configuration from files and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Initialize viper
	v := viper.New()

	// Register defaults so every key can be overridden from the environment
	defaults, err := toMap(config)
	if err != nil {
		return nil, err
	}
	setDefaults(v, "", defaults)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config file in common locations
		v.SetConfigName("poold")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.config/connpool")
		v.AddConfigPath("/etc/connpool")
	}

	// Environment variable settings
	v.SetEnvPrefix("CONNPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	// Unmarshal into config struct
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper, prefix string, values map[string]interface{}) {
	for key, value := range values {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, value)
	}
}

// toMap renders the config through its YAML tags, keeping durations as strings.
func toMap(c *Config) (map[string]interface{}, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	out := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return out, nil
}

// SaveConfig saves the configuration to a file. Files ending in .toml are written
// as TOML, everything else as YAML.
func (c *Config) SaveConfig(configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.Marshal(formatFromPath(configPath))
	if err != nil {
		return err
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Marshal encodes the configuration as "yaml" or "toml".
func (c *Config) Marshal(format string) ([]byte, error) {
	switch format {
	case "toml":
		values, err := toMap(c)
		if err != nil {
			return nil, err
		}
		data, err := toml.Marshal(values)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return data, nil
	case "yaml", "yml", "":
		data, err := yaml.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported config format: %s (must be yaml or toml)", format)
	}
}

func formatFromPath(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1 and 65535)", c.Server.Port)
	}

	if c.Server.SlowDelay < 0 {
		return fmt.Errorf("slow delay cannot be negative")
	}

	if c.Server.StatsInterval <= 0 {
		return fmt.Errorf("stats interval must be positive")
	}

	// Validate pool config
	if err := c.Pool.ToPoolConfig().Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	// Validate database config
	validDrivers := map[string]bool{
		"sqlite3": true, "mysql": true,
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("invalid database driver: %s (must be sqlite3 or mysql)", c.Database.Driver)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}

	// Validate logging config
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	// Validate tracing config
	if c.Tracing.Enabled {
		validExporters := map[string]bool{
			"stdout": true, "otlp": true, "jaeger": true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid trace exporter: %s (must be stdout, otlp, or jaeger)", c.Tracing.Exporter)
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("trace sample rate must be between 0 and 1")
		}
	}

	return nil
}

// CreateDirectories creates necessary directories based on configuration
func (c *Config) CreateDirectories() error {
	var dirs []string

	// Add log file directory if specified
	if c.Logging.OutputFile != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputFile))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	return nil
}
