// Package config loads and validates the v6ledger configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/errors"
)

// Config represents the complete service configuration
type Config struct {
	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Reconciliation pipeline limits
	Reconcile ReconcileConfig `yaml:"reconcile" json:"reconcile"`

	// Aggregate counter audit
	Audit AuditConfig `yaml:"audit" json:"audit"`
}

// APIConfig holds API server settings
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen address
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// CORS settings
	CORS CORSConfig `yaml:"cors" json:"cors"`

	// Read/write timeouts for HTTP requests
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Maximum request body size; address lists can be large
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Include source file and line
	AddSource bool `yaml:"add_source" json:"add_source"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// ReconcileConfig bounds every reconciliation operation so none blocks indefinitely.
type ReconcileConfig struct {
	// How long to wait for a pooled connection before failing with a resource error
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`

	// SET LOCAL lock_timeout inside the operation transaction
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`

	// SET LOCAL statement_timeout inside the operation transaction
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`

	// Transaction isolation: read_committed, repeatable_read or serializable
	Isolation string `yaml:"isolation" json:"isolation"`

	// Largest address list accepted in one request
	MaxAddresses int `yaml:"max_addresses" json:"max_addresses"`
}

// AuditConfig controls the periodic aggregate counter audit.
type AuditConfig struct {
	// Run the audit on a schedule while serving
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Cron expression (5 fields, or a descriptor such as @hourly)
	Schedule string `yaml:"schedule" json:"schedule"`

	// Rewrite drifted counters instead of only reporting them
	Repair bool `yaml:"repair" json:"repair"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Database: db.DefaultConfig(),
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       8080,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
			},
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    2 * time.Minute,
			IdleTimeout:     60 * time.Second,
			MaxRequestSize:  16 * 1024 * 1024, // 16MB
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			Output:         "stdout",
			RequestLogging: true,
		},
		Reconcile: ReconcileConfig{
			AcquireTimeout:   5 * time.Second,
			LockTimeout:      10 * time.Second,
			StatementTimeout: 2 * time.Minute,
			Isolation:        "read_committed",
			MaxAddresses:     100000,
		},
		Audit: AuditConfig{
			Enabled:  false,
			Schedule: "@hourly",
			Repair:   false,
		},
	}
}

// Load loads configuration from a file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		return config, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 parses JSON documents as well, so one decoder covers both.
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

var validIsolationLevels = map[string]bool{
	"read_committed":  true,
	"repeatable_read": true,
	"serializable":    true,
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return errors.ErrConfigMissing("database.host")
	}
	if c.Database.Database == "" {
		return errors.ErrConfigMissing("database.database")
	}
	if c.Database.Username == "" {
		return errors.ErrConfigMissing("database.username")
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return errors.ErrConfigInvalid("api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.ErrConfigMissing("api.listen_addr")
		}
		if c.API.MaxRequestSize <= 0 {
			return errors.ErrConfigInvalid("api.max_request_size", c.API.MaxRequestSize)
		}
	}

	if c.Reconcile.AcquireTimeout <= 0 {
		return errors.ErrConfigInvalid("reconcile.acquire_timeout", c.Reconcile.AcquireTimeout)
	}
	if c.Reconcile.LockTimeout <= 0 {
		return errors.ErrConfigInvalid("reconcile.lock_timeout", c.Reconcile.LockTimeout)
	}
	if c.Reconcile.StatementTimeout <= 0 {
		return errors.ErrConfigInvalid("reconcile.statement_timeout", c.Reconcile.StatementTimeout)
	}
	if !validIsolationLevels[c.Reconcile.Isolation] {
		return errors.ErrConfigInvalid("reconcile.isolation", c.Reconcile.Isolation)
	}
	if c.Reconcile.MaxAddresses <= 0 {
		return errors.ErrConfigInvalid("reconcile.max_addresses", c.Reconcile.MaxAddresses)
	}

	if c.Audit.Enabled {
		if _, err := cron.ParseStandard(c.Audit.Schedule); err != nil {
			return errors.ErrConfigInvalid("audit.schedule", c.Audit.Schedule)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.ErrConfigInvalid("logging.level", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return errors.ErrConfigInvalid("logging.format", c.Logging.Format)
	}

	return nil
}

// GetDatabaseConfig returns the database configuration
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.ListenAddr, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}
