package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/v6ledger/internal/errors"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func validConfig() *Config {
	cfg := Default()
	cfg.Database.Database = "v6ledger"
	cfg.Database.Username = "ledger"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:8080", cfg.GetAPIAddress())
	assert.Equal(t, 5*time.Second, cfg.Reconcile.AcquireTimeout)
	assert.Equal(t, "read_committed", cfg.Reconcile.Isolation)
	assert.Equal(t, 100000, cfg.Reconcile.MaxAddresses)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, "@hourly", cfg.Audit.Schedule)

	// Defaults alone lack credentials.
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			file: "config.yaml",
			content: `
database:
  host: db.internal
  database: v6ledger
  username: ledger
  password: secret
reconcile:
  acquire_timeout: 2s
  lock_timeout: 3s
  isolation: serializable
audit:
  enabled: true
  schedule: "*/15 * * * *"
  repair: true
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "db.internal", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, 2*time.Second, cfg.Reconcile.AcquireTimeout)
				assert.Equal(t, 3*time.Second, cfg.Reconcile.LockTimeout)
				assert.Equal(t, 2*time.Minute, cfg.Reconcile.StatementTimeout)
				assert.Equal(t, "serializable", cfg.Reconcile.Isolation)
				assert.True(t, cfg.Audit.Repair)
			},
		},
		{
			name:    "valid json config",
			file:    "config.json",
			content: `{"database": {"host": "localhost", "database": "v6ledger", "username": "ledger"}, "api": {"port": 9090}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.API.Port)
			},
		},
		{
			name:    "invalid yaml syntax",
			file:    "config.yaml",
			content: "database: [unclosed",
			wantErr: true,
		},
		{
			name: "invalid isolation level",
			file: "config.yml",
			content: `
database: {database: v6ledger, username: ledger}
reconcile: {isolation: chaos}
`,
			wantErr: true,
		},
		{
			name: "invalid audit schedule",
			file: "config.yaml",
			content: `
database: {database: v6ledger, username: ledger}
audit: {enabled: true, schedule: "every tuesday"}
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.content)
			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"missing host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"missing username", func(c *Config) { c.Database.Username = "" }, "database.username"},
		{"bad port", func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{"missing listen addr", func(c *Config) { c.API.ListenAddr = "" }, "api.listen_addr"},
		{"zero request size", func(c *Config) { c.API.MaxRequestSize = 0 }, "api.max_request_size"},
		{"zero acquire timeout", func(c *Config) { c.Reconcile.AcquireTimeout = 0 }, "reconcile.acquire_timeout"},
		{"zero lock timeout", func(c *Config) { c.Reconcile.LockTimeout = 0 }, "reconcile.lock_timeout"},
		{"zero statement timeout", func(c *Config) { c.Reconcile.StatementTimeout = 0 }, "reconcile.statement_timeout"},
		{"zero max addresses", func(c *Config) { c.Reconcile.MaxAddresses = 0 }, "reconcile.max_addresses"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	t.Run("api disabled skips api checks", func(t *testing.T) {
		cfg := validConfig()
		cfg.API.Enabled = false
		cfg.API.Port = 0
		assert.NoError(t, cfg.Validate())
		assert.False(t, cfg.IsAPIEnabled())
	})

	t.Run("audit schedule only checked when enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Audit.Schedule = "nonsense"
		assert.NoError(t, cfg.Validate())
	})
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Reconcile.Isolation = "repeatable_read"
	cfg.Audit.Enabled = true

	path := filepath.Join(t.TempDir(), "nested", "v6ledger.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Reconcile, loaded.Reconcile)
	assert.Equal(t, cfg.Audit, loaded.Audit)
	assert.Equal(t, cfg.GetDatabaseConfig(), loaded.GetDatabaseConfig())
}
