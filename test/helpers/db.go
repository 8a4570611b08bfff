// Package helpers provides PostgreSQL connection and fixture utilities for
// v6ledger integration tests.
package helpers

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anstrom/v6ledger/internal/db"
)

const (
	defaultPostgreSQLPort = 5432
	dbConnectionTimeout   = 5 * time.Second
)

// TestDatabaseConfig returns the connection settings for the integration
// database, read from TEST_DB_* variables.
func TestDatabaseConfig() *db.Config {
	cfg := db.DefaultConfig()
	cfg.Host = getEnvOrDefault("TEST_DB_HOST", "localhost")
	cfg.Port = getEnvIntOrDefault("TEST_DB_PORT", defaultPostgreSQLPort)
	cfg.Database = getEnvOrDefault("TEST_DB_NAME", "v6ledger_test")
	cfg.Username = getEnvOrDefault("TEST_DB_USER", "test_user")
	cfg.Password = getEnvOrDefault("TEST_DB_PASSWORD", "test_password")
	cfg.SSLMode = getEnvOrDefault("TEST_DB_SSLMODE", "disable")
	cfg.MaxOpenConns = 5
	cfg.MaxIdleConns = 2
	return &cfg
}

// ConnectOrSkip connects to the integration database, resets the schema and
// closes the connection when the test ends. The test is skipped when no
// database is reachable.
func ConnectOrSkip(t *testing.T) *db.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping database integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbConnectionTimeout)
	defer cancel()

	database, err := db.Connect(ctx, TestDatabaseConfig())
	if err != nil {
		t.Skipf("Skipping test requiring database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.NewMigrator(database.DB).Reset(context.Background()), "failed to reset schema")
	return database
}

// Fixture describes the reference rows seeded by Seed.
type Fixture struct {
	VulnerabilityID        int64
	RetiredVulnerabilityID int64
	ProtocolID             int64
	IIDTypeID              int64
	PrefixUS               int64
	PrefixDE               int64
}

// Seed inserts two countries, two ASNs with one prefix each, and one row of
// each reference type. Counters start at zero; callers import addresses
// through the coordinator so that the counters are maintained.
func Seed(t *testing.T, database *db.DB) *Fixture {
	t.Helper()
	ctx := context.Background()
	exec := func(query string, args ...interface{}) {
		_, err := database.ExecContext(ctx, query, args...)
		require.NoError(t, err, query)
	}
	get := func(query string, args ...interface{}) int64 {
		var id int64
		require.NoError(t, database.GetContext(ctx, &id, query, args...), query)
		return id
	}

	exec(`INSERT INTO countries (country_id, country_name) VALUES ('US', 'United States'), ('DE', 'Germany')`)
	exec(`INSERT INTO asns (asn, as_name, country_id) VALUES (64500, 'EXAMPLE-US', 'US'), (3320, 'DTAG', 'DE')`)

	return &Fixture{
		PrefixUS: get(`INSERT INTO ip_prefixes (prefix, country_id, asn) VALUES ('2001:db8::/32', 'US', 64500) RETURNING prefix_id`),
		PrefixDE: get(`INSERT INTO ip_prefixes (prefix, country_id, asn) VALUES ('2a01:db8::/32', 'DE', 3320) RETURNING prefix_id`),
		VulnerabilityID: get(`INSERT INTO vulnerabilities (name, severity, cve_id)
			VALUES ('open-resolver', 'high', NULL) RETURNING vulnerability_id`),
		RetiredVulnerabilityID: get(`INSERT INTO vulnerabilities (name, severity, retired)
			VALUES ('legacy-ntp-monlist', 'medium', TRUE) RETURNING vulnerability_id`),
		ProtocolID: get(`INSERT INTO protocols (protocol_name, default_port) VALUES ('https', 443) RETURNING protocol_id`),
		IIDTypeID:  get(`SELECT type_id FROM address_types WHERE type_name = 'eui64'`),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
