package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/v6ledger/internal/audit"
	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

func TestReadAddresses(t *testing.T) {
	input := `# exported from the scanner
2001:db8::1

  2001:db8::2
#2001:db8::3
not-an-address
`
	got, err := readAddresses(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::1", "2001:db8::2", "not-an-address"}, got)

	got, err = readAddresses(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadLinesFromStdin(t *testing.T) {
	got, err := readLines(strings.NewReader("2001:db8::1\n"), "-")
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::1"}, got)

	_, err = readLines(nil, "/nonexistent/addresses.txt")
	assert.Error(t, err)
}

func newReconcileFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int64("target", 0, "")
	flags.String("country", "", "")
	flags.Int64("asn", 0, "")
	flags.Bool("state", false, "")
	flags.Int("port", 0, "")
	return flags
}

func TestRequestFromFlags(t *testing.T) {
	t.Run("only changed flags are set", func(t *testing.T) {
		flags := newReconcileFlags()
		require.NoError(t, flags.Parse([]string{"--target", "7", "--country", "us"}))

		req, err := requestFromFlags(flags, []string{"2001:db8::1"})
		require.NoError(t, err)

		require.NotNil(t, req.TargetID)
		assert.Equal(t, int64(7), *req.TargetID)
		require.NotNil(t, req.CountryID)
		assert.Equal(t, "US", *req.CountryID)
		assert.Nil(t, req.ASN)
		assert.Nil(t, req.NewState)
		assert.Nil(t, req.Port)
		assert.Nil(t, req.Prefix)
		assert.Equal(t, []string{"2001:db8::1"}, req.Addresses)
	})

	t.Run("explicit false state is kept", func(t *testing.T) {
		flags := newReconcileFlags()
		require.NoError(t, flags.Parse([]string{"--target", "1", "--state=false", "--port", "443", "--asn", "64500"}))

		req, err := requestFromFlags(flags, nil)
		require.NoError(t, err)

		require.NotNil(t, req.NewState)
		assert.False(t, *req.NewState)
		require.NotNil(t, req.Port)
		assert.Equal(t, 443, *req.Port)
		require.NotNil(t, req.ASN)
		assert.Equal(t, int64(64500), *req.ASN)
		assert.NotNil(t, req.Addresses)
	})

	t.Run("import prefix", func(t *testing.T) {
		flags := pflag.NewFlagSet("import", pflag.ContinueOnError)
		flags.String("prefix", "", "")
		flags.String("country", "", "")
		flags.Int64("asn", 0, "")
		require.NoError(t, flags.Parse([]string{"--prefix", "2001:db8::/32", "--country", "DE", "--asn", "3320"}))

		req, err := requestFromFlags(flags, []string{"2001:db8::5"})
		require.NoError(t, err)
		require.NotNil(t, req.Prefix)
		assert.Equal(t, "2001:db8::/32", *req.Prefix)
		assert.Nil(t, req.TargetID)
	})
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1", " 22 ", "333"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 22, 333}, ids)

	ids, err = parseIDs(nil)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = parseIDs([]string{"1", "two"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"two"`)
}

func TestPrintResult(t *testing.T) {
	result := &reconcile.Result{
		OperationID:  "op-1234",
		Total:        10,
		Updated:      6,
		Skipped:      4,
		Invalid:      1,
		AffectedRows: 6,
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, outputTable, result))
		assert.Contains(t, buf.String(), "op-1234")
		assert.Contains(t, buf.String(), "10")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, outputJSON, result))

		var decoded reconcile.Result
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, *result, decoded)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, printResult(&buf, outputYAML, result))
		assert.Contains(t, buf.String(), "operationid: op-1234")
	})

	t.Run("unknown format", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, printResult(&buf, "xml", result))
	})
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	report := &audit.Report{
		ID:               "audit-1",
		CountriesChecked: 2,
		ASNsChecked:      3,
		Drift: []audit.Drift{
			{Scope: "country", CountryID: "US", Stored: 10, Live: 12},
			{Scope: "asn", ASN: 64500, Stored: 4, Live: 3},
		},
	}
	require.NoError(t, printReport(&buf, report))

	out := buf.String()
	assert.Contains(t, out, "audit-1: drift (2 countries, 3 ASNs checked)")
	assert.Contains(t, out, "AS64500")
	assert.Contains(t, out, "US")

	buf.Reset()
	require.NoError(t, printReport(&buf, &audit.Report{ID: "audit-2"}))
	assert.Equal(t, "Audit audit-2: clean (0 countries, 0 ASNs checked)\n", buf.String())
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	totals := &db.InventoryTotals{ActiveAddresses: 42, Prefixes: 3, Countries: 1, ASNs: 2}
	countries := []*db.CountryStats{
		{CountryID: "SE", CountryName: "Sweden", TotalActiveIPv6: 42, PrefixCount: 3, ASNCount: 2, LastUpdated: time.Now()},
	}
	require.NoError(t, printStats(&buf, totals, countries))

	out := buf.String()
	assert.Contains(t, out, "Active addresses: 42")
	assert.Contains(t, out, "Sweden")
}

func TestPrintMigrationStatus(t *testing.T) {
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Name: "001_initial_schema", Applied: true, AppliedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{Name: "002_seed_reference_data"},
	})

	out := buf.String()
	assert.Contains(t, out, "001_initial_schema")
	assert.Contains(t, out, "2026-01-02 03:04:05")
	assert.Contains(t, out, "pending")
}

func TestApplyOverrides(t *testing.T) {
	t.Run("explicit values", func(t *testing.T) {
		v := viper.New()
		v.Set("database.password", "secret")
		v.Set("api.port", 9999)
		v.Set("audit.enabled", true)

		cfg := config.Default()
		host := cfg.Database.Host
		applyOverrides(cfg, v)

		assert.Equal(t, "secret", cfg.Database.Password)
		assert.Equal(t, 9999, cfg.API.Port)
		assert.True(t, cfg.Audit.Enabled)
		assert.Equal(t, host, cfg.Database.Host)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("V6LEDGER_DATABASE_PASSWORD", "from-env")
		t.Setenv("V6LEDGER_RECONCILE_ISOLATION", "serializable")

		v := viper.New()
		v.SetEnvPrefix(envPrefix)
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
		bindEnvOverrides(v)

		cfg := config.Default()
		applyOverrides(cfg, v)

		assert.Equal(t, "from-env", cfg.Database.Password)
		assert.Equal(t, "serializable", cfg.Reconcile.Isolation)
	})
}

func TestCommandTree(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "reconcile", "import", "delete", "stats", "audit"} {
		assert.True(t, names[want], "missing command %s", want)
	}

	var kinds []string
	for _, cmd := range reconcileCmd.Commands() {
		kinds = append(kinds, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"vulnerability", "protocol", "iid"}, kinds)

	var sub []string
	for _, cmd := range migrateCmd.Commands() {
		sub = append(sub, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"up", "status", "reset"}, sub)
}

func TestDeleteRejectsBadIDsBeforeConnecting(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"delete", "12", "abc"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid address id "abc"`)
}

func TestMigrateResetRequiresForce(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"migrate", "reset"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")
}
