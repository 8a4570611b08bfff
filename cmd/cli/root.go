// Package cli provides the Cobra-based command-line interface for v6ledger:
// serving the API, running migrations, reconciling address lists, and
// inspecting and auditing the inventory.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/v6ledger/internal/api/handlers"
	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/logging"
)

const envPrefix = "V6LEDGER"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "v6ledger",
	Short: "IPv6 inventory reconciliation",
	Long: `v6ledger keeps an inventory of active IPv6 addresses, grouped by prefix,
country and autonomous system, and applies bulk vulnerability, protocol
support and interface identifier updates to it as failure-atomic batches.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvOverrides(viper.GetViper())

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// overridableKeys are the settings that V6LEDGER_* variables may replace
// after the config file is loaded. The database password in particular is
// expected to come from the environment.
var overridableKeys = []string{
	"database.host",
	"database.port",
	"database.database",
	"database.username",
	"database.password",
	"database.ssl_mode",
	"api.listen_addr",
	"api.port",
	"logging.level",
	"logging.format",
	"reconcile.isolation",
	"reconcile.max_addresses",
	"audit.enabled",
	"audit.schedule",
	"audit.repair",
}

func bindEnvOverrides(v *viper.Viper) {
	for _, key := range overridableKeys {
		if err := v.BindEnv(key); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s: %v\n", key, err)
		}
	}
}

// getConfigFilePath returns the config file in use, if any.
func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

// loadConfig loads the config file, layers environment overrides on top and
// validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyOverrides(cfg, viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyOverrides copies every overridable key v knows about into cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	setString("database.host", &cfg.Database.Host)
	setInt("database.port", &cfg.Database.Port)
	setString("database.database", &cfg.Database.Database)
	setString("database.username", &cfg.Database.Username)
	setString("database.password", &cfg.Database.Password)
	setString("database.ssl_mode", &cfg.Database.SSLMode)
	setString("api.listen_addr", &cfg.API.ListenAddr)
	setInt("api.port", &cfg.API.Port)
	setString("logging.level", &cfg.Logging.Level)
	setString("logging.format", &cfg.Logging.Format)
	setString("reconcile.isolation", &cfg.Reconcile.Isolation)
	setInt("reconcile.max_addresses", &cfg.Reconcile.MaxAddresses)
	setBool("audit.enabled", &cfg.Audit.Enabled)
	setString("audit.schedule", &cfg.Audit.Schedule)
	setBool("audit.repair", &cfg.Audit.Repair)
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
	handlers.SetBuildInfo(v, c, bt)
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg, viper.GetViper())

	logConfig := logging.Config{
		Level:     logging.LogLevel(cfg.Logging.Level),
		Format:    logging.LogFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	}
	if verbose {
		logConfig.Level = logging.LevelDebug
	}

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}
