package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/v6ledger/internal/api"
	"github.com/anstrom/v6ledger/internal/audit"
	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/metrics"
)

const (
	databaseTimeout       = 30 * time.Second
	metricsUpdateInterval = 15 * time.Second
)

// Serve command flags.
var (
	serveHost      string
	servePort      int
	serveNoMigrate bool
)

// serveCmd runs the API server until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	Long: `Run the v6ledger API server in the foreground.

Pending schema migrations are applied on startup unless --no-migrate is
given. When audit.enabled is set the aggregate counter audit runs on its
cron schedule alongside the server.`,
	Example: `  v6ledger serve
  v6ledger serve --port 9090
  V6LEDGER_DATABASE_PASSWORD=secret v6ledger serve --config /etc/v6ledger.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveHost != "" {
			cfg.API.ListenAddr = serveHost
		}
		if servePort > 0 {
			cfg.API.Port = servePort
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg, logging.Default())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen address (overrides api.listen_addr)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (overrides api.port)")
	serveCmd.Flags().BoolVar(&serveNoMigrate, "no-migrate", false, "do not apply pending migrations on startup")
}

func runServe(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	if !cfg.API.Enabled {
		return fmt.Errorf("API server is disabled in configuration\n" +
			"Enable it by setting 'api.enabled: true' in config")
	}

	connectCtx, cancel := context.WithTimeout(ctx, databaseTimeout)
	defer cancel()

	var (
		database *db.DB
		err      error
	)
	if serveNoMigrate {
		database, err = db.Connect(connectCtx, &cfg.Database)
	} else {
		database, err = db.ConnectAndMigrate(connectCtx, &cfg.Database)
	}
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			logger.Error("Failed to close database connection", "error", closeErr)
		}
	}()

	pm := metrics.GetGlobalMetrics()
	go pm.StartPeriodicUpdates(ctx, metricsUpdateInterval, database.Stats)

	coordinator := newCoordinator(cfg, database, pm)

	if cfg.Audit.Enabled {
		scheduler, err := audit.NewScheduler(audit.NewAuditor(database, logger, pm), cfg.Audit, logger)
		if err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	server, err := api.New(cfg, database, coordinator, pm, logger)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	logger.Info("Starting v6ledger API server",
		"version", version,
		"commit", commit,
		"build_time", buildTime,
		"address", cfg.GetAPIAddress())
	fmt.Printf("v6ledger %s listening on %s\n", getVersion(), cfg.GetAPIAddress())
	fmt.Printf("Health check: http://%s/api/v1/health\n", cfg.GetAPIAddress())
	fmt.Printf("Metrics: http://%s/metrics\n", cfg.GetAPIAddress())

	if err := server.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Server stopped successfully")
	return nil
}
