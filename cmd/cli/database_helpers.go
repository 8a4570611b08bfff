package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/v6ledger/internal/config"
	"github.com/anstrom/v6ledger/internal/db"
	"github.com/anstrom/v6ledger/internal/logging"
	"github.com/anstrom/v6ledger/internal/metrics"
	"github.com/anstrom/v6ledger/internal/reconcile"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(ctx context.Context, cfg *config.Config, database *db.DB) error

// withDatabase loads the configuration, connects, runs operation and closes
// the connection again.
func withDatabase(ctx context.Context, operation DatabaseOperation) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(ctx, cfg, database)
}

// newCoordinator builds a coordinator from the reconcile section of cfg.
func newCoordinator(cfg *config.Config, database *db.DB, recorder metrics.Recorder) *reconcile.Coordinator {
	return reconcile.NewCoordinator(database, reconcile.OptionsFromConfig(cfg.Reconcile), logging.Default(), recorder)
}
