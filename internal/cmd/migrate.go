package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Studio-Elephant-and-Rope/steward/internal/adapters/storage/postgres"
	"github.com/Studio-Elephant-and-Rope/steward/internal/config"
	"github.com/Studio-Elephant-and-Rope/steward/internal/logging"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration management",
	Long: `Manage the PostgreSQL schema used by the postgres storage backend.

The migrations are compiled into the binary, so no migration files need to be
shipped alongside it.

Available operations:
  • up      - Apply all pending migrations
  • down    - Roll back the last migration
  • version - Show the applied migration version

Examples:
  steward migrate up --config steward.yaml
  STEWARD_STORAGE_DSN=postgres://... steward migrate version`,
}

// migrateUpCmd applies all pending migrations.
var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *postgres.Migrator, logger *logging.Logger) error {
			version, err := m.Up()
			if err != nil {
				return err
			}
			logger.Info("Migrations applied", "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is at version %d\n", version)
			return nil
		})
	},
}

// migrateDownCmd rolls back the last migration.
var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the last migration",
	Long: `Roll back the most recently applied migration.

Only one migration is rolled back at a time. Rolling back drops pipeline
records and incidents, so back up the database first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *postgres.Migrator, logger *logging.Logger) error {
			if err := m.Down(); err != nil {
				return err
			}
			version, _, err := m.Version()
			if err != nil {
				return err
			}
			logger.Info("Migration rolled back", "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Schema is at version %d\n", version)
			return nil
		})
	},
}

// migrateVersionCmd shows the applied version.
var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied migration version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(cmd, func(m *postgres.Migrator, _ *logging.Logger) error {
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			printMigrationVersion(cmd.OutOrStdout(), version, dirty)
			return nil
		})
	},
}

// printMigrationVersion renders the migration state.
func printMigrationVersion(w io.Writer, version uint, dirty bool) {
	if version == 0 {
		fmt.Fprintln(w, "No migrations applied (empty database)")
		return
	}
	fmt.Fprintf(w, "Schema version: %d\n", version)
	if dirty {
		fmt.Fprintln(w, "WARNING: database is in dirty state.")
		fmt.Fprintln(w, "A migration failed partway through and needs manual repair.")
	}
}

// migrationDSN returns the DSN to migrate, which must point at postgres.
func migrationDSN(cfg *config.Config) (string, error) {
	if cfg.Storage.Type != config.StoragePostgres {
		return "", fmt.Errorf("migrations require storage type %q, got %q", config.StoragePostgres, cfg.Storage.Type)
	}
	if cfg.Storage.DSN == "" {
		return "", fmt.Errorf("storage DSN is required for migrations")
	}
	return cfg.Storage.DSN, nil
}

// withMigrator loads configuration, opens a migrator and runs fn with it.
func withMigrator(cmd *cobra.Command, fn func(*postgres.Migrator, *logging.Logger) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	dsn, err := migrationDSN(cfg)
	if err != nil {
		return err
	}

	m, err := postgres.NewMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close migrator")
		}
	}()

	logger = logger.WithComponent("migrate")
	start := logger.LogOperationStart(cmd.Name())
	err = fn(m, logger)
	logger.LogOperationEnd(cmd.Name(), start, err)
	return err
}

// init registers the migrate command and its subcommands.
func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
