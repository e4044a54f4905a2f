package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"audit-ledger-service/config"
	"audit-ledger-service/internal/domain"
	"audit-ledger-service/internal/infra"
	"audit-ledger-service/internal/repository"
	"audit-ledger-service/internal/usecase"
	"audit-ledger-service/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage database migrations",
	Long:  "Manage database migrations for the audit ledger service",
}

// openDatabase はDATABASE_DRIVER/DATABASE_URLからDBへ接続する。
func openDatabase() (*gorm.DB, *config.Config, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	db, err := infra.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL, false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, cfg, nil
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Long:  "Apply all pending migrations to the database. Drivers other than mysql create the schema from the model definitions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		db, cfg, err := openDatabase()
		if err != nil {
			return err
		}

		if !infra.UsesSQLMigrations(cfg.DatabaseDriver) {
			if err := repository.AutoMigrate(db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Schema synchronized for %s.\n", cfg.DatabaseDriver)
			return nil
		}

		migrationService := usecase.NewMigrationService(repository.NewMigrationRepository(db), migrations.FS)
		appliedCount, err := migrationService.ApplyMigrations(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}

		if appliedCount == 0 {
			fmt.Println("No pending migrations.")
		} else {
			fmt.Printf("Applied %d migration(s) successfully.\n", appliedCount)
		}
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show the status of all migrations (applied/pending)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		db, cfg, err := openDatabase()
		if err != nil {
			return err
		}
		if !infra.UsesSQLMigrations(cfg.DatabaseDriver) {
			fmt.Printf("Driver %s uses model-based schema; SQL migrations are not tracked.\n", cfg.DatabaseDriver)
			return nil
		}

		migrationService := usecase.NewMigrationService(repository.NewMigrationRepository(db), migrations.FS)
		list, err := migrationService.GetMigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		// テーブル形式で出力
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
		fmt.Fprintln(w, "-------\t----\t------\t----------")
		for _, m := range list {
			appliedAt := "-"
			if m.AppliedAt != nil {
				appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
			}
			status := "pending"
			if m.Status == domain.MigrationStatusApplied {
				status = "applied"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, status, appliedAt)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("failed to flush output: %w", err)
		}
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
