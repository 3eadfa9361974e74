package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/cloveworks/clove/internal/cli"
	"github.com/cloveworks/clove/internal/storage/postgres"
)

var (
	migrateDB     string
	migrateStatus bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the storage schema to the database",
	Long: `Apply the clove storage schema to PostgreSQL. Idempotent; all DDL
uses IF NOT EXISTS, so it is safe to run on every deploy.`,
	Example: `  # Apply the schema
  clove migrate --db postgres://localhost/clove

  # Report table state without applying anything
  clove migrate --status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(migrateDB)
		if err != nil {
			return err
		}
		if migrateStatus {
			return runStatus(cmd, dsn)
		}
		return runMigrate(cmd.Context(), dsn)
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDB, "db", "", "database URL")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "report migration state instead of applying")
}

func runMigrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return cli.DBConnectError("connecting to database", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return cli.DBConnectError("pinging database", err)
	}

	m := postgres.NewMigrator(db)
	if err := m.ApplyDDL(ctx); err != nil {
		return cli.GeneralError("applying schema", err)
	}

	if !quiet {
		fmt.Println("Storage schema applied successfully.")
	}
	return nil
}
