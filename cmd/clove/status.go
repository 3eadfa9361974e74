package main

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/cloveworks/clove/internal/cli"
	"github.com/cloveworks/clove/internal/storage/postgres"
)

var statusDB string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration and data state",
	Long:  `Show which storage tables exist, row counts, the active model version and the current consistency token.`,
	Example: `  # Check status
  clove status --db postgres://localhost/clove`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(statusDB)
		if err != nil {
			return err
		}
		return runStatus(cmd, dsn)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusDB, "db", "", "database URL")
}

func runStatus(cmd *cobra.Command, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return cli.DBConnectError("connecting to database", err)
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	m := postgres.NewMigrator(db)

	s, err := m.GetStatus(ctx)
	if err != nil {
		return cli.GeneralError("getting status", err)
	}

	for table, exists := range s.Tables {
		state := "missing"
		if exists {
			state = "present"
		}
		fmt.Printf("Table %-20s %s\n", table+":", state)
	}

	if !s.Migrated() {
		fmt.Println("\nSchema not fully migrated. Run: clove migrate")
		return nil
	}

	fmt.Printf("\nTuples:        %d\n", s.TupleCount)
	fmt.Printf("Models:        %d\n", s.ModelCount)
	if s.ActiveModelVersion != "" {
		fmt.Printf("Active model:  %s\n", s.ActiveModelVersion)
	} else {
		fmt.Println("Active model:  (none)")
	}
	fmt.Printf("Current token: %d\n", s.CurrentToken)

	if s.ActiveModelVersion == "" {
		fmt.Println("\nNo active model. Checks will fail until a model is written and activated.")
	}

	return nil
}
