package main

import (
	"database/sql"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/cloveworks/clove/internal/cli"
	"github.com/cloveworks/clove/internal/doctor"
)

var doctorDB string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose deployment health",
	Long: `Run health checks against a clove deployment: database connectivity,
migration state, the stored authorization models, and whether the tuple
data is still consistent with the active model.

Exits non-zero when any check fails.`,
	Example: `  # Run all checks
  clove doctor --db postgres://localhost/clove

  # Show details for each check
  clove doctor -v`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(doctorDB)
		if err != nil {
			return err
		}
		return runDoctor(cmd, dsn)
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorDB, "db", "", "database URL")
}

func runDoctor(cmd *cobra.Command, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return cli.DBConnectError("connecting to database", err)
	}
	defer func() { _ = db.Close() }()

	report, err := doctor.New(db).Run(cmd.Context())
	if err != nil {
		return cli.GeneralError("running checks", err)
	}

	report.Print(os.Stdout, verbose > 0)

	if report.HasErrors() {
		return &cli.ExitError{Code: cli.ExitGeneral, Message: "health checks failed"}
	}
	return nil
}
