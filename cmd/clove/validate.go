package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cloveworks/clove/internal/cli"
	"github.com/cloveworks/clove/internal/typesystem"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate <model.fga>",
	Short: "Validate an authorization model",
	Long: `Validate an authorization model file: syntax, reference integrity,
subject-type assignability and rewrite cycles. Warnings do not fail
validation; errors do.`,
	Example: `  # Validate a model file
  clove validate models/authz.fga

  # Machine-readable diagnostics
  clove validate models/authz.fga --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		raw, err := os.ReadFile(path)
		if err != nil {
			return cli.ModelParseError(fmt.Sprintf("reading model: %s", path), err)
		}

		diags := typesystem.Validate(string(raw))

		if validateJSON {
			out, err := json.MarshalIndent(diags, "", "  ")
			if err != nil {
				return cli.GeneralError("encoding diagnostics", err)
			}
			fmt.Println(string(out))
		} else if !quiet {
			if len(diags) == 0 {
				fmt.Println("Model is valid.")
			}
			for _, d := range diags {
				fmt.Println(d.String())
			}
		}

		if typesystem.HasErrors(diags) {
			return cli.ModelParseError(fmt.Sprintf("model has errors: %s", path), nil)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "emit diagnostics as JSON")
}
