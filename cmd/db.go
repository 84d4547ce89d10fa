package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		// initEnv applies every pending migration for the configured stores.
		env, err := initEnv(cmd.Context(), "inspect")
		if err != nil {
			return err
		}
		defer env.Close()

		fmt.Fprintln(os.Stderr, "Migrations applied.")
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	rootCmd.AddCommand(dbCmd)
}
