package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/crm-import/internal/model"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Manage imported records",
}

var recordsProtectCmd = &cobra.Command{
	Use:   "protect <entity> <id> <field...>",
	Short: "Protect locally edited fields from later syncs",
	Long:  "Marks fields of an imported record as locally modified. Later runs keep the local value of a protected field. Entities: user, person, matter, note, activity.",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind := model.EntityKind(args[0])
		if !kind.Valid() {
			return eris.Errorf("unknown entity %q", args[0])
		}

		env, err := initEnv(ctx, "inspect")
		if err != nil {
			return err
		}
		defer env.Close()
		if env.entities == nil {
			return eris.New("records protect requires store.database_url")
		}

		if err := env.entities.MarkLocallyModified(ctx, kind, args[1], args[2:]...); err != nil {
			return eris.Wrap(err, "records protect")
		}
		fmt.Fprintf(os.Stderr, "Protected %d field(s) on %s %s.\n", len(args)-2, kind, args[1])
		return nil
	},
}

func init() {
	recordsCmd.AddCommand(recordsProtectCmd)
	rootCmd.AddCommand(recordsCmd)
}
