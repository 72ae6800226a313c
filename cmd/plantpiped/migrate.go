package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			// Opening the store applies pending migrations.
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			migrations, err := st.Migrations(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range migrations {
				state := "pending"
				if m.Applied {
					state = "applied"
				}
				fmt.Fprintf(out, "%05d  %-8s %s\n", m.Version, state, m.Source)
			}

			version, err := st.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "schema version %d (%s)\n", version, a.cfg.DBPath())
			return nil
		},
	}
}
