package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

func newRollupCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Run the 5-minute rollup job",
		Long: `Rollup re-aggregates the trailing backfill window into 5-minute buckets on
every tick. With --once it runs a single cycle and prints what it covered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			engine := a.rollupEngine(st)
			if !once {
				return engine.Run(ctx)
			}

			res, err := engine.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "window %s to %s: %d readings, %d buckets in %s\n",
				types.FormatTimestamp(res.Lower),
				types.FormatTimestamp(res.Upper),
				res.Readings,
				res.Buckets,
				res.Duration,
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run one cycle and exit")
	return cmd
}
