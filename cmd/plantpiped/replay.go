package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/ingestion"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
)

func newReplayCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "replay [segment...]",
		Short: "Re-feed retired spool segments through the pipeline",
		Long: `Replay processes a retired spool segment from its marker, with the spool
itself disabled. Lines already stored are dropped as duplicates, so a segment
can be replayed any number of times. With --all every retired segment in the
spool directory is replayed, oldest first.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			segments := args
			if all {
				var err error
				segments, err = spool.ListSegments(a.cfg.SpoolDir(), a.cfg.Spool.Base)
				if err != nil {
					return err
				}
			}
			if len(segments) == 0 {
				return fmt.Errorf("no segment given")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			p := a.newPipeline(st, nil, nil)
			out := cmd.OutOrStdout()
			for _, seg := range segments {
				res, err := ingestion.Replay(ctx, p, seg, a.cfg.Serial.MaxLineBytes)
				printReplay(cmd, seg, res)
				if err != nil {
					return fmt.Errorf("replay %s: %w", seg, err)
				}
				if ctx.Err() != nil {
					fmt.Fprintln(out, "interrupted")
					return nil
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "replay every retired segment")
	return cmd
}

func printReplay(cmd *cobra.Command, segment string, res ingestion.ReplayResult) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d lines, %d accepted", segment, res.Lines, res.Accepted)

	kinds := make([]string, 0, len(res.Rejected))
	for k := range res.Rejected {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(out, ", %d %s", res.Rejected[k], k)
	}
	if res.TornLines > 0 {
		fmt.Fprintf(out, ", %d torn", res.TornLines)
	}
	fmt.Fprintf(out, " (marker %d)\n", res.Marker)
}
