package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/archive"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

func newArchiveCmd(a *app) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export finished days to Parquet and apply retention",
		Long: `Archive writes the buckets of every UTC day that has left the rollup
backfill window to <archive_dir>/5min/YYYY-MM-DD.parquet, then deletes files
older than archive.retention. Without --once it repeats every
archive.interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			exp, ret := a.exporter(st), a.retentionManager()
			if !once {
				return archiveLoop(ctx, a.cfg.Archive.Interval, exp, ret)
			}

			results, cleanup, err := archiveOnce(ctx, exp, ret)
			out := cmd.OutOrStdout()
			for _, r := range results {
				state := "written"
				if r.Skipped {
					state = "exists"
				}
				fmt.Fprintf(out, "%s  %-7s %5d buckets  %s\n", r.Day.Format(archive.DayLayout), state, r.Buckets, r.Path)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "retention: %d deleted, %d bytes freed, %d errors\n",
				cleanup.FilesDeleted, cleanup.BytesFreed, len(cleanup.Errors))

			usage, err := ret.DiskUsage()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, usage)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one pass and exit")

	cmd.AddCommand(newArchiveQueryCmd(a))
	return cmd
}

func newArchiveQueryCmd(a *app) *cobra.Command {
	var (
		probe int64
		from  string
		to    string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query archived buckets with DuckDB",
		Long: `Query reads archived 5-minute buckets over [--from, --to). Times are
RFC 3339 or YYYY-MM-DD, UTC.

Examples:
  plantpiped archive query --from 2026-10-01 --to 2026-10-08
  plantpiped archive query --probe 3 --from 2026-10-18T06:00:00Z --to 2026-10-18T18:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseTime(from)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			end, err := parseTime(to)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}

			qs, err := archive.NewQueryService(a.cfg.ArchiveDir(), a.cfg.Archive.MemoryLimit)
			if err != nil {
				return err
			}
			defer qs.Close()

			var probeID *int64
			if cmd.Flags().Changed("probe") {
				probeID = &probe
			}

			buckets, err := qs.Buckets(cmd.Context(), probeID, start, end)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROBE\tSTART\tROWS\tERR\tBAD\tLUX\tRH\tTEMP\tMOISTURE%")
			for i := range buckets {
				b := &buckets[i]
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
					b.ProbeID, types.FormatTimestamp(b.Start), b.Rows, b.ErrCount, b.BadCount,
					avg(b.Lux), avg(b.RH), avg(b.Temp), avg(b.MoisturePct))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Int64Var(&probe, "probe", 0, "only this probe")
	cmd.Flags().StringVar(&from, "from", "", "range start (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "range end (exclusive)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(archive.DayLayout, s)
}

func avg(m types.MetricStats) string {
	if m.Count == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f", m.Avg)
}
