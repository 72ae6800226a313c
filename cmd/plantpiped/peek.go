package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// peekSummary is the JSON form of peek.
type peekSummary struct {
	SchemaVersion int64            `json:"schema_version"`
	Readings      int64            `json:"readings"`
	Latest        *string          `json:"latest"`
	Fresh         bool             `json:"updated_last_minute"`
	DeadLetters   map[string]int64 `json:"dead_letters"`
	RollupLastRun *string          `json:"rollup_last_run"`
	Probes        []probeJSON      `json:"probes"`
	Last          []readingJSON    `json:"last"`
}

type probeJSON struct {
	ProbeID       int64   `json:"probe_id"`
	CalibrationID int64   `json:"calibration_id"`
	LastSeq       *int64  `json:"last_seq"`
	LastSeen      *string `json:"last_seen"`
}

var deadLetterKinds = []string{
	errors.KindDecode,
	errors.KindValidation,
	errors.KindCalibration,
	errors.KindStorage,
}

func newPeekCmd(a *app) *cobra.Command {
	var (
		n      int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Summarize the store and print the latest readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var s peekSummary
			if s.SchemaVersion, err = st.SchemaVersion(ctx); err != nil {
				return err
			}
			if s.Readings, err = st.RowCount(ctx); err != nil {
				return err
			}
			latest, ok, err := st.LatestTimestamp(ctx)
			if err != nil {
				return err
			}
			if ok {
				v := types.FormatTimestamp(latest)
				s.Latest = &v
			}
			if s.Fresh, err = st.UpdatedWithin(ctx, 60); err != nil {
				return err
			}

			s.DeadLetters = make(map[string]int64, len(deadLetterKinds))
			for _, kind := range deadLetterKinds {
				if s.DeadLetters[kind], err = st.DeadLetterCount(ctx, kind); err != nil {
					return err
				}
			}

			meta, ok, err := st.RollupMeta(ctx)
			if err != nil {
				return err
			}
			if ok {
				v := types.FormatTimestamp(meta.LastRun)
				s.RollupLastRun = &v
			}

			probes, err := st.ActiveProbes(ctx)
			if err != nil {
				return err
			}
			for _, p := range probes {
				pj := probeJSON{ProbeID: p.ProbeID, CalibrationID: p.CalibrationID, LastSeq: p.LastSeq}
				if p.LastSeen != nil {
					v := types.FormatTimestamp(*p.LastSeen)
					pj.LastSeen = &v
				}
				s.Probes = append(s.Probes, pj)
			}

			last, err := st.LastN(ctx, n, true)
			if err != nil {
				return err
			}
			for _, r := range last {
				s.Last = append(s.Last, toReadingJSON(r))
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			return printPeek(cmd, s, probes, last)
		},
	}

	cmd.Flags().IntVarP(&n, "count", "n", 10, "number of readings to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printPeek(cmd *cobra.Command, s peekSummary, probes []types.ProbeStatus, last []types.Reading) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

	latest := "-"
	if s.Latest != nil {
		latest = *s.Latest
	}
	rollup := "never"
	if s.RollupLastRun != nil {
		rollup = *s.RollupLastRun
	}
	fmt.Fprintf(tw, "schema\t%d\n", s.SchemaVersion)
	fmt.Fprintf(tw, "readings\t%d (latest %s)\n", s.Readings, latest)
	for _, kind := range deadLetterKinds {
		fmt.Fprintf(tw, "dead letters, %s\t%d\n", kind, s.DeadLetters[kind])
	}
	fmt.Fprintf(tw, "rollup last run\t%s\n", rollup)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "PROBE\tCALIBRATION\tLAST SEQ\tLAST SEEN")
	for _, p := range probes {
		seq := "-"
		if p.LastSeq != nil {
			seq = fmt.Sprint(*p.LastSeq)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", p.ProbeID, p.CalibrationID, seq, formatOptionalTime(p.LastSeen))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "ID\tTIME\tPROBE\tSEQ\tLUX\tRH\tTEMP\tRAW\tMOISTURE%\tQUALITY\tERR")
	for _, r := range last {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Timestamp.Format(time.TimeOnly), r.ProbeID, optInt(r.Seq),
			optFloat(r.Lux), optFloat(r.RH), optFloat(r.Temp), optInt(r.MoistureRaw), optFloat(r.MoisturePct),
			r.Quality, r.Err)
	}
	return tw.Flush()
}

func optInt(p *int64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}
