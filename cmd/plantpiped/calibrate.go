package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/calibration"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

func newCalibrateCmd(a *app) *cobra.Command {
	var (
		probe   int64
		history bool
		next    types.Calibration
	)

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Supersede a probe's calibration",
		Long: `Calibrate makes a new calibration the probe's active one. Unset envelope
flags keep the probe's current values, or the configured defaults when the
probe has none. Stored readings keep the calibration they were computed with.

Examples:
  plantpiped calibrate --probe 3 --dry 498 --wet 231
  plantpiped calibrate --probe 3 --history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if history {
				cals, err := st.CalibrationHistory(ctx, probe)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tACTIVE\tDRY\tWET\tLUX\tRH\tTEMP\tCREATED\tNOTES")
				for _, c := range cals {
					fmt.Fprintf(tw, "%d\t%t\t%d\t%d\t%g..%g\t%g..%g\t%g..%g\t%s\t%s\n",
						c.ID, c.Active, c.RawDry, c.RawWet,
						c.LuxMin, c.LuxMax, c.RHMin, c.RHMax, c.TempMin, c.TempMax,
						types.FormatTimestamp(c.CreatedAt), c.Notes)
				}
				return tw.Flush()
			}

			svc := calibration.New(st)
			base, ok, err := svc.ActiveEnvelope(ctx, probe)
			if err != nil {
				return err
			}
			if !ok {
				base = a.cfg.Calibration.Defaults.ForProbe(probe)
			}

			f := cmd.Flags()
			if !f.Changed("dry") || !f.Changed("wet") {
				return fmt.Errorf("--dry and --wet are required")
			}
			merged := base
			merged.RawDry, merged.RawWet = next.RawDry, next.RawWet
			for name, dst := range map[string]*float64{
				"lux-min": &merged.LuxMin, "lux-max": &merged.LuxMax,
				"rh-min": &merged.RHMin, "rh-max": &merged.RHMax,
				"temp-min": &merged.TempMin, "temp-max": &merged.TempMax,
			} {
				if f.Changed(name) {
					v, _ := f.GetFloat64(name)
					*dst = v
				}
			}
			merged.Notes = next.Notes

			id, err := svc.Supersede(ctx, probe, merged)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "probe %d: calibration %d active (dry=%d wet=%d)\n",
				probe, id, merged.RawDry, merged.RawWet)
			return nil
		},
	}

	f := cmd.Flags()
	f.Int64Var(&probe, "probe", 0, "probe id")
	f.BoolVar(&history, "history", false, "list the probe's calibrations instead")
	f.Int64Var(&next.RawDry, "dry", 0, "raw moisture reading in dry air")
	f.Int64Var(&next.RawWet, "wet", 0, "raw moisture reading in water")
	f.Float64("lux-min", 0, "lux envelope minimum")
	f.Float64("lux-max", 0, "lux envelope maximum")
	f.Float64("rh-min", 0, "relative humidity envelope minimum")
	f.Float64("rh-max", 0, "relative humidity envelope maximum")
	f.Float64("temp-min", 0, "temperature envelope minimum")
	f.Float64("temp-max", 0, "temperature envelope maximum")
	f.StringVar(&next.Notes, "notes", "", "free-form notes")
	cmd.MarkFlagRequired("probe")
	return cmd
}

func newThresholdCmd(a *app) *cobra.Command {
	var (
		probe  int64
		metric string
		low    float64
		high   float64
	)

	cmd := &cobra.Command{
		Use:   "threshold",
		Short: "Set or list a probe's alert thresholds",
		Long: `Threshold sets a low and/or high alarm for one metric of a probe. Stored
readings outside it are logged as warnings by the ingestion loop. Without
--metric it lists the probe's thresholds.

Examples:
  plantpiped threshold --probe 3 --metric moisture_pct --low 25
  plantpiped threshold --probe 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			f := cmd.Flags()
			if metric != "" {
				th := types.AlertThreshold{ProbeID: probe, Metric: metric}
				if f.Changed("low") {
					th.Low = types.Float(low)
				}
				if f.Changed("high") {
					th.High = types.Float(high)
				}
				if th.Low == nil && th.High == nil {
					return fmt.Errorf("--low or --high is required")
				}
				if err := st.SetAlertThreshold(ctx, th); err != nil {
					return err
				}
			}

			ths, err := st.AlertThresholds(ctx, probe)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METRIC\tLOW\tHIGH")
			for _, th := range ths {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", th.Metric, optFloat(th.Low), optFloat(th.High))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().Int64Var(&probe, "probe", 0, "probe id")
	cmd.Flags().StringVar(&metric, "metric", "", "lux, rh, temp, moisture_pct or moisture_raw")
	cmd.Flags().Float64Var(&low, "low", 0, "alarm below this value")
	cmd.Flags().Float64Var(&high, "high", 0, "alarm above this value")
	cmd.MarkFlagRequired("probe")
	return cmd
}

func optFloat(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *p)
}
