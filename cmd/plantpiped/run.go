package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MahonriReynolds/plant-pipeline/internal/archive"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
	"github.com/MahonriReynolds/plant-pipeline/internal/retention"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		port          string
		baud          int
		printReadings bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run ingestion, rollup and archive loops",
		Long: `Run ingests from the serial port while the rollup and archive jobs run
alongside, and serves Prometheus metrics when metrics.listen is set.
SIGINT or SIGTERM finishes the line or cycle in flight, flushes the spool
and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				a.cfg.Serial.Port = port
			}
			if baud > 0 {
				a.cfg.Serial.Baud = baud
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logging.Info("plantpiped starting",
				"version", Version,
				"data_dir", a.cfg.DataDir,
				"port", a.cfg.Serial.Port,
			)

			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			var echo io.Writer
			if printReadings {
				echo = cmd.OutOrStdout()
			}

			var sp *spool.Spool
			if a.cfg.Spool.Enabled {
				if sp, err = a.openSpool(); err != nil {
					return err
				}
				defer sp.Close()
			}
			p := a.newPipeline(st, sp, echo)

			src := a.serialSource(a.cfg.Serial.Port, a.cfg.Serial.Baud)
			defer src.Close()

			engine := a.rollupEngine(st)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return p.Run(gctx, src)
			})
			g.Go(func() error {
				return engine.Run(gctx)
			})
			if a.cfg.Archive.Enabled {
				exp, ret := a.exporter(st), a.retentionManager()
				g.Go(func() error {
					return archiveLoop(gctx, a.cfg.Archive.Interval, exp, ret)
				})
			}
			if a.cfg.Metrics.Listen != "" {
				g.Go(func() error {
					logging.Info("metrics listening", "addr", a.cfg.Metrics.Listen, "path", a.cfg.Metrics.Path)
					return metrics.Serve(gctx, a.cfg.Metrics.Listen, a.cfg.Metrics.Path)
				})
			}

			err = g.Wait()
			logging.Info("plantpiped stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "serial device (overrides config)")
	cmd.Flags().IntVar(&baud, "baud", 0, "baud rate (overrides config)")
	cmd.Flags().BoolVar(&printReadings, "print", false, "echo stored readings to stdout as JSON lines")
	return cmd
}

// archiveLoop exports finished days and applies retention on every tick
// until ctx is cancelled. Failures are logged and retried next tick.
func archiveLoop(ctx context.Context, every time.Duration, exp *archive.Exporter, ret *retention.Manager) error {
	log := logging.Component("archive")
	log.Info("archive loop started", "interval", every)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, _, err := archiveOnce(ctx, exp, ret); err != nil {
			log.Error("archive pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			log.Info("archive loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// archiveOnce exports pending days, then runs retention.
func archiveOnce(ctx context.Context, exp *archive.Exporter, ret *retention.Manager) ([]archive.ExportResult, retention.CleanupResult, error) {
	results, err := exp.ExportPending(ctx, time.Now())
	if err != nil {
		return results, retention.CleanupResult{}, err
	}
	return results, ret.RunCleanup(), nil
}
