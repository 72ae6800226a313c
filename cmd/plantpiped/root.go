package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MahonriReynolds/plant-pipeline/internal/archive"
	"github.com/MahonriReynolds/plant-pipeline/internal/calibration"
	"github.com/MahonriReynolds/plant-pipeline/internal/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/ingestion"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
	"github.com/MahonriReynolds/plant-pipeline/internal/retention"
	"github.com/MahonriReynolds/plant-pipeline/internal/rollup"
	"github.com/MahonriReynolds/plant-pipeline/internal/sequence"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
	"github.com/MahonriReynolds/plant-pipeline/internal/store"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// alertTTL is how long alert thresholds are cached per probe.
const alertTTL = time.Minute

// app carries the global flags and the loaded configuration to every
// subcommand.
type app struct {
	cfgPath   string
	dataDir   string
	dbPath    string
	logLevel  string
	logFormat string
	verbose   bool

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "plantpiped",
		Short: "Plant sensor telemetry pipeline",
		Long: `plantpiped reads newline-delimited JSON frames from the probe board,
validates and calibrates them, stores accepted readings in SQLite and keeps
5-minute rollups plus a daily Parquet archive of those rollups.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgPath, "config", "c", "plantpipe.yaml", "config file path")
	flags.StringVar(&a.dataDir, "data-dir", "", "data directory (overrides config)")
	flags.StringVar(&a.dbPath, "db", "", "database path (overrides config)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(a),
		newIngestCmd(a),
		newRollupCmd(a),
		newArchiveCmd(a),
		newReplayCmd(a),
		newCalibrateCmd(a),
		newThresholdCmd(a),
		newPeekCmd(a),
		newMigrateCmd(a),
	)

	return root
}

// load reads the config file, applies flag overrides, validates the result
// and initializes logging.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.LoadOrDefault(a.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.dbPath != "" {
		cfg.Store.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logging.InitWriter(cmd.ErrOrStderr(), level, strings.EqualFold(cfg.Logging.Format, "json"))

	a.cfg = cfg
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, store.Config{
		Path:          a.cfg.DBPath(),
		BusyTimeoutMs: a.cfg.Store.BusyTimeoutMs,
		MaxOpenConns:  a.cfg.Store.MaxOpenConns,
		QueryTimeout:  a.cfg.Store.QueryTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", a.cfg.DBPath(), err)
	}
	return st, nil
}

func (a *app) openSpool() (*spool.Spool, error) {
	opts := spool.DefaultOptions()
	opts.Base = a.cfg.Spool.Base
	opts.FlushRows = a.cfg.Spool.FlushRows
	opts.FlushInterval = a.cfg.Spool.FlushInterval
	opts.MaxSegmentSize = a.cfg.Spool.MaxSegmentSize
	opts.RetainSegments = a.cfg.Spool.RetainSegments
	opts.OnFlush = metrics.SpoolFlushes.Inc
	opts.OnRotate = metrics.SpoolRotations.Inc

	sp, err := spool.Open(a.cfg.SpoolDir(), opts)
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", a.cfg.SpoolDir(), err)
	}
	return sp, nil
}

// pipelineOptions builds the ingestion options. When echo is set every
// stored reading is written to it as a JSON line.
func (a *app) pipelineOptions(st *store.Store, echo io.Writer) ingestion.Options {
	opts := ingestion.Options{
		AutoCreate:   a.cfg.Calibration.AutoCreate,
		Defaults:     a.cfg.Calibration.Defaults.ForProbe,
		MaxLineBytes: a.cfg.Serial.MaxLineBytes,
		Alerts:       ingestion.NewAlerts(st, alertTTL, nil),
	}
	if echo != nil {
		enc := newReadingEncoder(echo)
		opts.OnAccepted = func(r types.Reading) {
			if err := enc.encode(r); err != nil {
				logging.Warn("echo failed", "error", err)
			}
		}
	}
	return opts
}

// newPipeline wires a pipeline over st. sp may be nil.
func (a *app) newPipeline(st *store.Store, sp *spool.Spool, echo io.Writer) *ingestion.Pipeline {
	var s ingestion.Spool
	if sp != nil {
		s = sp
	}
	return ingestion.New(st, calibration.New(st, calibration.WithTTL(a.cfg.Calibration.CacheTTL)), sequence.New(st), s, a.pipelineOptions(st, echo))
}

func (a *app) serialSource(port string, baud int) *ingestion.SerialSource {
	return ingestion.NewSerialSource(ingestion.SerialConfig{
		Port:                port,
		Baud:                baud,
		ReadTimeout:         a.cfg.Serial.ReadTimeout,
		MaxLineBytes:        a.cfg.Serial.MaxLineBytes,
		ReconnectInitial:    a.cfg.Serial.Reconnect.Initial,
		ReconnectMax:        a.cfg.Serial.Reconnect.Max,
		ReconnectMaxElapsed: a.cfg.Serial.Reconnect.MaxElapsed,
	})
}

func (a *app) rollupEngine(st *store.Store) *rollup.Engine {
	accuracy := 0.0
	if a.cfg.Rollup.Percentile.Enabled {
		accuracy = a.cfg.Rollup.Percentile.Accuracy
	}
	return rollup.New(st, rollup.Config{
		Backfill:           a.cfg.Rollup.Backfill,
		Tick:               a.cfg.Rollup.Tick,
		PercentileAccuracy: accuracy,
	})
}

func (a *app) exporter(st *store.Store) *archive.Exporter {
	return archive.NewExporter(st, archive.Options{
		Dir:         a.cfg.ArchiveDir(),
		Compression: archive.ParseCompressionType(a.cfg.Archive.Compression.Algorithm),
		Backfill:    a.cfg.Rollup.Backfill,
	})
}

func (a *app) retentionManager() *retention.Manager {
	return retention.New(a.cfg.ArchiveDir(), a.cfg.Archive.Retention, nil)
}
