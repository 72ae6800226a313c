// Package config loads and validates the plantpipe configuration.
//
// Precedence, lowest first: DefaultConfig, the YAML file, PLANTPIPE_*
// environment variables, command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// Config represents the complete configuration.
type Config struct {
	// DataDir is the root directory for the database, spool, and archive.
	DataDir string `yaml:"data_dir"`

	// Serial configures the probe link.
	Serial SerialConfig `yaml:"serial"`

	// Store configures the SQLite reading store.
	Store StoreConfig `yaml:"store"`

	// Spool configures the raw line spool.
	Spool SpoolConfig `yaml:"spool"`

	// Calibration configures first-seen probe handling.
	Calibration CalibrationConfig `yaml:"calibration"`

	// Rollup configures the 5-minute aggregation job.
	Rollup RollupConfig `yaml:"rollup"`

	// Archive configures the Parquet export tier.
	Archive ArchiveConfig `yaml:"archive"`

	// Metrics configures the Prometheus listener.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// SerialConfig configures the probe link.
type SerialConfig struct {
	// Port is the device path, e.g. /dev/ttyACM0 or COM3.
	Port string `yaml:"port"`

	// Baud is the line speed.
	Baud int `yaml:"baud"`

	// ReadTimeout bounds a single blocking read.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// MaxLineBytes caps one input line.
	MaxLineBytes int `yaml:"max_line_bytes"`

	// Reconnect configures backoff when the port cannot be opened.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig configures capped exponential backoff.
type ReconnectConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// StoreConfig configures the SQLite reading store.
type StoreConfig struct {
	// Path is the database file. Defaults to {DataDir}/plant.db.
	Path string `yaml:"path"`

	// BusyTimeoutMs is how long a writer waits on a locked database.
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`

	// MaxOpenConns sizes the shared pool.
	MaxOpenConns int `yaml:"max_open_conns"`

	// QueryTimeout bounds read queries.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// SpoolConfig configures the raw line spool.
type SpoolConfig struct {
	// Enabled turns the spool on. Replays run with it off.
	Enabled bool `yaml:"enabled"`

	// Dir is the spool directory. Defaults to {DataDir}/spool.
	Dir string `yaml:"dir"`

	// Base is the active segment file name.
	Base string `yaml:"base"`

	// FlushRows flushes after this many lines.
	FlushRows int `yaml:"flush_rows"`

	// FlushInterval flushes after this much time.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxSegmentSize rotates the active segment past this many bytes.
	MaxSegmentSize int64 `yaml:"max_segment_size"`

	// RetainSegments is how many retired segments are kept.
	RetainSegments int `yaml:"retain_segments"`
}

// CalibrationConfig configures first-seen probe handling.
type CalibrationConfig struct {
	// AutoCreate creates a calibration from Defaults for unknown probes.
	// When false, readings of uncalibrated probes fail validation.
	AutoCreate bool `yaml:"auto_create"`

	// CacheTTL is how long a probe's calibration is cached before the
	// active row is re-read. Zero caches until restart.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Defaults seeds new calibrations.
	Defaults CalibrationDefaults `yaml:"defaults"`
}

// CalibrationDefaults seeds a new probe's calibration.
type CalibrationDefaults struct {
	RawDry  int64   `yaml:"raw_dry"`
	RawWet  int64   `yaml:"raw_wet"`
	LuxMin  float64 `yaml:"lux_min"`
	LuxMax  float64 `yaml:"lux_max"`
	RHMin   float64 `yaml:"rh_min"`
	RHMax   float64 `yaml:"rh_max"`
	TempMin float64 `yaml:"temp_min"`
	TempMax float64 `yaml:"temp_max"`
	Notes   string  `yaml:"notes"`
}

// ForProbe builds an inactive calibration for probeID from the defaults.
func (d CalibrationDefaults) ForProbe(probeID int64) types.Calibration {
	return types.Calibration{
		ProbeID: probeID,
		RawDry:  d.RawDry,
		RawWet:  d.RawWet,
		LuxMin:  d.LuxMin,
		LuxMax:  d.LuxMax,
		RHMin:   d.RHMin,
		RHMax:   d.RHMax,
		TempMin: d.TempMin,
		TempMax: d.TempMax,
		Notes:   d.Notes,
	}
}

// RollupConfig configures the 5-minute aggregation job.
type RollupConfig struct {
	// Backfill is the trailing span re-aggregated every cycle.
	Backfill time.Duration `yaml:"backfill"`

	// Tick is the cycle period.
	Tick time.Duration `yaml:"tick"`

	// Percentile configures DDSketch medians.
	Percentile PercentileConfig `yaml:"percentile"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Enabled enables percentile calculation.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// ArchiveConfig configures the Parquet export tier.
type ArchiveConfig struct {
	// Enabled turns on daily exports.
	Enabled bool `yaml:"enabled"`

	// Dir is the archive root. Defaults to {DataDir}/archive.
	Dir string `yaml:"dir"`

	// Interval is how often finished days are exported.
	Interval time.Duration `yaml:"interval"`

	// Retention deletes archive files older than this.
	Retention time.Duration `yaml:"retention"`

	// Compression configures Parquet compression.
	Compression CompressionConfig `yaml:"compression"`

	// MemoryLimit is the DuckDB memory limit for archive queries.
	MemoryLimit string `yaml:"memory_limit"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Algorithm string `yaml:"algorithm"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	// Listen is the address of the /metrics listener. Empty disables it.
	Listen string `yaml:"listen"`

	// Path is the handler path.
	Path string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// LoadOrDefault is Load, falling back to DefaultConfig plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PLANTPIPE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PLANTPIPE_DATA_DIR"); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup("PLANTPIPE_SERIAL_PORT"); ok && v != "" {
		c.Serial.Port = v
	}
	if v, ok := lookup("PLANTPIPE_SERIAL_BAUD"); ok && v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PLANTPIPE_SERIAL_BAUD: %w", err)
		}
		c.Serial.Baud = baud
	}
	if v, ok := lookup("PLANTPIPE_DB_PATH"); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup("PLANTPIPE_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Serial: SerialConfig{
			Port:         defaults.DefaultSerialPort,
			Baud:         defaults.DefaultSerialBaud,
			ReadTimeout:  defaults.DefaultSerialReadTimeout,
			MaxLineBytes: defaults.DefaultMaxLineBytes,
			Reconnect: ReconnectConfig{
				Initial:    defaults.DefaultReconnectInitial,
				Max:        defaults.DefaultReconnectMax,
				MaxElapsed: defaults.DefaultReconnectMaxElapsed,
			},
		},
		Store: StoreConfig{
			BusyTimeoutMs: defaults.DefaultBusyTimeoutMs,
			MaxOpenConns:  defaults.DefaultMaxOpenConns,
			QueryTimeout:  defaults.DefaultQueryTimeout,
		},
		Spool: SpoolConfig{
			Enabled:        true,
			Base:           defaults.DefaultSpoolBase,
			FlushRows:      defaults.DefaultSpoolFlushRows,
			FlushInterval:  defaults.DefaultSpoolFlushInterval,
			MaxSegmentSize: defaults.DefaultSpoolMaxSegmentSize,
			RetainSegments: defaults.DefaultSpoolRetainSegments,
		},
		Calibration: CalibrationConfig{
			AutoCreate: true,
			CacheTTL:   defaults.DefaultCalibrationCacheTTL,
			Defaults: CalibrationDefaults{
				RawDry:  defaults.DefaultRawDry,
				RawWet:  defaults.DefaultRawWet,
				LuxMin:  defaults.DefaultLuxMin,
				LuxMax:  defaults.DefaultLuxMax,
				RHMin:   defaults.DefaultRHMin,
				RHMax:   defaults.DefaultRHMax,
				TempMin: defaults.DefaultTempMin,
				TempMax: defaults.DefaultTempMax,
				Notes:   "auto-created from defaults",
			},
		},
		Rollup: RollupConfig{
			Backfill: defaults.DefaultRollupBackfill,
			Tick:     defaults.DefaultRollupTick,
			Percentile: PercentileConfig{
				Enabled:  true,
				Accuracy: defaults.DefaultRollupPercentileAccuracy,
			},
		},
		Archive: ArchiveConfig{
			Enabled:   true,
			Interval:  defaults.DefaultArchiveInterval,
			Retention: defaults.DefaultArchiveRetention,
			Compression: CompressionConfig{
				Algorithm: defaults.DefaultArchiveCompression,
			},
			MemoryLimit: "256MB",
		},
		Metrics: MetricsConfig{
			Path: defaults.DefaultMetricsPath,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DBPath returns the database file path.
func (c *Config) DBPath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.DataDir, defaults.DefaultDBFile)
}

// SpoolDir returns the spool directory.
func (c *Config) SpoolDir() string {
	if c.Spool.Dir != "" {
		return c.Spool.Dir
	}
	return filepath.Join(c.DataDir, "spool")
}

// ArchiveDir returns the archive root directory.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
