package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Serial.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("serial: %w", err))
	}

	if err := c.Store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}

	if err := c.Spool.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("spool: %w", err))
	}

	if err := c.Calibration.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("calibration: %w", err))
	}

	if err := c.Rollup.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rollup: %w", err))
	}

	if err := c.Archive.Validate(c.Rollup.Backfill); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, errors.New("logging: format must be text or json"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the serial configuration.
func (c *SerialConfig) Validate() error {
	var errs []error

	if c.Baud <= 0 {
		errs = append(errs, errors.New("baud must be positive"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("read_timeout must be positive"))
	}
	if c.MaxLineBytes < 64 {
		errs = append(errs, errors.New("max_line_bytes must be at least 64"))
	}
	if c.Reconnect.Initial <= 0 {
		errs = append(errs, errors.New("reconnect.initial must be positive"))
	}
	if c.Reconnect.Max < c.Reconnect.Initial {
		errs = append(errs, errors.New("reconnect.max must be >= reconnect.initial"))
	}
	if c.Reconnect.MaxElapsed < 0 {
		errs = append(errs, errors.New("reconnect.max_elapsed must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	var errs []error

	if c.BusyTimeoutMs < 0 {
		errs = append(errs, errors.New("busy_timeout_ms must be non-negative"))
	}
	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}
	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the spool configuration.
func (c *SpoolConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Base == "" {
		errs = append(errs, errors.New("base is required"))
	}
	if c.FlushRows <= 0 {
		errs = append(errs, errors.New("flush_rows must be positive"))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, errors.New("flush_interval must be positive"))
	}
	if c.MaxSegmentSize <= 0 {
		errs = append(errs, errors.New("max_segment_size must be positive"))
	}
	if c.RetainSegments < 0 {
		errs = append(errs, errors.New("retain_segments must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the calibration defaults.
func (c *CalibrationConfig) Validate() error {
	var errs []error
	d := c.Defaults

	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache_ttl must be non-negative"))
	}

	if d.RawDry < 0 || d.RawWet < 0 {
		errs = append(errs, errors.New("defaults.raw_dry and defaults.raw_wet must be non-negative"))
	}
	if d.RawDry == d.RawWet {
		errs = append(errs, errors.New("defaults.raw_dry must differ from defaults.raw_wet"))
	}
	if d.LuxMin > d.LuxMax {
		errs = append(errs, errors.New("defaults.lux_min must be <= defaults.lux_max"))
	}
	if d.RHMin > d.RHMax {
		errs = append(errs, errors.New("defaults.rh_min must be <= defaults.rh_max"))
	}
	if d.TempMin > d.TempMax {
		errs = append(errs, errors.New("defaults.temp_min must be <= defaults.temp_max"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the rollup configuration.
func (c *RollupConfig) Validate() error {
	var errs []error

	if c.Backfill < constants.BucketWidth {
		errs = append(errs, fmt.Errorf("backfill must be at least %s", constants.BucketWidth))
	}
	if c.Tick <= 0 {
		errs = append(errs, errors.New("tick must be positive"))
	}
	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy >= 1 {
			errs = append(errs, errors.New("percentile.accuracy must be between 0 and 1"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate(backfill time.Duration) error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.Retention <= backfill {
		errs = append(errs, errors.New("retention must exceed rollup.backfill"))
	}

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, errors.New("compression.algorithm must be one of: snappy, zstd, lz4, gzip, none"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Spool.Enabled {
		dirs = append(dirs, c.SpoolDir())
	}
	if c.Archive.Enabled {
		dirs = append(dirs, c.ArchiveDir())
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
