// Package config provides configuration defaults for plantpipe.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml, environment variables,
// or command-line flags.
package config

import "time"

// =============================================================================
// Serial Defaults
// =============================================================================

const (
	// DefaultSerialPort is the device path of the probe board.
	// Override via config: serial.port, env PLANTPIPE_SERIAL_PORT
	DefaultSerialPort = "/dev/ttyACM0"

	// DefaultSerialBaud matches the probe firmware.
	// Override via config: serial.baud, env PLANTPIPE_SERIAL_BAUD
	DefaultSerialBaud = 115200

	// DefaultSerialReadTimeout bounds a single blocking read.
	// On timeout the ingestion loop gets a chance to flush the spool.
	// Override via config: serial.read_timeout
	DefaultSerialReadTimeout = 2500 * time.Millisecond

	// DefaultMaxLineBytes caps a single input line. Longer lines are dead-lettered.
	// Override via config: serial.max_line_bytes
	DefaultMaxLineBytes = 16 * 1024
)

// =============================================================================
// Reconnect Defaults
// =============================================================================

const (
	// DefaultReconnectInitial is the first backoff delay after a failed open.
	DefaultReconnectInitial = time.Second

	// DefaultReconnectMax caps the backoff delay.
	DefaultReconnectMax = 30 * time.Second

	// DefaultReconnectMaxElapsed gives up on the port after this long.
	// Zero retries forever.
	DefaultReconnectMaxElapsed = time.Duration(0)
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultDBFile is the SQLite file name inside data_dir.
	// Override via config: store.path, env PLANTPIPE_DB_PATH
	DefaultDBFile = "plant.db"

	// DefaultBusyTimeoutMs is how long a writer waits on a locked database.
	DefaultBusyTimeoutMs = 5000

	// DefaultMaxOpenConns sizes the shared connection pool.
	DefaultMaxOpenConns = 4

	// DefaultQueryTimeout bounds read-surface queries.
	DefaultQueryTimeout = 10 * time.Second
)

// =============================================================================
// Spool Defaults
// =============================================================================

const (
	// DefaultSpoolBase is the active segment file name.
	DefaultSpoolBase = "readings.spool"

	// DefaultSpoolFlushRows flushes and fsyncs after this many appended lines.
	// Override via config: spool.flush_rows
	DefaultSpoolFlushRows = 25

	// DefaultSpoolFlushInterval flushes and fsyncs after this much time
	// even when fewer rows arrived.
	// Override via config: spool.flush_interval
	DefaultSpoolFlushInterval = 5 * time.Second

	// DefaultSpoolMaxSegmentSize rotates the active segment past this size.
	// Override via config: spool.max_segment_size
	DefaultSpoolMaxSegmentSize = 8 * 1024 * 1024

	// DefaultSpoolRetainSegments keeps this many retired segments.
	// Override via config: spool.retain_segments
	DefaultSpoolRetainSegments = 10
)

// =============================================================================
// Calibration Defaults (applied to probes seen for the first time)
// =============================================================================

const (
	DefaultRawDry  = 520
	DefaultRawWet  = 260
	DefaultLuxMin  = 0.0
	DefaultLuxMax  = 120000.0
	DefaultRHMin   = 0.0
	DefaultRHMax   = 100.0
	DefaultTempMin = -20.0
	DefaultTempMax = 60.0
)

const (
	// DefaultCalibrationCacheTTL bounds how long a cached calibration is
	// trusted before the active row is re-read. A supersede made by another
	// process takes effect within this window.
	// Override via config: calibration.cache_ttl
	DefaultCalibrationCacheTTL = 30 * time.Second
)

// =============================================================================
// Rollup Defaults
// =============================================================================

const (
	// DefaultRollupBackfill is the trailing span re-aggregated every cycle.
	// Override via config: rollup.backfill
	DefaultRollupBackfill = 90 * time.Minute

	// DefaultRollupTick is the cycle period; cycles start on tick boundaries.
	// Override via config: rollup.tick
	DefaultRollupTick = 60 * time.Second

	// DefaultRollupPercentileAccuracy is the DDSketch relative accuracy.
	DefaultRollupPercentileAccuracy = 0.01
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveInterval is how often finished days are exported.
	DefaultArchiveInterval = time.Hour

	// DefaultArchiveRetention deletes archive files older than this.
	DefaultArchiveRetention = 2 * 365 * 24 * time.Hour

	// DefaultArchiveCompression is the Parquet codec.
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMetricsPath is where the Prometheus handler is mounted.
	DefaultMetricsPath = "/metrics"
)
