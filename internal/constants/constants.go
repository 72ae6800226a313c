// Package constants provides centralized domain-specific constants
// for plantpipe.
package constants

import "time"

// =============================================================================
// Quality - derived per reading, distinct from the device err string
// =============================================================================

const (
	// QualityOK marks a reading with every sensor present and no device error.
	QualityOK = "ok"

	// QualityBad marks a reading with a device error or a missing sensor value.
	QualityBad = "bad"
)

// ValidQualities contains all valid quality values
var ValidQualities = []string{QualityOK, QualityBad}

// IsValidQuality checks if a quality flag is valid
func IsValidQuality(q string) bool {
	for _, v := range ValidQualities {
		if v == q {
			return true
		}
	}
	return false
}

// =============================================================================
// Metrics - the numeric columns of a reading
// =============================================================================

const (
	MetricLux         = "lux"
	MetricRH          = "rh"
	MetricTemp        = "temp"
	MetricMoisturePct = "moisture_pct"
	MetricMoistureRaw = "moisture_raw"
)

// Metrics lists every aggregated metric in column order.
var Metrics = []string{MetricLux, MetricRH, MetricTemp, MetricMoisturePct, MetricMoistureRaw}

// IsValidMetric checks if name is an aggregated metric
func IsValidMetric(name string) bool {
	for _, m := range Metrics {
		if m == name {
			return true
		}
	}
	return false
}

// =============================================================================
// Time layout
// =============================================================================

// TimestampLayout is the stored form of every UTC timestamp (second precision).
const TimestampLayout = "2006-01-02T15:04:05Z"

// BucketWidth is the rollup bucket size.
const BucketWidth = 5 * time.Minute

// =============================================================================
// Read surface limits
// =============================================================================

const (
	// MaxLastN caps the last-N readings query.
	MaxLastN = 5000

	// MaxUpdatedWithinSec caps the "updated within" window.
	MaxUpdatedWithinSec = 86400

	// MaxSeriesRows caps a single series query.
	MaxSeriesRows = 100000
)
