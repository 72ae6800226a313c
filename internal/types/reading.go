package types

import (
	"fmt"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
)

// Frame is one decoded wire record. Sensor values are nil when the device
// sent null. MoisturePct is what the device reported and is never trusted.
type Frame struct {
	ProbeID     int64
	Seq         int64
	Lux         *float64
	RH          *float64
	Temp        *float64
	MoistureRaw int64
	MoisturePct *float64
	Err         *string
}

// Reading represents one accepted measurement.
// Readings are immutable once persisted.
type Reading struct {
	// Identity
	ID      int64 // Assigned by the store, monotonically increasing
	ProbeID int64
	Seq     *int64 // nil when the source does not sequence its records

	// Timestamp is the ingestion wall clock, UTC, second precision.
	Timestamp time.Time

	// Measurements
	Lux         *float64
	RH          *float64
	Temp        *float64
	MoistureRaw *int64
	MoisturePct *float64 // Derived from MoistureRaw by the probe's calibration

	// Provenance
	CalibrationID *int64
	Err           string // Device-reported error, passthrough
	Quality       string // Derived: constants.QualityOK or constants.QualityBad
	Raw           string // The input line as received
}

// HasMeasurement reports whether at least one sensor value is present.
func (r *Reading) HasMeasurement() bool {
	return r.Lux != nil || r.RH != nil || r.Temp != nil || r.MoistureRaw != nil
}

// Validate checks the invariants every stored reading must satisfy.
func (r *Reading) Validate() error {
	if !r.HasMeasurement() {
		return fmt.Errorf("probe %d: %w: %w", r.ProbeID, errors.ErrInvalidReading, errors.ErrEmptyMeasurement)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("probe %d: missing timestamp: %w", r.ProbeID, errors.ErrInvalidReading)
	}
	if r.Timestamp.Location() != time.UTC || r.Timestamp.Nanosecond() != 0 {
		return fmt.Errorf("probe %d: timestamp %s is not UTC second precision: %w",
			r.ProbeID, r.Timestamp, errors.ErrInvalidReading)
	}
	if r.Quality != "" && !constants.IsValidQuality(r.Quality) {
		return fmt.Errorf("probe %d: quality %q: %w", r.ProbeID, r.Quality, errors.ErrInvalidReading)
	}
	return nil
}

// StampedAt normalizes t to the stored timestamp form.
func StampedAt(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// FormatTimestamp renders t in the stored layout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(constants.TimestampLayout)
}

// ParseTimestamp parses a stored timestamp strictly.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(constants.TimestampLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// DeriveQuality flags a reading bad when the device reported an error or
// any sensor value is missing.
func DeriveQuality(r *Reading) string {
	if r.Err != "" {
		return constants.QualityBad
	}
	if r.Lux == nil || r.RH == nil || r.Temp == nil || r.MoistureRaw == nil {
		return constants.QualityBad
	}
	return constants.QualityOK
}

// Metric returns the named metric value, false when absent.
func (r *Reading) Metric(name string) (float64, bool) {
	switch name {
	case constants.MetricLux:
		return deref(r.Lux)
	case constants.MetricRH:
		return deref(r.RH)
	case constants.MetricTemp:
		return deref(r.Temp)
	case constants.MetricMoisturePct:
		return deref(r.MoisturePct)
	case constants.MetricMoistureRaw:
		if r.MoistureRaw == nil {
			return 0, false
		}
		return float64(*r.MoistureRaw), true
	default:
		return 0, false
	}
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }

// DeadLetter is a line that failed decode, validation, or storage.
type DeadLetter struct {
	ID        int64
	Timestamp time.Time
	Line      string
	Kind      string
	Reason    string
	Session   string // Ingestion session that recorded it
}

// AlertThreshold is a per-probe low/high alarm pair for one metric.
type AlertThreshold struct {
	ProbeID int64
	Metric  string
	Low     *float64
	High    *float64
}

// Breached reports whether v lies outside the threshold.
func (a AlertThreshold) Breached(v float64) bool {
	if a.Low != nil && v < *a.Low {
		return true
	}
	if a.High != nil && v > *a.High {
		return true
	}
	return false
}

// SeriesQuery selects one metric over a time range.
type SeriesQuery struct {
	ProbeID     *int64 // nil selects every probe
	Metric      string
	Start       time.Time // inclusive
	End         time.Time // exclusive
	Limit       int
	OldestFirst bool
}

// SeriesPoint is one value of a series.
type SeriesPoint struct {
	Timestamp time.Time
	ProbeID   int64
	Value     float64
}
