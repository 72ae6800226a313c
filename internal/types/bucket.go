package types

import (
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
)

// MetricStats summarizes one metric inside a bucket.
// A zero Count means the metric was null for every reading and the
// remaining fields are meaningless. P50 is nil when percentiles are off.
type MetricStats struct {
	Count int64
	Avg   float64
	Min   float64
	Max   float64
	P50   *float64
}

// Bucket is the aggregate of one probe over one UTC-aligned window.
type Bucket struct {
	ProbeID int64
	Start   time.Time

	Rows     int64 // Readings in the window
	ErrCount int64 // Readings carrying a device error
	BadCount int64 // Readings with quality "bad"

	Lux         MetricStats
	RH          MetricStats
	Temp        MetricStats
	MoisturePct MetricStats
	MoistureRaw MetricStats
}

// End returns the exclusive end of the bucket window.
func (b *Bucket) End() time.Time {
	return b.Start.Add(constants.BucketWidth)
}

// Metric returns the stats for the named metric, nil if unknown.
func (b *Bucket) Metric(name string) *MetricStats {
	switch name {
	case constants.MetricLux:
		return &b.Lux
	case constants.MetricRH:
		return &b.RH
	case constants.MetricTemp:
		return &b.Temp
	case constants.MetricMoisturePct:
		return &b.MoisturePct
	case constants.MetricMoistureRaw:
		return &b.MoistureRaw
	default:
		return nil
	}
}

// Key identifies the bucket.
type BucketKey struct {
	ProbeID int64
	Start   time.Time
}

// Key returns the bucket's identity.
func (b *Bucket) Key() BucketKey {
	return BucketKey{ProbeID: b.ProbeID, Start: b.Start}
}

// BucketStart returns the start of the width-aligned UTC window holding t.
func BucketStart(t time.Time, width time.Duration) time.Time {
	return t.UTC().Truncate(width)
}

// ProbeStatus summarizes one probe with an active calibration.
type ProbeStatus struct {
	ProbeID       int64
	CalibrationID int64
	LastSeq       *int64
	LastSeen      *time.Time
}

// RollupMeta records the last completed rollup cycle.
type RollupMeta struct {
	LastRun    time.Time
	LastCutoff time.Time
}
