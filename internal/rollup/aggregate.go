package rollup

import (
	"math"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// metricAggregate maintains running statistics for one metric of one
// bucket. It supports an optional median using DDSketch.
type metricAggregate struct {
	count  int64
	sum    float64
	min    float64
	max    float64
	sketch *ddsketch.DDSketch
}

func newMetricAggregate(accuracy float64) *metricAggregate {
	a := &metricAggregate{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			a.sketch = sketch
		}
	}
	return a
}

func (a *metricAggregate) add(v float64) {
	a.count++
	a.sum += v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
	if a.sketch != nil {
		a.sketch.Add(v)
	}
}

func (a *metricAggregate) result() types.MetricStats {
	if a.count == 0 {
		return types.MetricStats{}
	}

	st := types.MetricStats{
		Count: a.count,
		Avg:   a.sum / float64(a.count),
		Min:   a.min,
		Max:   a.max,
	}
	if a.sketch != nil {
		if p50, err := a.sketch.GetValueAtQuantile(0.50); err == nil {
			st.P50 = &p50
		}
	}
	return st
}

// bucketAggregate accumulates every reading of one probe in one bucket.
type bucketAggregate struct {
	key      types.BucketKey
	rows     int64
	errCount int64
	badCount int64
	metrics  map[string]*metricAggregate
}

func newBucketAggregate(key types.BucketKey, accuracy float64) *bucketAggregate {
	b := &bucketAggregate{
		key:     key,
		metrics: make(map[string]*metricAggregate, len(constants.Metrics)),
	}
	for _, m := range constants.Metrics {
		b.metrics[m] = newMetricAggregate(accuracy)
	}
	return b
}

func (b *bucketAggregate) add(r *types.Reading) {
	b.rows++
	if r.Err != "" {
		b.errCount++
	}
	if r.Quality == constants.QualityBad {
		b.badCount++
	}
	for _, m := range constants.Metrics {
		if v, ok := r.Metric(m); ok {
			b.metrics[m].add(v)
		}
	}
}

func (b *bucketAggregate) result() types.Bucket {
	out := types.Bucket{
		ProbeID:  b.key.ProbeID,
		Start:    b.key.Start,
		Rows:     b.rows,
		ErrCount: b.errCount,
		BadCount: b.badCount,
	}
	for _, m := range constants.Metrics {
		*out.Metric(m) = b.metrics[m].result()
	}
	return out
}

// Aggregator groups readings into probe buckets of a fixed width.
type Aggregator struct {
	width    time.Duration
	accuracy float64
	buckets  map[types.BucketKey]*bucketAggregate
	readings int64
}

// NewAggregator creates an aggregator. A zero accuracy disables medians.
func NewAggregator(width time.Duration, accuracy float64) *Aggregator {
	return &Aggregator{
		width:    width,
		accuracy: accuracy,
		buckets:  make(map[types.BucketKey]*bucketAggregate),
	}
}

// Add assigns r to its bucket.
func (a *Aggregator) Add(r *types.Reading) {
	key := types.BucketKey{ProbeID: r.ProbeID, Start: types.BucketStart(r.Timestamp, a.width)}
	b, ok := a.buckets[key]
	if !ok {
		b = newBucketAggregate(key, a.accuracy)
		a.buckets[key] = b
	}
	b.add(r)
	a.readings++
}

// Readings returns the number of readings added.
func (a *Aggregator) Readings() int64 {
	return a.readings
}

// Buckets returns every non-empty bucket ordered by probe then start.
func (a *Aggregator) Buckets() []types.Bucket {
	out := make([]types.Bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, b.result())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProbeID != out[j].ProbeID {
			return out[i].ProbeID < out[j].ProbeID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}
