package rollup

import (
	"testing"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

func TestAggregatorBuckets(t *testing.T) {
	agg := NewAggregator(constants.BucketWidth, 0)

	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	agg.Add(&types.Reading{ProbeID: 2, Timestamp: base.Add(time.Minute), MoistureRaw: types.Int(410)})
	agg.Add(&types.Reading{ProbeID: 1, Timestamp: base.Add(6 * time.Minute), Lux: types.Float(4)})
	agg.Add(&types.Reading{ProbeID: 1, Timestamp: base.Add(4*time.Minute + 59*time.Second), Lux: types.Float(2)})
	agg.Add(&types.Reading{ProbeID: 1, Timestamp: base, Lux: types.Float(-1), Quality: constants.QualityBad})

	buckets := agg.Buckets()
	if len(buckets) != 3 {
		t.Fatalf("got %d buckets, want 3", len(buckets))
	}
	if agg.Readings() != 4 {
		t.Errorf("Readings() = %d", agg.Readings())
	}

	first := buckets[0]
	if first.ProbeID != 1 || !first.Start.Equal(base) {
		t.Fatalf("first bucket = probe %d at %s", first.ProbeID, first.Start)
	}
	if first.Rows != 2 || first.BadCount != 1 {
		t.Errorf("rows/bad = %d/%d", first.Rows, first.BadCount)
	}
	if first.Lux.Min != -1 || first.Lux.Max != 2 || first.Lux.Avg != 0.5 {
		t.Errorf("lux = %+v", first.Lux)
	}
	if first.Lux.P50 != nil {
		t.Error("medians are disabled, P50 should be nil")
	}
	if first.RH.Count != 0 {
		t.Errorf("rh count = %d, want 0", first.RH.Count)
	}

	if !buckets[1].Start.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("second bucket start = %s", buckets[1].Start)
	}

	third := buckets[2]
	if third.ProbeID != 2 || third.MoistureRaw.Count != 1 || third.MoistureRaw.Avg != 410 {
		t.Errorf("probe 2 bucket = %+v", third)
	}
}

func TestMetricAggregateMedian(t *testing.T) {
	a := newMetricAggregate(0.01)
	for _, v := range []float64{10, 20, 30, 40, 50} {
		a.add(v)
	}

	st := a.result()
	if st.P50 == nil {
		t.Fatal("expected a median")
	}
	if *st.P50 < 29.4 || *st.P50 > 30.6 {
		t.Errorf("p50 = %v, want 30 within 2%%", *st.P50)
	}
	if st.Avg != 30 {
		t.Errorf("avg = %v", st.Avg)
	}
}
