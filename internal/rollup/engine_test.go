package rollup

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/store"
	testutil "github.com/MahonriReynolds/plant-pipeline/internal/testing"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

var cycleTime = time.Date(2026, 10, 19, 12, 7, 30, 0, time.UTC)

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 10, 19, hh, mm, ss, 0, time.UTC)
}

type fixture struct {
	store *store.Store
	clock *testutil.Clock
	seq   map[int64]int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), store.DefaultConfig(filepath.Join(t.TempDir(), "plant.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return &fixture{store: s, clock: testutil.NewClock(cycleTime), seq: map[int64]int64{}}
}

func (f *fixture) insert(t *testing.T, probe int64, ts time.Time, mutate func(*types.Reading)) {
	t.Helper()
	f.seq[probe]++
	r := types.Reading{
		ProbeID:     probe,
		Seq:         types.Int(f.seq[probe]),
		Timestamp:   ts,
		Lux:         types.Float(100),
		RH:          types.Float(50),
		Temp:        types.Float(20),
		MoistureRaw: types.Int(400),
		MoisturePct: types.Float(46),
	}
	if mutate != nil {
		mutate(&r)
	}
	if _, err := f.store.InsertReading(context.Background(), &r); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func (f *fixture) engine() *Engine {
	cfg := DefaultConfig()
	cfg.Now = f.clock.Now
	return New(f.store, cfg)
}

func (f *fixture) buckets(t *testing.T) []types.Bucket {
	t.Helper()
	out, err := f.store.Buckets(context.Background(), nil, at(0, 0, 0), at(23, 59, 0))
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestWindow(t *testing.T) {
	tests := []struct {
		name         string
		now          time.Time
		backfill     time.Duration
		lower, upper time.Time
	}{
		{"default backfill", at(12, 7, 30), 90 * time.Minute, at(10, 35, 0), at(12, 5, 0)},
		{"on boundary", at(12, 5, 0), 90 * time.Minute, at(10, 35, 0), at(12, 5, 0)},
		{"unaligned backfill floors", at(12, 7, 30), 7 * time.Minute, at(11, 55, 0), at(12, 5, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower, upper := Window(tt.now, tt.backfill)
			if !lower.Equal(tt.lower) || !upper.Equal(tt.upper) {
				t.Errorf("Window = [%s, %s), want [%s, %s)", lower, upper, tt.lower, tt.upper)
			}
		})
	}
}

func TestRunOnceAggregates(t *testing.T) {
	f := newFixture(t)

	f.insert(t, 1, at(11, 50, 10), nil)
	f.insert(t, 1, at(11, 51, 0), func(r *types.Reading) {
		r.Lux = types.Float(200)
		r.Temp = nil
		r.Err = "sensor"
	})
	f.insert(t, 1, at(11, 56, 0), func(r *types.Reading) { r.Lux = types.Float(300) })
	f.insert(t, 2, at(11, 52, 0), func(r *types.Reading) { r.Lux = types.Float(10) })
	f.insert(t, 1, at(12, 6, 0), nil) // current bucket, not yet complete
	f.insert(t, 1, at(10, 0, 0), nil) // before the backfill window

	e := f.engine()
	res, err := e.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Readings != 4 || res.Buckets != 3 {
		t.Errorf("result = %+v, want 4 readings in 3 buckets", res)
	}
	if e.State() != StateDone {
		t.Errorf("State() = %s, want done", e.State())
	}

	got := f.buckets(t)
	if len(got) != 3 {
		t.Fatalf("stored %d buckets, want 3", len(got))
	}

	b := got[0]
	if b.ProbeID != 1 || !b.Start.Equal(at(11, 50, 0)) {
		t.Fatalf("first bucket = probe %d at %s", b.ProbeID, b.Start)
	}
	if b.Rows != 2 || b.ErrCount != 1 || b.BadCount != 1 {
		t.Errorf("rows/err/bad = %d/%d/%d, want 2/1/1", b.Rows, b.ErrCount, b.BadCount)
	}
	if b.Lux.Count != 2 || b.Lux.Avg != 150 || b.Lux.Min != 100 || b.Lux.Max != 200 {
		t.Errorf("lux stats = %+v", b.Lux)
	}
	if b.Temp.Count != 1 || b.Temp.Avg != 20 {
		t.Errorf("temp stats = %+v, null values must be skipped", b.Temp)
	}
	if b.Temp.P50 == nil || math.Abs(*b.Temp.P50-20) > 0.4 {
		t.Errorf("temp p50 = %v, want about 20", b.Temp.P50)
	}

	if got[1].ProbeID != 1 || !got[1].Start.Equal(at(11, 55, 0)) || got[1].Rows != 1 {
		t.Errorf("second bucket = %+v", got[1])
	}
	if got[2].ProbeID != 2 || got[2].Lux.Max != 10 {
		t.Errorf("third bucket = %+v", got[2])
	}

	meta, ok, err := f.store.RollupMeta(context.Background())
	if err != nil || !ok {
		t.Fatalf("RollupMeta = %v, %v", ok, err)
	}
	if !meta.LastCutoff.Equal(at(12, 5, 0)) || !meta.LastRun.Equal(cycleTime) {
		t.Errorf("meta = %+v", meta)
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		ts := at(11, 30, 0).Add(time.Duration(i) * 97 * time.Second)
		f.insert(t, int64(i%3+1), ts, func(r *types.Reading) {
			r.Lux = types.Float(0.1 * float64(i*7))
			r.Temp = types.Float(-3.3 + float64(i)/7)
		})
	}

	e := f.engine()
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := f.buckets(t)

	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := f.buckets(t)

	if len(first) == 0 {
		t.Fatal("no buckets written")
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("a second cycle over unchanged readings changed bucket rows")
	}
}

func TestLateArrivalIsPickedUp(t *testing.T) {
	f := newFixture(t)
	f.insert(t, 1, at(11, 40, 0), nil)

	e := f.engine()
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.insert(t, 1, at(11, 41, 0), func(r *types.Reading) { r.Lux = types.Float(300) })
	f.clock.Advance(time.Minute)
	if _, err := e.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := f.buckets(t)
	if len(got) != 1 || got[0].Rows != 2 || got[0].Lux.Max != 300 {
		t.Errorf("bucket after late arrival = %+v", got)
	}
}

type failingStore struct {
	readings []types.Reading
	err      error
}

func (s *failingStore) ReadingsBetween(context.Context, time.Time, time.Time) ([]types.Reading, error) {
	return s.readings, nil
}

func (s *failingStore) UpsertBuckets(context.Context, []types.Bucket, types.RollupMeta) error {
	return s.err
}

func TestRunOnceFailure(t *testing.T) {
	boom := fmt.Errorf("disk I/O error")
	fs := &failingStore{
		readings: []types.Reading{{ProbeID: 1, Timestamp: at(11, 50, 0), Lux: types.Float(1)}},
		err:      boom,
	}
	cfg := DefaultConfig()
	cfg.Now = testutil.NewClock(cycleTime).Now
	e := New(fs, cfg)

	_, err := e.RunOnce(context.Background())
	if !errors.Is(err, errors.ErrRollup) || !errors.Is(err, boom) {
		t.Fatalf("RunOnce error = %v", err)
	}
	if e.State() != StateFailed {
		t.Errorf("State() = %s, want failed", e.State())
	}
	if e.LastResult().Buckets != 0 {
		t.Error("a failed cycle must not replace the last result")
	}
}

type blockingStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) ReadingsBetween(ctx context.Context, _, _ time.Time) ([]types.Reading, error) {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func (s *blockingStore) UpsertBuckets(context.Context, []types.Bucket, types.RollupMeta) error {
	return nil
}

func TestRunOnceRejectsOverlappingCycles(t *testing.T) {
	bs := &blockingStore{entered: make(chan struct{}), release: make(chan struct{})}
	e := New(bs, DefaultConfig())

	gt := testutil.NewGoroutineTest(t)
	gt.Go(func() error {
		_, err := e.RunOnce(context.Background())
		return err
	})

	<-bs.entered
	if _, err := e.RunOnce(context.Background()); !errors.Is(err, errors.ErrRollupRunning) {
		t.Errorf("overlapping RunOnce error = %v, want ErrRollupRunning", err)
	}
	close(bs.release)
	gt.Wait()
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	cfg.Tick = 20 * time.Millisecond
	e := New(f.store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return e.Cycles() >= 2
	}); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := testutil.WithTimeout(time.Second, func() error { return <-done }); err != nil {
		t.Errorf("Run returned %v", err)
	}
}
