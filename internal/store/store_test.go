package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), DefaultConfig(filepath.Join(t.TempDir(), "plant.db")))
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testCalibration() types.Calibration {
	return types.Calibration{
		RawDry: 520, RawWet: 260,
		LuxMin: 0, LuxMax: 120000,
		RHMin: 0, RHMax: 100,
		TempMin: -20, TempMax: 60,
	}
}

func reading(probe, seq int64, ts time.Time) types.Reading {
	return types.Reading{
		ProbeID:     probe,
		Seq:         types.Int(seq),
		Timestamp:   ts,
		Lux:         types.Float(100),
		RH:          types.Float(40),
		Temp:        types.Float(21.5),
		MoistureRaw: types.Int(390),
		MoisturePct: types.Float(50),
	}
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)

	migrations, err := s.Migrations(ctx)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	for _, m := range migrations {
		assert.True(t, m.Applied, "migration %d", m.Version)
	}

	require.NoError(t, s.Health(ctx))
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plant.db")
	ctx := context.Background()

	s, err := Open(ctx, DefaultConfig(path))
	require.NoError(t, err)
	r := reading(1, 1, testNow)
	_, err = s.InsertReading(ctx, &r)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, DefaultConfig(path))
	require.NoError(t, err)
	defer s.Close()

	n, err := s.RowCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// Reading tests

func TestInsertReadingAdvancesCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := reading(7, 42, testNow)
	id, err := s.InsertReading(ctx, &r)
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)
	assert.Equal(t, constants.QualityOK, r.Quality)

	seq, ok, err := s.LastSequence(ctx, 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 42, seq)

	_, ok, err = s.LastSequence(ctx, 8)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertReadingRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cal, _, err := s.EnsureCalibration(ctx, 3, testCalibration())
	require.NoError(t, err)

	r := reading(3, 1, testNow)
	r.Lux = nil
	r.Err = "sensor timeout"
	r.CalibrationID = types.Int(cal.ID)
	r.Raw = `{"probe_id":3}`
	_, err = s.InsertReading(ctx, &r)
	require.NoError(t, err)

	got, err := s.LastN(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, r, got[0])
	assert.Equal(t, constants.QualityBad, got[0].Quality)
}

func TestInsertReadingRejectsEmptyMeasurement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := types.Reading{ProbeID: 1, Seq: types.Int(1), Timestamp: testNow}
	_, err := s.InsertReading(ctx, &r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidReading)

	n, err := s.RowCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := s.LastSequence(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok, "cursor must not move on a rejected reading")
}

func TestInsertBatchIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("invalid row", func(t *testing.T) {
		batch := []types.Reading{
			reading(1, 1, testNow),
			reading(1, 2, testNow),
			{ProbeID: 1, Seq: types.Int(3), Timestamp: testNow},
		}
		err := s.InsertBatch(ctx, batch)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidReading)

		n, err := s.RowCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("constraint failure mid-batch", func(t *testing.T) {
		batch := []types.Reading{
			reading(2, 1, testNow),
			reading(2, 2, testNow),
			reading(2, 2, testNow),
		}
		err := s.InsertBatch(ctx, batch)
		require.Error(t, err)
		assert.True(t, errors.IsStorage(err))
		assert.ErrorIs(t, err, errors.ErrDuplicateSequence)

		n, err := s.RowCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		_, ok, err := s.LastSequence(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("success", func(t *testing.T) {
		batch := []types.Reading{
			reading(3, 1, testNow),
			reading(3, 2, testNow),
			reading(4, 9, testNow),
		}
		require.NoError(t, s.InsertBatch(ctx, batch))
		assert.NotZero(t, batch[0].ID)
		assert.Less(t, batch[0].ID, batch[1].ID)

		n, err := s.RowCount(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 3, n)

		cursors, err := s.Cursors(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[int64]int64{3: 2, 4: 9}, cursors)
	})
}

func TestCursorOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, seq := range []int64{5, 3} {
		r := reading(1, seq, testNow)
		_, err := s.InsertReading(ctx, &r)
		require.NoError(t, err)
	}

	seq, ok, err := s.LastSequence(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 5, seq)
}

// Calibration tests

func TestEnsureCalibrationCreatesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.EnsureCalibration(ctx, 1, testCalibration())
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, first.Active)
	assert.Equal(t, testNow, first.CreatedAt)

	second, created, err := s.EnsureCalibration(ctx, 1, testCalibration())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestEnsureCalibrationConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _, err := s.EnsureCalibration(ctx, 11, testCalibration())
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	history, err := s.CalibrationHistory(ctx, 11)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEnsureCalibrationRejectsDegenerateDefaults(t *testing.T) {
	s := newTestStore(t)

	cal := testCalibration()
	cal.RawWet = cal.RawDry
	_, _, err := s.EnsureCalibration(context.Background(), 1, cal)
	assert.ErrorIs(t, err, errors.ErrCalibrationConflict)
}

func TestEnsureCalibrationKeepsActiveOverDegenerateDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.SupersedeCalibration(ctx, types.Calibration{
		ProbeID: 4, RawDry: 600, RawWet: 200,
		LuxMax: 120000, RHMax: 100, TempMin: -20, TempMax: 60,
	})
	require.NoError(t, err)

	degenerate := testCalibration()
	degenerate.RawWet = degenerate.RawDry
	got, created, err := s.EnsureCalibration(ctx, 4, degenerate)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, active.ID, got.ID)
}

func TestSupersedeCalibration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, _, err := s.EnsureCalibration(ctx, 2, testCalibration())
	require.NoError(t, err)

	r := reading(2, 1, testNow)
	r.CalibrationID = types.Int(old.ID)
	_, err = s.InsertReading(ctx, &r)
	require.NoError(t, err)

	next := testCalibration()
	next.ProbeID = 2
	next.RawDry = 600
	next.Notes = "repotted"
	cur, err := s.SupersedeCalibration(ctx, next)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, cur.ID)

	active, err := s.ActiveCalibration(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, cur.ID, active.ID)
	assert.EqualValues(t, 600, active.RawDry)

	history, err := s.CalibrationHistory(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[1].Active)

	stored, err := s.LastN(ctx, 1, false)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, old.ID, *stored[0].CalibrationID)
}

func TestActiveCalibrationNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ActiveCalibration(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Read surface tests

func TestReadSurface(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestTimestamp(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for i := int64(0); i < 5; i++ {
		r := reading(1, i+1, testNow.Add(time.Duration(i-10)*time.Minute))
		r.Temp = types.Float(20 + float64(i))
		_, err := s.InsertReading(ctx, &r)
		require.NoError(t, err)
	}

	latest, ok, err := s.LatestTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testNow.Add(-6*time.Minute), latest)

	newest, err := s.LastN(ctx, 2, false)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.EqualValues(t, 5, *newest[0].Seq)

	oldest, err := s.LastN(ctx, 2, true)
	require.NoError(t, err)
	assert.EqualValues(t, 4, *oldest[0].Seq)

	recent, err := s.UpdatedWithin(ctx, 7*60)
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = s.UpdatedWithin(ctx, 5*60)
	require.NoError(t, err)
	assert.False(t, recent)

	since, err := s.HasUpdatesSince(ctx, testNow.Add(-6*time.Minute))
	require.NoError(t, err)
	assert.False(t, since)

	points, err := s.Series(ctx, types.SeriesQuery{
		ProbeID:     types.Int(1),
		Metric:      constants.MetricTemp,
		Start:       testNow.Add(-time.Hour),
		End:         testNow,
		OldestFirst: true,
	})
	require.NoError(t, err)
	require.Len(t, points, 5)
	assert.Equal(t, 20.0, points[0].Value)
	assert.Equal(t, 24.0, points[4].Value)
}

func TestReadSurfaceRejectsBadArguments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LastN(ctx, 0, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.LastN(ctx, constants.MaxLastN+1, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.UpdatedWithin(ctx, constants.MaxUpdatedWithinSec+1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Series(ctx, types.SeriesQuery{Metric: "ph", Start: testNow.Add(-time.Hour), End: testNow})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.Series(ctx, types.SeriesQuery{Metric: constants.MetricLux, Start: testNow, End: testNow})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestActiveProbes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, probe := range []int64{4, 2} {
		_, _, err := s.EnsureCalibration(ctx, probe, testCalibration())
		require.NoError(t, err)
	}
	r := reading(2, 17, testNow)
	_, err := s.InsertReading(ctx, &r)
	require.NoError(t, err)

	probes, err := s.ActiveProbes(ctx)
	require.NoError(t, err)
	require.Len(t, probes, 2)

	assert.EqualValues(t, 2, probes[0].ProbeID)
	require.NotNil(t, probes[0].LastSeq)
	assert.EqualValues(t, 17, *probes[0].LastSeq)
	require.NotNil(t, probes[0].LastSeen)
	assert.Equal(t, testNow, *probes[0].LastSeen)

	assert.EqualValues(t, 4, probes[1].ProbeID)
	assert.Nil(t, probes[1].LastSeq)
	assert.Nil(t, probes[1].LastSeen)
}

// Dead letter tests

func TestRecordRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.RecordRejected(ctx, types.DeadLetter{
		Line:    "{not json",
		Kind:    errors.KindDecode,
		Reason:  "invalid JSON",
		Session: "abc",
	})
	require.NoError(t, err)
	_, err = s.RecordRejected(ctx, types.DeadLetter{Line: "x", Reason: "?"})
	require.NoError(t, err)

	letters, err := s.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, errors.KindUnknown, letters[0].Kind)
	assert.Equal(t, "{not json", letters[1].Line)
	assert.Equal(t, "abc", letters[1].Session)
	assert.Equal(t, testNow, letters[1].Timestamp)

	n, err := s.DeadLetterCount(ctx, errors.KindDecode)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// Threshold tests

func TestAlertThresholds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAlertThreshold(ctx, types.AlertThreshold{
		ProbeID: 1, Metric: constants.MetricMoisturePct, Low: types.Float(20),
	}))
	require.NoError(t, s.SetAlertThreshold(ctx, types.AlertThreshold{
		ProbeID: 1, Metric: constants.MetricMoisturePct, Low: types.Float(25), High: types.Float(80),
	}))

	err := s.SetAlertThreshold(ctx, types.AlertThreshold{ProbeID: 1, Metric: "ph"})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = s.SetAlertThreshold(ctx, types.AlertThreshold{
		ProbeID: 1, Metric: constants.MetricTemp, Low: types.Float(30), High: types.Float(10),
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err := s.AlertThresholds(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 25.0, *got[0].Low)
	assert.Equal(t, 80.0, *got[0].High)
}

// Bucket tests

func testBucket(probe int64, start time.Time, rows int64) types.Bucket {
	b := types.Bucket{ProbeID: probe, Start: start, Rows: rows, BadCount: 1}
	b.Temp = types.MetricStats{Count: rows, Avg: 21, Min: 20, Max: 22, P50: types.Float(21)}
	return b
}

func TestUpsertBucketsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := testNow.Add(-10 * time.Minute)
	buckets := []types.Bucket{testBucket(1, start, 3), testBucket(1, start.Add(5*time.Minute), 2)}
	meta := types.RollupMeta{LastRun: testNow, LastCutoff: testNow}
	require.NoError(t, s.UpsertBuckets(ctx, buckets, meta))

	got, err := s.Buckets(ctx, types.Int(1), start, testNow)
	require.NoError(t, err)
	assert.Equal(t, buckets, got)
	assert.Zero(t, got[0].Lux.Count)
	assert.Nil(t, got[0].Lux.P50)

	storedMeta, ok, err := s.RollupMeta(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, meta, storedMeta)

	oldest, ok, err := s.OldestBucket(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, start, oldest)
}

func TestUpsertBucketsIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := testNow.Add(-10 * time.Minute)
	original := testBucket(1, start, 3)
	meta := types.RollupMeta{LastRun: testNow, LastCutoff: testNow}
	require.NoError(t, s.UpsertBuckets(ctx, []types.Bucket{original}, meta))

	changed := testBucket(1, start, 5)
	broken := testBucket(2, start, 0) // violates row_count > 0
	later := types.RollupMeta{LastRun: testNow.Add(time.Minute), LastCutoff: testNow.Add(time.Minute)}
	err := s.UpsertBuckets(ctx, []types.Bucket{changed, broken}, later)
	require.Error(t, err)
	assert.True(t, errors.IsStorage(err))

	got, err := s.Buckets(ctx, nil, start, testNow)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 3, got[0].Rows)

	storedMeta, _, err := s.RollupMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta, storedMeta)
}
