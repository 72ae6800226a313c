package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/calibration"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/sequence"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
	"github.com/MahonriReynolds/plant-pipeline/internal/store"
	testutil "github.com/MahonriReynolds/plant-pipeline/internal/testing"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

var start = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

func defaultCalibration(probeID int64) types.Calibration {
	return types.Calibration{
		ProbeID: probeID,
		RawDry:  450,
		RawWet:  190,
		LuxMin:  0,
		LuxMax:  120000,
		RHMin:   0,
		RHMax:   100,
		TempMin: -20,
		TempMax: 60,
	}
}

func frameLine(probe, seq int64, rh float64) string {
	return fmt.Sprintf(`{"probe_id":%d,"seq":%d,"lux":812.5,"rh":%g,"temp":21.4,"moisture_raw":320,"moisture_pct":99.9,"err":null}`,
		probe, seq, rh)
}

type harness struct {
	t     *testing.T
	store *store.Store
	cal   *calibration.Service
	guard *sequence.Guard
	spool *spool.Spool
	clock *testutil.Clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(context.Background(), store.DefaultConfig(filepath.Join(dir, "plant.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewClock(start)
	opts := spool.DefaultOptions()
	opts.Now = clock.Now
	sp, err := spool.Open(filepath.Join(dir, "spool"), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sp.Close() })

	return &harness{
		t:     t,
		store: s,
		cal:   calibration.New(s),
		guard: sequence.New(s),
		spool: sp,
		clock: clock,
	}
}

func (h *harness) options() Options {
	return Options{
		AutoCreate: true,
		Defaults:   defaultCalibration,
		Now:        h.clock.Now,
	}
}

func (h *harness) pipeline(st Store, opts Options) *Pipeline {
	if st == nil {
		st = h.store
	}
	return New(st, h.cal, h.guard, h.spool, opts)
}

func (h *harness) rows() int64 {
	h.t.Helper()
	n, err := h.store.RowCount(context.Background())
	if err != nil {
		h.t.Fatal(err)
	}
	return n
}

func (h *harness) deadLetters(kind string) int64 {
	h.t.Helper()
	n, err := h.store.DeadLetterCount(context.Background(), kind)
	if err != nil {
		h.t.Fatal(err)
	}
	return n
}

func mustReject(t *testing.T, res types.Result, kind string) types.Reason {
	t.Helper()
	rej, ok := res.(types.Rejected)
	if !ok {
		t.Fatalf("result = %#v, want Rejected(%s)", res, kind)
	}
	if rej.Reason.Kind != kind {
		t.Fatalf("reject kind = %s (%v), want %s", rej.Reason.Kind, rej.Reason.Err, kind)
	}
	return rej.Reason
}

func TestAcceptedReading(t *testing.T) {
	h := newHarness(t)
	var echoed []types.Reading
	opts := h.options()
	opts.OnAccepted = func(r types.Reading) { echoed = append(echoed, r) }
	p := h.pipeline(nil, opts)

	res, ok := p.Process(context.Background(), []byte(frameLine(7, 1, 48.5)+"\r\n"))
	if !ok {
		t.Fatal("line was treated as blank")
	}
	acc, isAcc := res.(types.Accepted)
	if !isAcc {
		t.Fatalf("result = %#v", res)
	}

	r := acc.Reading
	if r.ID == 0 || r.ProbeID != 7 || *r.Seq != 1 {
		t.Errorf("reading identity = id %d probe %d seq %v", r.ID, r.ProbeID, r.Seq)
	}
	if *r.MoisturePct != 50 {
		t.Errorf("moisture_pct = %v, want 50 recomputed from raw, not the device's 99.9", *r.MoisturePct)
	}
	if r.Quality != "ok" || r.Err != "" {
		t.Errorf("quality/err = %q/%q", r.Quality, r.Err)
	}
	if !r.Timestamp.Equal(start) {
		t.Errorf("timestamp = %s", r.Timestamp)
	}
	if strings.HasSuffix(r.Raw, "\n") || strings.HasSuffix(r.Raw, "\r") {
		t.Errorf("raw kept its terminator: %q", r.Raw)
	}
	if len(echoed) != 1 || echoed[0].ID != r.ID {
		t.Errorf("OnAccepted saw %v", echoed)
	}
	if h.rows() != 1 {
		t.Errorf("rows = %d", h.rows())
	}
}

func TestDuplicateSequenceStoredOnce(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	first, _ := p.Process(context.Background(), []byte(frameLine(1, 5, 50)))
	if _, ok := first.(types.Accepted); !ok {
		t.Fatalf("first = %#v", first)
	}
	second, _ := p.Process(context.Background(), []byte(frameLine(1, 5, 50)))
	mustReject(t, second, errors.KindDuplicate)

	if h.rows() != 1 {
		t.Errorf("rows = %d, want 1", h.rows())
	}
	if h.guard.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", h.guard.Dropped())
	}
	if n := h.deadLetters(""); n != 0 {
		t.Errorf("duplicates must not be dead-lettered, got %d", n)
	}
	if s := p.Snapshot(); s.Duplicates != 1 || s.Accepted != 1 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestSequenceDropOverReorder(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	var stored []int64
	for _, seq := range []int64{1, 2, 2, 3, 2, 4} {
		res, _ := p.Process(context.Background(), []byte(frameLine(1, seq, 50)))
		if acc, ok := res.(types.Accepted); ok {
			stored = append(stored, *acc.Reading.Seq)
		}
	}

	if fmt.Sprint(stored) != "[1 2 3 4]" {
		t.Errorf("stored = %v", stored)
	}
	if h.guard.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", h.guard.Dropped())
	}
}

func TestOutOfEnvelopeIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	res, _ := p.Process(context.Background(), []byte(frameLine(1, 1, 150)))
	reason := mustReject(t, res, errors.KindValidation)
	if !errors.Is(reason, errors.ErrOutOfRange) {
		t.Errorf("reason = %v, want out of range", reason.Err)
	}

	if h.rows() != 0 {
		t.Errorf("rows = %d, want 0", h.rows())
	}
	if n := h.deadLetters(errors.KindValidation); n != 1 {
		t.Errorf("validation dead letters = %d, want 1", n)
	}

	// The sequence number was not consumed.
	res, _ = p.Process(context.Background(), []byte(frameLine(1, 1, 60)))
	if _, ok := res.(types.Accepted); !ok {
		t.Errorf("corrected line = %#v", res)
	}
}

func TestDecodeFailureIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	res, _ := p.Process(context.Background(), []byte(`{"probe_id":1,"seq":"x"}`))
	mustReject(t, res, errors.KindDecode)

	dls, err := h.store.DeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dls) != 1 {
		t.Fatalf("dead letters = %d", len(dls))
	}
	if dls[0].Session != p.Session() || dls[0].Line != `{"probe_id":1,"seq":"x"}` {
		t.Errorf("dead letter = %+v", dls[0])
	}
}

func TestBlankLineIsIgnored(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	if _, ok := p.Process(context.Background(), []byte("  \r\n")); ok {
		t.Error("blank line reported as processed")
	}
	if p.Snapshot().Lines != 0 || h.spool.Stats().LinesAppended != 0 {
		t.Error("blank line was counted or spooled")
	}
}

func TestMissingCalibrationWithoutAutoCreate(t *testing.T) {
	h := newHarness(t)
	opts := h.options()
	opts.AutoCreate = false
	p := h.pipeline(nil, opts)

	res, _ := p.Process(context.Background(), []byte(frameLine(3, 1, 50)))
	reason := mustReject(t, res, errors.KindValidation)
	if !errors.Is(reason, errors.ErrCalibrationMissing) {
		t.Errorf("reason = %v", reason.Err)
	}
	if _, ok, _ := h.cal.ActiveEnvelope(context.Background(), 3); ok {
		t.Error("a calibration was created")
	}
}

func TestDegenerateDefaultsAreCalibrationConflicts(t *testing.T) {
	h := newHarness(t)
	opts := h.options()
	opts.Defaults = func(id int64) types.Calibration {
		c := defaultCalibration(id)
		c.RawWet = c.RawDry
		return c
	}
	p := h.pipeline(nil, opts)

	res, _ := p.Process(context.Background(), []byte(frameLine(4, 1, 50)))
	mustReject(t, res, errors.KindCalibration)
	if n := h.deadLetters(errors.KindCalibration); n != 1 {
		t.Errorf("calibration dead letters = %d", n)
	}
}

type failingStore struct {
	*store.Store
	failInsert bool
}

func (f *failingStore) InsertReading(ctx context.Context, r *types.Reading) (int64, error) {
	if f.failInsert {
		return 0, errors.Storage(fmt.Errorf("disk I/O error"), "insert reading")
	}
	return f.Store.InsertReading(ctx, r)
}

func TestStorageFailureHoldsSpoolMarker(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{Store: h.store}
	p := h.pipeline(fs, h.options())

	res, _ := p.Process(context.Background(), []byte(frameLine(1, 1, 50)))
	if _, ok := res.(types.Accepted); !ok {
		t.Fatalf("first = %#v", res)
	}
	firstEnd := int64(len(frameLine(1, 1, 50)) + 1)

	fs.failInsert = true
	res, _ = p.Process(context.Background(), []byte(frameLine(1, 2, 50)))
	mustReject(t, res, errors.KindStorage)

	fs.failInsert = false
	res, _ = p.Process(context.Background(), []byte(frameLine(1, 3, 50)))
	if _, ok := res.(types.Accepted); !ok {
		t.Fatalf("third = %#v", res)
	}

	if err := p.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := h.spool.Marker(); got != firstEnd {
		t.Errorf("marker = %d, want %d (start of the held line)", got, firstEnd)
	}
	if last, _ := h.guard.Last(1); last != 3 {
		t.Errorf("guard last = %d, want 3", last)
	}
	if p.Snapshot().Held != 1 {
		t.Errorf("Held = %d", p.Snapshot().Held)
	}
	if n := h.deadLetters(errors.KindStorage); n != 1 {
		t.Errorf("storage dead letters = %d", n)
	}
}

func TestRunReaderSource(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	input := strings.Join([]string{
		frameLine(1, 1, 50),
		"",
		"garbage",
		frameLine(2, 1, 40),
		frameLine(1, 1, 50),
		frameLine(1, 2, 50), // no trailing newline
	}, "\n")
	src := NewReaderSource("stdin", strings.NewReader(input), 0, 0)
	defer src.Close()

	if err := p.Run(context.Background(), src); err != nil {
		t.Fatalf("Run = %v", err)
	}

	s := p.Snapshot()
	if s.Lines != 5 || s.Accepted != 3 || s.Duplicates != 1 || s.Rejected != 2 {
		t.Errorf("snapshot = %+v", s)
	}
	if h.rows() != 3 {
		t.Errorf("rows = %d", h.rows())
	}

	// Run flushed the spool on the way out.
	data, err := os.ReadFile(h.spool.ActivePath())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(data), "\n") != 5 {
		t.Errorf("spool content = %q", data)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(nil, h.options())

	pr, pw := io.Pipe()
	defer pw.Close()
	src := NewReaderSource("pipe", pr, 10*time.Millisecond, 0)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, src) }()

	if _, err := pw.Write([]byte(frameLine(1, 1, 50) + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return p.Snapshot().Accepted == 1
	}); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := testutil.WithTimeout(time.Second, func() error { return <-done }); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestReplaySegment(t *testing.T) {
	h := newHarness(t)
	seg := filepath.Join(t.TempDir(), "readings.spool.20261019T093000.000000000Z")
	content := strings.Join([]string{
		frameLine(1, 1, 50),
		"not json",
		frameLine(1, 1, 50),
		frameLine(1, 2, 50),
		`{"probe_id":1,"seq":3`, // torn
	}, "\n")
	if err := os.WriteFile(seg, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	p := New(h.store, h.cal, h.guard, nil, h.options())
	res, err := Replay(context.Background(), p, seg, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Lines != 4 || res.Accepted != 2 || res.Rejected[errors.KindDecode] != 1 || res.Rejected[errors.KindDuplicate] != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.TornLines != 1 {
		t.Errorf("TornLines = %d", res.TornLines)
	}

	wantMarker := int64(len(content) - len(`{"probe_id":1,"seq":3`))
	if res.Marker != wantMarker {
		t.Errorf("Marker = %d, want %d", res.Marker, wantMarker)
	}

	again, err := Replay(context.Background(), p, seg, 0)
	if err != nil {
		t.Fatal(err)
	}
	if again.Lines != 0 {
		t.Errorf("second replay processed %d lines", again.Lines)
	}
}

func TestReplayStopsAtStorageFailure(t *testing.T) {
	h := newHarness(t)
	seg := filepath.Join(t.TempDir(), "seg")
	content := frameLine(1, 1, 50) + "\n" + frameLine(1, 2, 50) + "\n"
	if err := os.WriteFile(seg, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	fs := &failingStore{Store: h.store, failInsert: true}
	p := New(fs, h.cal, h.guard, nil, h.options())
	res, err := Replay(context.Background(), p, seg, 0)
	if !errors.Is(err, errors.ErrStorage) {
		t.Fatalf("Replay error = %v", err)
	}
	if res.Marker != 0 {
		t.Errorf("Marker = %d, want 0", res.Marker)
	}

	fs.failInsert = false
	res, err = Replay(context.Background(), p, seg, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 2 || res.Marker != int64(len(content)) {
		t.Errorf("retry = %+v", res)
	}
}

func TestAlertsOnAcceptedReadings(t *testing.T) {
	h := newHarness(t)
	err := h.store.SetAlertThreshold(context.Background(), types.AlertThreshold{
		ProbeID: 1, Metric: "rh", High: types.Float(60),
	})
	if err != nil {
		t.Fatal(err)
	}

	alerts := NewAlerts(h.store, time.Minute, h.clock.Now)
	opts := h.options()
	opts.Alerts = alerts
	p := h.pipeline(nil, opts)

	p.Process(context.Background(), []byte(frameLine(1, 1, 55)))
	p.Process(context.Background(), []byte(frameLine(1, 2, 75)))
	p.Process(context.Background(), []byte(frameLine(2, 1, 99)))

	if alerts.Breaches() != 1 {
		t.Errorf("Breaches() = %d, want 1", alerts.Breaches())
	}
}
