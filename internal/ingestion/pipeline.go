// Package ingestion turns raw probe lines into stored readings.
//
// Each line goes through: spool append, decode, calibration, validation,
// moisture computation, sequence dedup, store commit, spool ack. A line
// that cannot be stored is dead-lettered; a line whose store commit failed
// is held in the spool so a replay can retry it. Nothing here terminates
// the process.
package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MahonriReynolds/plant-pipeline/internal/calibration"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/frame"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
	"github.com/MahonriReynolds/plant-pipeline/internal/sequence"
	"github.com/MahonriReynolds/plant-pipeline/internal/spool"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// Store persists readings and dead letters.
type Store interface {
	InsertReading(ctx context.Context, r *types.Reading) (int64, error)
	RecordRejected(ctx context.Context, dl types.DeadLetter) (int64, error)
}

// Spool is the raw line log.
type Spool interface {
	Append(line []byte) (spool.Position, error)
	Ack(pos spool.Position)
	Hold(pos spool.Position)
	Tick(now time.Time) error
	Flush() error
}

// Options configures a pipeline.
type Options struct {
	// AutoCreate creates a calibration from Defaults for unknown probes.
	AutoCreate bool

	// Defaults builds the calibration of a first-seen probe.
	Defaults func(probeID int64) types.Calibration

	// MaxLineBytes caps one line. Zero uses the decoder default.
	MaxLineBytes int

	// OnAccepted is called with every stored reading.
	OnAccepted func(types.Reading)

	// Alerts, when set, is checked for every stored reading.
	Alerts *Alerts

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// Stats holds pipeline statistics.
type Stats struct {
	Lines       atomic.Int64
	Accepted    atomic.Int64
	Rejected    atomic.Int64
	Duplicates  atomic.Int64
	Held        atomic.Int64
	SpoolErrors atomic.Int64
}

// Pipeline processes lines. It is meant for a single ingestion loop; Process
// must not be called concurrently.
type Pipeline struct {
	store   Store
	cal     *calibration.Service
	guard   *sequence.Guard
	spool   Spool
	decoder frame.Decoder
	opts    Options

	session string
	log     *slog.Logger

	stats Stats
}

// New creates a pipeline. sp may be nil to run without a spool, as replays do.
func New(store Store, cal *calibration.Service, guard *sequence.Guard, sp Spool, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	session := uuid.NewString()
	return &Pipeline{
		store:   store,
		cal:     cal,
		guard:   guard,
		spool:   sp,
		decoder: frame.Decoder{MaxLineBytes: opts.MaxLineBytes},
		opts:    opts,
		session: session,
		log:     logging.Component("ingest").With("session", session),
	}
}

// Session returns the id this pipeline tags its dead letters with.
func (p *Pipeline) Session() string {
	return p.session
}

// Process handles one line. ok is false for blank keepalive lines, which
// are neither spooled nor recorded.
func (p *Pipeline) Process(ctx context.Context, line []byte) (res types.Result, ok bool) {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, false
	}

	p.stats.Lines.Add(1)
	metrics.LinesRead.Inc()

	line = bytes.TrimRight(line, "\r\n")
	t := &tracker{p: p}
	if p.spool != nil {
		pos, err := p.spool.Append(line)
		if err != nil {
			p.stats.SpoolErrors.Add(1)
			p.log.Error("spool append failed", "error", err)
		} else {
			t.pos, t.spooled = pos, true
		}
	}

	f, _, err := p.decoder.Decode(line)
	if err != nil {
		return p.reject(ctx, t, line, errors.KindDecode, err), true
	}
	log := logging.ForProbe(p.log, f.ProbeID)

	calID, err := p.calibrationFor(ctx, f.ProbeID)
	if err != nil {
		return p.fail(ctx, t, line, err), true
	}

	raw := f.MoistureRaw
	if err := p.cal.Validate(ctx, f.ProbeID, f.Lux, f.RH, f.Temp, &raw); err != nil {
		return p.fail(ctx, t, line, err), true
	}

	pct, err := p.cal.ComputeMoisturePct(ctx, f.ProbeID, raw)
	if err != nil {
		return p.fail(ctx, t, line, err), true
	}

	r := types.Reading{
		ProbeID:       f.ProbeID,
		Seq:           types.Int(f.Seq),
		Timestamp:     types.StampedAt(p.opts.Now()),
		Lux:           f.Lux,
		RH:            f.RH,
		Temp:          f.Temp,
		MoistureRaw:   &raw,
		MoisturePct:   types.Float(pct),
		CalibrationID: types.Int(calID),
		Raw:           string(line),
	}
	if f.Err != nil {
		r.Err = *f.Err
	}

	fresh, err := p.guard.Accept(ctx, r.ProbeID, r.Seq)
	if err != nil {
		return p.hold(ctx, t, line, err), true
	}
	if !fresh {
		log.Debug("duplicate sequence dropped", "seq", f.Seq)
		return p.duplicate(t, line, r), true
	}

	id, err := p.store.InsertReading(ctx, &r)
	if errors.IsDuplicate(err) {
		log.Debug("sequence already stored", "seq", f.Seq)
		return p.duplicate(t, line, r), true
	}
	if err != nil {
		return p.hold(ctx, t, line, err), true
	}
	r.ID = id

	p.guard.Commit(r.ProbeID, r.Seq)
	t.ack()

	p.stats.Accepted.Add(1)
	metrics.ReadingsAccepted.Inc()

	if p.opts.Alerts != nil {
		p.opts.Alerts.Check(ctx, &r)
	}
	if p.opts.OnAccepted != nil {
		p.opts.OnAccepted(r)
	}
	return types.Accepted{Reading: r}, true
}

func (p *Pipeline) calibrationFor(ctx context.Context, probeID int64) (int64, error) {
	if p.opts.AutoCreate && p.opts.Defaults != nil {
		return p.cal.EnsureCalibration(ctx, probeID, p.opts.Defaults(probeID))
	}

	cal, ok, err := p.cal.ActiveEnvelope(ctx, probeID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("probe %d: %w", probeID, errors.ErrCalibrationMissing)
	}
	return cal.ID, nil
}

// fail routes err to the dead-letter table, or to the hold path when the
// store itself failed.
func (p *Pipeline) fail(ctx context.Context, t *tracker, line []byte, err error) types.Result {
	kind := errors.KindOf(err)
	if kind == errors.KindStorage || kind == errors.KindUnknown {
		return p.hold(ctx, t, line, err)
	}
	return p.reject(ctx, t, line, kind, err)
}

// reject dead-letters a line that can never become a reading. The spool
// line is acked once the dead letter is stored.
func (p *Pipeline) reject(ctx context.Context, t *tracker, line []byte, kind string, err error) types.Result {
	p.stats.Rejected.Add(1)
	metrics.RecordRejected(kind)

	p.log.Warn("line rejected", "kind", kind, "error", err)

	if p.deadLetter(ctx, line, kind, err) {
		t.ack()
	} else {
		t.hold()
	}

	return types.Rejected{Reason: types.Reason{
		Kind:    kind,
		Message: err.Error(),
		Err:     err,
		Line:    string(line),
	}}
}

// hold pins the spool marker at a line whose store commit failed and
// records it best-effort.
func (p *Pipeline) hold(ctx context.Context, t *tracker, line []byte, err error) types.Result {
	p.stats.Rejected.Add(1)
	p.stats.Held.Add(1)
	metrics.RecordRejected(errors.KindStorage)

	p.log.Error("store commit failed, line held in spool", "error", err)

	t.hold()
	p.deadLetter(ctx, line, errors.KindStorage, err)

	return types.Rejected{Reason: types.Reason{
		Kind:    errors.KindStorage,
		Message: err.Error(),
		Err:     err,
		Line:    string(line),
	}}
}

func (p *Pipeline) duplicate(t *tracker, line []byte, r types.Reading) types.Result {
	p.stats.Rejected.Add(1)
	p.stats.Duplicates.Add(1)
	metrics.DuplicatesDropped.Inc()
	t.ack()

	err := fmt.Errorf("probe %d seq %d: %w", r.ProbeID, *r.Seq, errors.ErrDuplicateSequence)
	return types.Rejected{Reason: types.Reason{
		Kind:    errors.KindDuplicate,
		Message: err.Error(),
		Err:     err,
		Line:    string(line),
	}}
}

func (p *Pipeline) deadLetter(ctx context.Context, line []byte, kind string, cause error) bool {
	_, err := p.store.RecordRejected(ctx, types.DeadLetter{
		Timestamp: types.StampedAt(p.opts.Now()),
		Line:      string(line),
		Kind:      kind,
		Reason:    cause.Error(),
		Session:   p.session,
	})
	if err != nil {
		p.log.Error("dead letter not recorded", "kind", kind, "error", err)
		return false
	}
	metrics.DeadLetters.Inc()
	return true
}

// Tick lets the spool enforce its flush interval.
func (p *Pipeline) Tick() error {
	if p.spool == nil {
		return nil
	}
	return p.spool.Tick(p.opts.Now())
}

// Flush forces spooled lines to disk.
func (p *Pipeline) Flush() error {
	if p.spool == nil {
		return nil
	}
	return p.spool.Flush()
}

// Snapshot returns a copy of the pipeline counters.
func (p *Pipeline) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Lines:       p.stats.Lines.Load(),
		Accepted:    p.stats.Accepted.Load(),
		Rejected:    p.stats.Rejected.Load(),
		Duplicates:  p.stats.Duplicates.Load(),
		Held:        p.stats.Held.Load(),
		SpoolErrors: p.stats.SpoolErrors.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Lines       int64
	Accepted    int64
	Rejected    int64 // includes duplicates and held lines
	Duplicates  int64
	Held        int64
	SpoolErrors int64
}

// tracker resolves the spool position of the line in flight.
type tracker struct {
	p       *Pipeline
	pos     spool.Position
	spooled bool
}

func (t *tracker) ack() {
	if t.spooled {
		t.p.spool.Ack(t.pos)
	}
}

func (t *tracker) hold() {
	if t.spooled {
		t.p.spool.Hold(t.pos)
	}
}
