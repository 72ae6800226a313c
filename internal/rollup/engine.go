// Package rollup maintains 5-minute aggregates of stored readings.
//
// Every cycle re-aggregates a trailing backfill window from raw readings
// and upserts the resulting buckets, so late arrivals are picked up and a
// cycle over unchanged readings rewrites identical rows.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// State is the phase of a rollup cycle.
type State int

const (
	StateIdle State = iota
	StateComputeWindow
	StateAggregate
	StateUpsert
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputeWindow:
		return "compute_window"
	case StateAggregate:
		return "aggregate"
	case StateUpsert:
		return "upsert"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Store reads raw readings and persists buckets.
type Store interface {
	ReadingsBetween(ctx context.Context, start, end time.Time) ([]types.Reading, error)
	UpsertBuckets(ctx context.Context, buckets []types.Bucket, meta types.RollupMeta) error
}

// Config configures the engine.
type Config struct {
	// Backfill is the trailing span re-aggregated each cycle.
	Backfill time.Duration

	// Tick is the cycle period. Cycles start on tick boundaries.
	Tick time.Duration

	// PercentileAccuracy is the DDSketch relative accuracy. Zero disables medians.
	PercentileAccuracy float64

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// DefaultConfig returns default engine settings.
func DefaultConfig() Config {
	return Config{
		Backfill:           defaults.DefaultRollupBackfill,
		Tick:               defaults.DefaultRollupTick,
		PercentileAccuracy: defaults.DefaultRollupPercentileAccuracy,
		Now:                time.Now,
	}
}

// Result describes one completed cycle.
type Result struct {
	Lower    time.Time // inclusive
	Upper    time.Time // exclusive
	Readings int64
	Buckets  int
	Duration time.Duration
}

// Engine runs rollup cycles.
//
// Engine is safe for concurrent use; at most one cycle runs at a time.
type Engine struct {
	store Store
	cfg   Config
	log   *slog.Logger

	run sync.Mutex // held for the whole cycle

	mu     sync.Mutex
	state  State
	cycles uint64
	last   Result
}

// New creates an engine over store.
func New(store Store, cfg Config) *Engine {
	d := DefaultConfig()
	if cfg.Backfill < constants.BucketWidth {
		cfg.Backfill = d.Backfill
	}
	if cfg.Tick <= 0 {
		cfg.Tick = d.Tick
	}
	if cfg.PercentileAccuracy < 0 {
		cfg.PercentileAccuracy = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Engine{
		store: store,
		cfg:   cfg,
		log:   logging.Component("rollup"),
	}
}

// Window returns the half-open range a cycle started at now covers: from
// the bucket boundary at or before now-backfill up to the start of the
// bucket holding now.
func Window(now time.Time, backfill time.Duration) (lower, upper time.Time) {
	upper = types.BucketStart(now, constants.BucketWidth)
	lower = types.BucketStart(upper.Add(-backfill), constants.BucketWidth)
	return lower, upper
}

// RunOnce runs one cycle. It returns errors.ErrRollupRunning when another
// cycle is in flight.
func (e *Engine) RunOnce(ctx context.Context) (Result, error) {
	if !e.run.TryLock() {
		return Result{}, errors.ErrRollupRunning
	}
	defer e.run.Unlock()

	started := e.cfg.Now()
	res, err := e.cycle(ctx, started)
	res.Duration = e.cfg.Now().Sub(started)

	metrics.RecordRollup(res.Duration, res.Buckets, err)

	e.mu.Lock()
	e.cycles++
	if err != nil {
		e.state = StateFailed
	} else {
		e.state = StateDone
		e.last = res
	}
	e.mu.Unlock()

	if err != nil {
		return res, fmt.Errorf("%w: %w", errors.ErrRollup, err)
	}
	return res, nil
}

func (e *Engine) cycle(ctx context.Context, now time.Time) (Result, error) {
	e.setState(StateComputeWindow)
	lower, upper := Window(now, e.cfg.Backfill)
	res := Result{Lower: lower, Upper: upper}

	e.setState(StateAggregate)
	readings, err := e.store.ReadingsBetween(ctx, lower, upper)
	if err != nil {
		return res, fmt.Errorf("read window: %w", err)
	}

	agg := NewAggregator(constants.BucketWidth, e.cfg.PercentileAccuracy)
	for i := range readings {
		agg.Add(&readings[i])
	}
	buckets := agg.Buckets()
	res.Readings = agg.Readings()

	e.setState(StateUpsert)
	meta := types.RollupMeta{LastRun: types.StampedAt(now), LastCutoff: upper}
	if err := e.store.UpsertBuckets(ctx, buckets, meta); err != nil {
		return res, fmt.Errorf("upsert buckets: %w", err)
	}

	res.Buckets = len(buckets)
	return res, nil
}

// Run runs a cycle on every tick boundary until ctx is cancelled. Failed
// cycles are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("rollup loop started",
		"tick", e.cfg.Tick,
		"backfill", e.cfg.Backfill,
	)

	for {
		now := e.cfg.Now()
		next := now.Truncate(e.cfg.Tick).Add(e.cfg.Tick)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			e.log.Info("rollup loop stopped")
			return nil
		case <-timer.C:
		}

		cycleCtx := logging.ContextWithCycle(ctx, e.Cycles()+1)
		res, err := e.RunOnce(cycleCtx)
		log := logging.WithContext(cycleCtx)
		switch {
		case errors.Is(err, errors.ErrRollupRunning):
			log.Debug("rollup cycle skipped, previous still running")
		case err != nil:
			log.Error("rollup cycle failed", "error", err)
		default:
			log.Debug("rollup cycle done",
				"lower", types.FormatTimestamp(res.Lower),
				"upper", types.FormatTimestamp(res.Upper),
				"readings", res.Readings,
				"buckets", res.Buckets,
				"duration", res.Duration,
			)
		}
	}
}

// State returns the phase of the current or last cycle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cycles returns the number of cycles run.
func (e *Engine) Cycles() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

// LastResult returns the result of the last successful cycle.
func (e *Engine) LastResult() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}
