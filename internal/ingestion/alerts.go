package ingestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// ThresholdStore looks up per-probe alert thresholds.
type ThresholdStore interface {
	AlertThresholds(ctx context.Context, probeID int64) ([]types.AlertThreshold, error)
}

// Alerts warns when a stored reading falls outside its probe's thresholds.
// Thresholds are cached per probe and reloaded after ttl.
type Alerts struct {
	store ThresholdStore
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu     sync.Mutex
	cache  map[int64]thresholdEntry
	breach int64
}

type thresholdEntry struct {
	loaded     time.Time
	thresholds []types.AlertThreshold
}

// NewAlerts creates an alert checker over store.
func NewAlerts(store ThresholdStore, ttl time.Duration, now func() time.Time) *Alerts {
	if now == nil {
		now = time.Now
	}
	return &Alerts{
		store: store,
		ttl:   ttl,
		now:   now,
		log:   logging.Component("alerts"),
		cache: make(map[int64]thresholdEntry),
	}
}

// Check logs a warning for every threshold r breaches and returns the
// breached thresholds.
func (a *Alerts) Check(ctx context.Context, r *types.Reading) []types.AlertThreshold {
	thresholds := a.thresholds(ctx, r.ProbeID)

	var breached []types.AlertThreshold
	for _, th := range thresholds {
		v, ok := r.Metric(th.Metric)
		if !ok || !th.Breached(v) {
			continue
		}
		breached = append(breached, th)
		logging.ForProbe(a.log, r.ProbeID).Warn("alert threshold breached",
			"metric", th.Metric,
			"value", v,
			"low", th.Low,
			"high", th.High,
		)
	}

	if len(breached) > 0 {
		a.mu.Lock()
		a.breach += int64(len(breached))
		a.mu.Unlock()
	}
	return breached
}

// Breaches returns the number of breaches seen.
func (a *Alerts) Breaches() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.breach
}

func (a *Alerts) thresholds(ctx context.Context, probeID int64) []types.AlertThreshold {
	now := a.now()

	a.mu.Lock()
	e, ok := a.cache[probeID]
	a.mu.Unlock()
	if ok && now.Sub(e.loaded) < a.ttl {
		return e.thresholds
	}

	th, err := a.store.AlertThresholds(ctx, probeID)
	if err != nil {
		a.log.Warn("alert thresholds unavailable", "probe_id", probeID, "error", err)
		return e.thresholds
	}

	a.mu.Lock()
	a.cache[probeID] = thresholdEntry{loaded: now, thresholds: th}
	a.mu.Unlock()
	return th
}
