// Package calibration owns per-probe calibration records: creation on
// first sight, the raw-to-percentage moisture mapping and the
// plausibility envelope every reading is validated against.
package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// Store persists calibrations.
type Store interface {
	ActiveCalibration(ctx context.Context, probeID int64) (types.Calibration, error)
	EnsureCalibration(ctx context.Context, probeID int64, defaults types.Calibration) (types.Calibration, bool, error)
	SupersedeCalibration(ctx context.Context, next types.Calibration) (types.Calibration, error)
}

// Service resolves calibrations through a read-through cache. Entries
// older than the TTL are re-read from the store, so a supersede committed
// by another process is picked up without a restart.
//
// Service is safe for concurrent use.
type Service struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger

	mu    sync.RWMutex
	cache map[int64]calibrationEntry
}

type calibrationEntry struct {
	loaded time.Time
	cal    types.Calibration
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets how long a cached calibration is trusted. Zero caches until
// Invalidate or Supersede.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service over store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store: store,
		now:   time.Now,
		log:   logging.Component("calibration"),
		cache: make(map[int64]calibrationEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ActiveEnvelope returns the probe's active calibration. ok is false when
// the probe has none. It never creates one.
func (s *Service) ActiveEnvelope(ctx context.Context, probeID int64) (cal types.Calibration, ok bool, err error) {
	if cal, ok := s.cached(probeID); ok {
		return cal, true, nil
	}

	cal, err = s.store.ActiveCalibration(ctx, probeID)
	if errors.Is(err, errors.ErrNotFound) {
		s.Invalidate(probeID)
		return types.Calibration{}, false, nil
	}
	if err != nil {
		return types.Calibration{}, false, err
	}

	s.remember(cal)
	return cal, true, nil
}

// EnsureCalibration returns the id of the probe's active calibration,
// creating one from defaults when none exists. Concurrent callers for the
// same new probe receive the same id.
func (s *Service) EnsureCalibration(ctx context.Context, probeID int64, defaults types.Calibration) (int64, error) {
	if cal, ok := s.cached(probeID); ok {
		return cal.ID, nil
	}

	cal, created, err := s.store.EnsureCalibration(ctx, probeID, defaults)
	if err != nil {
		return 0, fmt.Errorf("ensure calibration for probe %d: %w", probeID, err)
	}
	if created {
		logging.ForProbe(s.log, probeID).Info("calibration created from defaults",
			"calibration_id", cal.ID,
			"raw_dry", cal.RawDry,
			"raw_wet", cal.RawWet,
		)
	}

	s.remember(cal)
	return cal.ID, nil
}

// ComputeMoisturePct converts raw with the probe's active calibration.
func (s *Service) ComputeMoisturePct(ctx context.Context, probeID, raw int64) (float64, error) {
	cal, ok, err := s.ActiveEnvelope(ctx, probeID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("probe %d: %w", probeID, errors.ErrCalibrationMissing)
	}
	return MoisturePct(cal, raw)
}

// Validate checks a reading's values against the probe's envelope. A
// probe without an active calibration fails validation.
func (s *Service) Validate(ctx context.Context, probeID int64, lux, rh, temp *float64, moistureRaw *int64) error {
	cal, ok, err := s.ActiveEnvelope(ctx, probeID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("probe %d: %w", probeID, errors.ErrCalibrationMissing)
	}

	return CheckEnvelope(cal, lux, rh, temp, moistureRaw)
}

// Supersede replaces the probe's active calibration. Stored readings keep
// the calibration they were computed with.
func (s *Service) Supersede(ctx context.Context, probeID int64, next types.Calibration) (int64, error) {
	next.ProbeID = probeID

	cal, err := s.store.SupersedeCalibration(ctx, next)
	if err != nil {
		return 0, fmt.Errorf("supersede calibration for probe %d: %w", probeID, err)
	}

	s.Invalidate(probeID)
	s.remember(cal)
	logging.ForProbe(s.log, probeID).Info("calibration superseded",
		"calibration_id", cal.ID,
		"raw_dry", cal.RawDry,
		"raw_wet", cal.RawWet,
	)
	return cal.ID, nil
}

// Invalidate drops the cached calibration of probeID.
func (s *Service) Invalidate(probeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, probeID)
}

func (s *Service) cached(probeID int64) (types.Calibration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.cache[probeID]
	if !ok || (s.ttl > 0 && s.now().Sub(e.loaded) >= s.ttl) {
		return types.Calibration{}, false
	}
	return e.cal, true
}

func (s *Service) remember(cal types.Calibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cache[cal.ProbeID]; ok && prev.cal.ID != cal.ID {
		logging.ForProbe(s.log, cal.ProbeID).Info("calibration reloaded",
			"previous_id", prev.cal.ID,
			"calibration_id", cal.ID,
		)
	}
	s.cache[cal.ProbeID] = calibrationEntry{loaded: s.now(), cal: cal}
}
