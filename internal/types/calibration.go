package types

import (
	"fmt"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
)

// Calibration is a probe's raw-to-percentage references and plausibility envelope.
type Calibration struct {
	ID      int64
	ProbeID int64

	// Raw moisture readings in dry air and in water.
	RawDry int64
	RawWet int64

	// Envelope
	LuxMin  float64
	LuxMax  float64
	RHMin   float64
	RHMax   float64
	TempMin float64
	TempMax float64

	Active    bool
	Notes     string
	CreatedAt time.Time
}

// Degenerate reports whether the dry and wet references coincide, which
// leaves the moisture percentage undefined.
func (c *Calibration) Degenerate() bool {
	return c.RawDry == c.RawWet
}

// Validate checks the calibration can be stored as a probe's active one.
func (c *Calibration) Validate() error {
	if c.RawDry < 0 || c.RawWet < 0 {
		return fmt.Errorf("probe %d: negative raw reference: %w", c.ProbeID, errors.ErrInvalidArgument)
	}
	if c.Degenerate() {
		return fmt.Errorf("probe %d: raw_dry equals raw_wet (%d): %w", c.ProbeID, c.RawDry, errors.ErrCalibrationConflict)
	}
	for _, env := range []struct {
		name     string
		min, max float64
	}{
		{"lux", c.LuxMin, c.LuxMax},
		{"rh", c.RHMin, c.RHMax},
		{"temp", c.TempMin, c.TempMax},
	} {
		if env.min > env.max {
			return fmt.Errorf("probe %d: %s envelope [%g, %g]: %w", c.ProbeID, env.name, env.min, env.max, errors.ErrInvalidArgument)
		}
	}
	return nil
}
