package calibration

import (
	"fmt"
	"math"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// MoisturePct maps a raw moisture reading onto [0, 100] using the
// calibration's dry and wet references. RawWet maps to 100 and RawDry to
// 0 whichever is larger; values beyond the references are clamped.
func MoisturePct(cal types.Calibration, raw int64) (float64, error) {
	if cal.RawDry < 0 || cal.RawWet < 0 {
		return 0, fmt.Errorf("probe %d: negative reference (dry=%d wet=%d): %w",
			cal.ProbeID, cal.RawDry, cal.RawWet, errors.ErrCalibrationConflict)
	}
	if cal.Degenerate() {
		return 0, fmt.Errorf("probe %d: raw_dry equals raw_wet (%d): %w",
			cal.ProbeID, cal.RawDry, errors.ErrCalibrationConflict)
	}

	pct := float64(cal.RawDry-raw) / float64(cal.RawDry-cal.RawWet) * 100
	return math.Max(0, math.Min(100, pct)), nil
}

// CheckEnvelope verifies every present value lies inside the
// calibration's plausibility envelope and a raw moisture value is not
// negative. Values are never clamped.
func CheckEnvelope(cal types.Calibration, lux, rh, temp *float64, moistureRaw *int64) error {
	v := errors.NewValidationErrors()
	check := func(field string, p *float64, min, max float64) {
		if p == nil {
			return
		}
		if math.IsNaN(*p) || *p < min || *p > max {
			v.Add(errors.NewOutOfRange(field, *p, min, max))
		}
	}

	check(constants.MetricLux, lux, cal.LuxMin, cal.LuxMax)
	check(constants.MetricRH, rh, cal.RHMin, cal.RHMax)
	check(constants.MetricTemp, temp, cal.TempMin, cal.TempMax)
	if moistureRaw != nil && *moistureRaw < 0 {
		v.Add(fmt.Errorf("%s=%d negative: %w", constants.MetricMoistureRaw, *moistureRaw, errors.ErrOutOfRange))
	}

	return v.Err()
}
