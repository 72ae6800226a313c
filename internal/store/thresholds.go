package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// SetAlertThreshold creates or replaces a probe's threshold for one metric.
func (s *Store) SetAlertThreshold(ctx context.Context, a types.AlertThreshold) error {
	if !constants.IsValidMetric(a.Metric) {
		return errors.NewInvalidValue("metric", a.Metric, "unknown metric")
	}
	if a.Low != nil && a.High != nil && *a.Low > *a.High {
		return fmt.Errorf("threshold low %g above high %g: %w", *a.Low, *a.High, ErrInvalidArgument)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_thresholds (probe_id, metric, low, high)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(probe_id, metric) DO UPDATE SET
			low  = excluded.low,
			high = excluded.high
	`, a.ProbeID, a.Metric, nullFloat(a.Low), nullFloat(a.High))
	if err != nil {
		return errors.Storage(err, "set alert threshold")
	}
	return nil
}

// AlertThresholds returns the probe's thresholds ordered by metric.
func (s *Store) AlertThresholds(ctx context.Context, probeID int64) ([]types.AlertThreshold, error) {
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT probe_id, metric, low, high FROM alert_thresholds
		WHERE probe_id = ? ORDER BY metric
	`, probeID)
	if err != nil {
		return nil, errors.Storage(err, "alert thresholds")
	}
	defer rows.Close()

	var out []types.AlertThreshold
	for rows.Next() {
		var a types.AlertThreshold
		var low, high sql.NullFloat64
		if err := rows.Scan(&a.ProbeID, &a.Metric, &low, &high); err != nil {
			return nil, errors.Storage(err, "alert thresholds")
		}
		a.Low = floatPtr(low)
		a.High = floatPtr(high)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "alert thresholds")
	}
	return out, nil
}
