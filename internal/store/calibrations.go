package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

const calibrationColumns = `id, probe_id, raw_dry, raw_wet, lux_min, lux_max, rh_min, rh_max, temp_min, temp_max, active, notes, created_utc`

func scanCalibration(sc rowScanner) (types.Calibration, error) {
	var (
		c       types.Calibration
		active  int
		created string
	)
	if err := sc.Scan(&c.ID, &c.ProbeID, &c.RawDry, &c.RawWet,
		&c.LuxMin, &c.LuxMax, &c.RHMin, &c.RHMax, &c.TempMin, &c.TempMax,
		&active, &c.Notes, &created); err != nil {
		return types.Calibration{}, err
	}
	t, err := types.ParseTimestamp(created)
	if err != nil {
		return types.Calibration{}, err
	}
	c.Active = active == 1
	c.CreatedAt = t
	return c, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeCalibration(ctx context.Context, q querier, probeID int64) (types.Calibration, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+calibrationColumns+` FROM calibrations WHERE probe_id = ? AND active = 1`, probeID)
	c, err := scanCalibration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Calibration{}, fmt.Errorf("probe %d: %w", probeID, ErrNotFound)
	}
	return c, err
}

// ActiveCalibration returns the probe's active calibration or ErrNotFound.
func (s *Store) ActiveCalibration(ctx context.Context, probeID int64) (types.Calibration, error) {
	c, err := activeCalibration(ctx, s.db, probeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return types.Calibration{}, errors.Storage(err, "active calibration")
	}
	return c, err
}

// EnsureCalibration returns the probe's active calibration, creating one
// from defaults when none exists. created reports whether this call
// inserted it. Concurrent callers for the same probe observe one row.
func (s *Store) EnsureCalibration(ctx context.Context, probeID int64, defaults types.Calibration) (c types.Calibration, created bool, err error) {
	defaults.ProbeID = probeID
	defaults.Active = true

	// Defaults are validated only when a row is inserted.
	var invalid error
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		existing, err := activeCalibration(ctx, tx, probeID)
		if err == nil {
			c = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if invalid = defaults.Validate(); invalid != nil {
			return invalid
		}

		c, err = insertCalibrationTx(ctx, tx, defaults, s.now())
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if invalid != nil {
		return types.Calibration{}, false, invalid
	}

	// The partial unique index is the last line: another connection won.
	if err != nil && isUniqueViolation(err) {
		c, err = activeCalibration(ctx, s.db, probeID)
		created = false
	}
	if err != nil {
		return types.Calibration{}, false, errors.Storage(err, "ensure calibration")
	}
	return c, created, nil
}

// SupersedeCalibration deactivates the probe's current calibration and
// makes next the active one. Readings keep the calibration they were
// stored with.
func (s *Store) SupersedeCalibration(ctx context.Context, next types.Calibration) (types.Calibration, error) {
	next.Active = true
	if err := next.Validate(); err != nil {
		return types.Calibration{}, err
	}

	var c types.Calibration
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE calibrations SET active = 0 WHERE probe_id = ? AND active = 1`, next.ProbeID); err != nil {
			return fmt.Errorf("deactivate calibration: %w", err)
		}
		var err error
		c, err = insertCalibrationTx(ctx, tx, next, s.now())
		return err
	})
	if err != nil {
		return types.Calibration{}, errors.Storage(err, "supersede calibration")
	}
	return c, nil
}

// CalibrationHistory returns every calibration of the probe, newest first.
func (s *Store) CalibrationHistory(ctx context.Context, probeID int64) ([]types.Calibration, error) {
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calibrationColumns+` FROM calibrations WHERE probe_id = ? ORDER BY id DESC`, probeID)
	if err != nil {
		return nil, errors.Storage(err, "calibration history")
	}
	defer rows.Close()

	var out []types.Calibration
	for rows.Next() {
		c, err := scanCalibration(rows)
		if err != nil {
			return nil, errors.Storage(err, "calibration history")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "calibration history")
	}
	return out, nil
}

func insertCalibrationTx(ctx context.Context, tx *sql.Tx, c types.Calibration, now time.Time) (types.Calibration, error) {
	created := types.StampedAt(now)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO calibrations (probe_id, raw_dry, raw_wet, lux_min, lux_max, rh_min, rh_max,
		                          temp_min, temp_max, active, notes, created_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, c.ProbeID, c.RawDry, c.RawWet, c.LuxMin, c.LuxMax, c.RHMin, c.RHMax,
		c.TempMin, c.TempMax, c.Notes, types.FormatTimestamp(created))
	if err != nil {
		return types.Calibration{}, fmt.Errorf("insert calibration: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return types.Calibration{}, fmt.Errorf("calibration id: %w", err)
	}

	c.ID = id
	c.Active = true
	c.CreatedAt = created
	return c, nil
}
