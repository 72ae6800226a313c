package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

const readingColumns = `id, ts_utc, probe_id, seq, lux, rh, temp, moisture_raw, moisture_pct, calibration_id, err, quality, raw_json`

// InsertReading validates r and persists it together with the probe's
// ingest cursor in one transaction. On success r.ID holds the new row id.
// On failure nothing is written.
func (s *Store) InsertReading(ctx context.Context, r *types.Reading) (int64, error) {
	if err := prepareReading(r); err != nil {
		return 0, err
	}

	var id int64
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertReadingTx(ctx, tx, r)
		return err
	})
	if err != nil {
		return 0, errors.Storage(err, "insert reading")
	}

	r.ID = id
	return id, nil
}

// InsertBatch persists every reading or none of them. A single invalid
// reading aborts the batch before anything is committed.
func (s *Store) InsertBatch(ctx context.Context, rs []types.Reading) error {
	if len(rs) == 0 {
		return nil
	}
	for i := range rs {
		if err := prepareReading(&rs[i]); err != nil {
			return fmt.Errorf("batch row %d: %w", i, err)
		}
	}

	ids := make([]int64, len(rs))
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for i := range rs {
			id, err := insertReadingTx(ctx, tx, &rs[i])
			if err != nil {
				return fmt.Errorf("batch row %d: %w", i, err)
			}
			ids[i] = id
		}
		return nil
	})
	if err != nil {
		return errors.Storage(err, "insert batch")
	}

	for i := range rs {
		rs[i].ID = ids[i]
	}
	return nil
}

func prepareReading(r *types.Reading) error {
	if r.Quality == "" {
		r.Quality = types.DeriveQuality(r)
	}
	return r.Validate()
}

func insertReadingTx(ctx context.Context, tx *sql.Tx, r *types.Reading) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO readings (ts_utc, probe_id, seq, lux, rh, temp, moisture_raw, moisture_pct,
		                      calibration_id, err, quality, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		types.FormatTimestamp(r.Timestamp),
		r.ProbeID,
		nullInt(r.Seq),
		nullFloat(r.Lux),
		nullFloat(r.RH),
		nullFloat(r.Temp),
		nullInt(r.MoistureRaw),
		nullFloat(r.MoisturePct),
		nullInt(r.CalibrationID),
		nullString(r.Err),
		r.Quality,
		nullString(r.Raw),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("probe %d seq %v: %w: %w", r.ProbeID, nullInt(r.Seq), errors.ErrDuplicateSequence, err)
		}
		return 0, fmt.Errorf("insert reading: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading id: %w", err)
	}

	if r.Seq != nil {
		if err := advanceCursorTx(ctx, tx, r.ProbeID, *r.Seq, r.Timestamp); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(sc rowScanner) (types.Reading, error) {
	var (
		r       types.Reading
		ts      string
		seq     sql.NullInt64
		lux     sql.NullFloat64
		rh      sql.NullFloat64
		temp    sql.NullFloat64
		raw     sql.NullInt64
		pct     sql.NullFloat64
		calID   sql.NullInt64
		devErr  sql.NullString
		rawJSON sql.NullString
	)

	if err := sc.Scan(&r.ID, &ts, &r.ProbeID, &seq, &lux, &rh, &temp, &raw, &pct, &calID, &devErr, &r.Quality, &rawJSON); err != nil {
		return types.Reading{}, err
	}

	t, err := types.ParseTimestamp(ts)
	if err != nil {
		return types.Reading{}, err
	}

	r.Timestamp = t
	r.Seq = intPtr(seq)
	r.Lux = floatPtr(lux)
	r.RH = floatPtr(rh)
	r.Temp = floatPtr(temp)
	r.MoistureRaw = intPtr(raw)
	r.MoisturePct = floatPtr(pct)
	r.CalibrationID = intPtr(calID)
	r.Err = devErr.String
	r.Raw = rawJSON.String
	return r, nil
}

func collectReadings(rows *sql.Rows) ([]types.Reading, error) {
	defer rows.Close()

	var out []types.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
