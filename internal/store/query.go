package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// =============================================================================
// Read surface
// =============================================================================

// RowCount returns the number of stored readings.
func (s *Store) RowCount(ctx context.Context) (int64, error) {
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&n); err != nil {
		return 0, errors.Storage(err, "row count")
	}
	return n, nil
}

// LatestTimestamp returns the newest reading timestamp. ok is false when
// the store is empty.
func (s *Store) LatestTimestamp(ctx context.Context) (ts time.Time, ok bool, err error) {
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts_utc) FROM readings`).Scan(&raw); err != nil {
		return time.Time{}, false, errors.Storage(err, "latest timestamp")
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	ts, err = types.ParseTimestamp(raw.String)
	if err != nil {
		return time.Time{}, false, errors.Storage(err, "latest timestamp")
	}
	return ts, true, nil
}

// UpdatedWithin reports whether any reading arrived in the last seconds.
func (s *Store) UpdatedWithin(ctx context.Context, seconds int) (bool, error) {
	if seconds < 1 || seconds > constants.MaxUpdatedWithinSec {
		return false, fmt.Errorf("seconds=%d outside [1, %d]: %w", seconds, constants.MaxUpdatedWithinSec, ErrInvalidArgument)
	}
	cutoff := types.StampedAt(s.now()).Add(-time.Duration(seconds) * time.Second)
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM readings WHERE ts_utc >= ?)`, cutoff)
}

// HasUpdatesSince reports whether any reading is newer than t.
func (s *Store) HasUpdatesSince(ctx context.Context, t time.Time) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM readings WHERE ts_utc > ?)`, t)
}

func (s *Store) exists(ctx context.Context, query string, t time.Time) (bool, error) {
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	var found int
	if err := s.db.QueryRowContext(ctx, query, types.FormatTimestamp(t)).Scan(&found); err != nil {
		return false, errors.Storage(err, "exists")
	}
	return found == 1, nil
}

// LastN returns the n most recent readings, newest first unless
// oldestFirst is set.
func (s *Store) LastN(ctx context.Context, n int, oldestFirst bool) ([]types.Reading, error) {
	if n < 1 || n > constants.MaxLastN {
		return nil, fmt.Errorf("n=%d outside [1, %d]: %w", n, constants.MaxLastN, ErrInvalidArgument)
	}

	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM readings ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Storage(err, "last n")
	}
	out, err := collectReadings(rows)
	if err != nil {
		return nil, errors.Storage(err, "last n")
	}

	if oldestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Series returns one metric over [q.Start, q.End), skipping nulls.
func (s *Store) Series(ctx context.Context, q types.SeriesQuery) ([]types.SeriesPoint, error) {
	if !constants.IsValidMetric(q.Metric) {
		return nil, errors.NewInvalidValue("metric", q.Metric, "unknown metric")
	}
	if !q.End.After(q.Start) {
		return nil, fmt.Errorf("series range [%s, %s): %w", q.Start, q.End, ErrInvalidArgument)
	}
	limit := q.Limit
	if limit <= 0 || limit > constants.MaxSeriesRows {
		limit = constants.MaxSeriesRows
	}
	order := "DESC"
	if q.OldestFirst {
		order = "ASC"
	}

	// Metric names come from a fixed list, so inlining them is safe.
	query := `SELECT ts_utc, probe_id, ` + q.Metric + ` FROM readings
		WHERE ts_utc >= ? AND ts_utc < ? AND ` + q.Metric + ` IS NOT NULL`
	args := []any{types.FormatTimestamp(q.Start), types.FormatTimestamp(q.End)}
	if q.ProbeID != nil {
		query += ` AND probe_id = ?`
		args = append(args, *q.ProbeID)
	}
	query += ` ORDER BY ts_utc ` + order + `, id ` + order + ` LIMIT ?`
	args = append(args, limit)

	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage(err, "series")
	}
	defer rows.Close()

	var out []types.SeriesPoint
	for rows.Next() {
		var (
			p  types.SeriesPoint
			ts string
		)
		if err := rows.Scan(&ts, &p.ProbeID, &p.Value); err != nil {
			return nil, errors.Storage(err, "series")
		}
		if p.Timestamp, err = types.ParseTimestamp(ts); err != nil {
			return nil, errors.Storage(err, "series")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "series")
	}
	return out, nil
}

// ActiveProbes lists every probe with an active calibration.
func (s *Store) ActiveProbes(ctx context.Context) ([]types.ProbeStatus, error) {
	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.probe_id, c.id, cur.last_seq,
		       (SELECT MAX(r.ts_utc) FROM readings r WHERE r.probe_id = c.probe_id)
		FROM calibrations c
		LEFT JOIN ingest_cursors cur ON cur.probe_id = c.probe_id
		WHERE c.active = 1
		ORDER BY c.probe_id
	`)
	if err != nil {
		return nil, errors.Storage(err, "active probes")
	}
	defer rows.Close()

	var out []types.ProbeStatus
	for rows.Next() {
		var (
			p        types.ProbeStatus
			lastSeq  sql.NullInt64
			lastSeen sql.NullString
		)
		if err := rows.Scan(&p.ProbeID, &p.CalibrationID, &lastSeq, &lastSeen); err != nil {
			return nil, errors.Storage(err, "active probes")
		}
		p.LastSeq = intPtr(lastSeq)
		if lastSeen.Valid {
			t, err := types.ParseTimestamp(lastSeen.String)
			if err != nil {
				return nil, errors.Storage(err, "active probes")
			}
			p.LastSeen = &t
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "active probes")
	}
	return out, nil
}

// ReadingsBetween returns every reading with start <= ts < end in
// insertion order.
func (s *Store) ReadingsBetween(ctx context.Context, start, end time.Time) ([]types.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE ts_utc >= ? AND ts_utc < ?
		ORDER BY id
	`, types.FormatTimestamp(start), types.FormatTimestamp(end))
	if err != nil {
		return nil, errors.Storage(err, "readings between")
	}
	out, err := collectReadings(rows)
	if err != nil {
		return nil, errors.Storage(err, "readings between")
	}
	return out, nil
}
