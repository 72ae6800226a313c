package store

import (
	"context"
	"fmt"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// RecordRejected appends a rejected line to the dead-letter table.
// A zero Timestamp is stamped with the current time.
func (s *Store) RecordRejected(ctx context.Context, dl types.DeadLetter) (int64, error) {
	if dl.Timestamp.IsZero() {
		dl.Timestamp = s.now()
	}
	if dl.Kind == "" {
		dl.Kind = errors.KindUnknown
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (ts_utc, line, kind, reason, session_id)
		VALUES (?, ?, ?, ?, ?)
	`, types.FormatTimestamp(dl.Timestamp), dl.Line, dl.Kind, dl.Reason, dl.Session)
	if err != nil {
		return 0, errors.Storage(err, "record rejected")
	}
	return res.LastInsertId()
}

// DeadLetters returns the n most recent dead letters, newest first.
func (s *Store) DeadLetters(ctx context.Context, n int) ([]types.DeadLetter, error) {
	if n < 1 || n > constants.MaxLastN {
		return nil, fmt.Errorf("n=%d outside [1, %d]: %w", n, constants.MaxLastN, ErrInvalidArgument)
	}

	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_utc, line, kind, reason, session_id
		FROM dead_letters ORDER BY id DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, errors.Storage(err, "dead letters")
	}
	defer rows.Close()

	var out []types.DeadLetter
	for rows.Next() {
		var (
			dl types.DeadLetter
			ts string
		)
		if err := rows.Scan(&dl.ID, &ts, &dl.Line, &dl.Kind, &dl.Reason, &dl.Session); err != nil {
			return nil, errors.Storage(err, "dead letters")
		}
		if dl.Timestamp, err = types.ParseTimestamp(ts); err != nil {
			return nil, errors.Storage(err, "dead letters")
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "dead letters")
	}
	return out, nil
}

// DeadLetterCount returns the number of dead letters, optionally of one kind.
func (s *Store) DeadLetterCount(ctx context.Context, kind string) (int64, error) {
	var n int64
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, errors.Storage(err, "dead letter count")
	}
	return n, nil
}
