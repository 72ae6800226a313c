package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// advanceCursorTx records seq as the probe's last committed sequence.
// The cursor only moves forward.
func advanceCursorTx(ctx context.Context, tx *sql.Tx, probeID, seq int64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_cursors (probe_id, last_seq, updated_utc)
		VALUES (?, ?, ?)
		ON CONFLICT(probe_id) DO UPDATE SET
			last_seq    = excluded.last_seq,
			updated_utc = excluded.updated_utc
		WHERE excluded.last_seq > ingest_cursors.last_seq
	`, probeID, seq, types.FormatTimestamp(at))
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// LastSequence returns the last committed sequence number of a probe.
// ok is false when the probe has never committed a sequenced reading.
func (s *Store) LastSequence(ctx context.Context, probeID int64) (seq int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM ingest_cursors WHERE probe_id = ?`, probeID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Storage(err, "last sequence")
	}
	return seq, true, nil
}

// Cursors returns every probe's last committed sequence.
func (s *Store) Cursors(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT probe_id, last_seq FROM ingest_cursors`)
	if err != nil {
		return nil, errors.Storage(err, "cursors")
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var probeID, seq int64
		if err := rows.Scan(&probeID, &seq); err != nil {
			return nil, errors.Storage(err, "cursors")
		}
		out[probeID] = seq
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "cursors")
	}
	return out, nil
}
