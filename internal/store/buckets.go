package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

var metricSuffixes = []string{"count", "avg", "min", "max", "p50"}

// bucketColumns lists rollup_5m columns in scan order.
var bucketColumns = func() []string {
	cols := []string{"probe_id", "bucket_start_utc", "row_count", "err_count", "bad_count"}
	for _, m := range constants.Metrics {
		for _, suf := range metricSuffixes {
			cols = append(cols, m+"_"+suf)
		}
	}
	return cols
}()

var upsertBucketSQL = func() string {
	var b strings.Builder
	b.WriteString("INSERT INTO rollup_5m (")
	b.WriteString(strings.Join(bucketColumns, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(bucketColumns)), ", "))
	b.WriteString(") ON CONFLICT(probe_id, bucket_start_utc) DO UPDATE SET ")
	sets := make([]string, 0, len(bucketColumns)-2)
	for _, c := range bucketColumns[2:] {
		sets = append(sets, c+" = excluded."+c)
	}
	b.WriteString(strings.Join(sets, ", "))
	return b.String()
}()

func bucketArgs(b *types.Bucket) []any {
	args := []any{b.ProbeID, types.FormatTimestamp(b.Start), b.Rows, b.ErrCount, b.BadCount}
	for _, m := range constants.Metrics {
		st := b.Metric(m)
		if st.Count == 0 {
			args = append(args, int64(0), nil, nil, nil, nil)
			continue
		}
		args = append(args, st.Count, st.Avg, st.Min, st.Max, nullFloat(st.P50))
	}
	return args
}

func scanBucket(sc rowScanner) (types.Bucket, error) {
	var (
		b     types.Bucket
		start string
	)
	type nullable struct {
		count                 int64
		avg, min, max, median sql.NullFloat64
	}
	vals := make([]nullable, len(constants.Metrics))

	dest := []any{&b.ProbeID, &start, &b.Rows, &b.ErrCount, &b.BadCount}
	for i := range vals {
		v := &vals[i]
		dest = append(dest, &v.count, &v.avg, &v.min, &v.max, &v.median)
	}
	if err := sc.Scan(dest...); err != nil {
		return types.Bucket{}, err
	}

	t, err := types.ParseTimestamp(start)
	if err != nil {
		return types.Bucket{}, err
	}
	b.Start = t

	for i, m := range constants.Metrics {
		v := vals[i]
		st := b.Metric(m)
		st.Count = v.count
		st.Avg = v.avg.Float64
		st.Min = v.min.Float64
		st.Max = v.max.Float64
		st.P50 = floatPtr(v.median)
	}
	return b, nil
}

// UpsertBuckets writes every bucket and the rollup metadata in one
// transaction. Either all of it lands or none of it does.
func (s *Store) UpsertBuckets(ctx context.Context, buckets []types.Bucket, meta types.RollupMeta) error {
	err := s.TransactionContext(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertBucketSQL)
		if err != nil {
			return fmt.Errorf("prepare bucket upsert: %w", err)
		}
		defer stmt.Close()

		for i := range buckets {
			if _, err := stmt.ExecContext(ctx, bucketArgs(&buckets[i])...); err != nil {
				return fmt.Errorf("upsert bucket probe=%d start=%s: %w",
					buckets[i].ProbeID, types.FormatTimestamp(buckets[i].Start), err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO rollup_meta (id, last_run_utc, last_cutoff_utc) VALUES (1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_run_utc    = excluded.last_run_utc,
				last_cutoff_utc = excluded.last_cutoff_utc
		`, types.FormatTimestamp(meta.LastRun), types.FormatTimestamp(meta.LastCutoff))
		if err != nil {
			return fmt.Errorf("update rollup meta: %w", err)
		}
		return nil
	})
	if err != nil {
		return errors.Storage(err, "upsert buckets")
	}
	return nil
}

// Buckets returns the buckets with start <= bucket_start < end, ordered
// by probe then start. probeID nil selects every probe.
func (s *Store) Buckets(ctx context.Context, probeID *int64, start, end time.Time) ([]types.Bucket, error) {
	query := `SELECT ` + strings.Join(bucketColumns, ", ") + ` FROM rollup_5m
		WHERE bucket_start_utc >= ? AND bucket_start_utc < ?`
	args := []any{types.FormatTimestamp(start), types.FormatTimestamp(end)}
	if probeID != nil {
		query += ` AND probe_id = ?`
		args = append(args, *probeID)
	}
	query += ` ORDER BY probe_id, bucket_start_utc`

	ctx, cancel := s.readContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Storage(err, "buckets")
	}
	defer rows.Close()

	var out []types.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, errors.Storage(err, "buckets")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Storage(err, "buckets")
	}
	return out, nil
}

// OldestBucket returns the start of the oldest stored bucket.
func (s *Store) OldestBucket(ctx context.Context) (time.Time, bool, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(bucket_start_utc) FROM rollup_5m`).Scan(&raw); err != nil {
		return time.Time{}, false, errors.Storage(err, "oldest bucket")
	}
	if !raw.Valid {
		return time.Time{}, false, nil
	}
	t, err := types.ParseTimestamp(raw.String)
	if err != nil {
		return time.Time{}, false, errors.Storage(err, "oldest bucket")
	}
	return t, true, nil
}

// RollupMeta returns the metadata of the last completed cycle.
func (s *Store) RollupMeta(ctx context.Context) (types.RollupMeta, bool, error) {
	var run, cutoff string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_utc, last_cutoff_utc FROM rollup_meta WHERE id = 1`).Scan(&run, &cutoff)
	if errors.Is(err, sql.ErrNoRows) {
		return types.RollupMeta{}, false, nil
	}
	if err != nil {
		return types.RollupMeta{}, false, errors.Storage(err, "rollup meta")
	}

	var meta types.RollupMeta
	if meta.LastRun, err = types.ParseTimestamp(run); err != nil {
		return types.RollupMeta{}, false, errors.Storage(err, "rollup meta")
	}
	if meta.LastCutoff, err = types.ParseTimestamp(cutoff); err != nil {
		return types.RollupMeta{}, false, errors.Storage(err, "rollup meta")
	}
	return meta, true, nil
}
