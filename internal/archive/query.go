package archive

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/MahonriReynolds/plant-pipeline/internal/constants"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// QueryService runs DuckDB queries over the archive files.
type QueryService struct {
	mu  sync.RWMutex
	dir string
	db  *sql.DB

	stats QueryStats
}

// QueryStats holds query statistics.
type QueryStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// NewQueryService opens an in-memory DuckDB over the archive at dir.
func NewQueryService(dir, memoryLimit string) (*QueryService, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if memoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit=%s", quote(memoryLimit))); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &QueryService{dir: dir, db: db}, nil
}

// Close closes the query service.
func (s *QueryService) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var archiveColumns = func() string {
	cols := []string{"probe_id", "bucket_start", "row_count", "err_count", "bad_count"}
	for _, m := range constants.Metrics {
		cols = append(cols, m+"_count", m+"_avg", m+"_min", m+"_max", m+"_p50")
	}
	return strings.Join(cols, ", ")
}()

// Buckets returns archived buckets with start <= bucket start < end,
// ordered by probe then start. probeID nil selects every probe.
func (s *QueryService) Buckets(ctx context.Context, probeID *int64, start, end time.Time) ([]types.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pattern := filepath.Join(s.dir, TierDir, "*.parquet")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}

	query := `SELECT ` + archiveColumns + ` FROM read_parquet(` + quote(pattern) + `)
		WHERE bucket_start >= ? AND bucket_start < ?`
	args := []any{start.UnixMilli(), end.UnixMilli()}
	if probeID != nil {
		query += ` AND probe_id = ?`
		args = append(args, *probeID)
	}
	query += ` ORDER BY probe_id, bucket_start`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.stats.Errors++
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []types.Bucket
	for rows.Next() {
		var (
			r     BucketRow
			stats [5]struct {
				count              int64
				avg, min, max, p50 sql.NullFloat64
			}
		)
		dest := []any{&r.ProbeID, &r.BucketStart, &r.RowCount, &r.ErrCount, &r.BadCount}
		for i := range stats {
			dest = append(dest, &stats[i].count, &stats[i].avg, &stats[i].min, &stats[i].max, &stats[i].p50)
		}
		if err := rows.Scan(dest...); err != nil {
			s.stats.Errors++
			return nil, fmt.Errorf("scan row: %w", err)
		}

		b := RowToBucket(&r)
		for i, m := range constants.Metrics {
			st := stats[i]
			*b.Metric(m) = columnStats(st.count, nullable(st.avg), nullable(st.min), nullable(st.max), nullable(st.p50))
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		s.stats.Errors++
		return nil, err
	}

	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(out))
	return out, nil
}

// Stats returns query statistics.
func (s *QueryService) Stats() QueryStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return types.Float(v.Float64)
}

// quote renders s as a SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
