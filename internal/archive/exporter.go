package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
	"github.com/MahonriReynolds/plant-pipeline/internal/rollup"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

const day = 24 * time.Hour

// BucketSource supplies finished buckets.
type BucketSource interface {
	Buckets(ctx context.Context, probeID *int64, start, end time.Time) ([]types.Bucket, error)
	OldestBucket(ctx context.Context) (time.Time, bool, error)
}

// Options configures the exporter.
type Options struct {
	// Dir is the archive root.
	Dir string

	// Compression is the Parquet codec.
	Compression CompressionType

	// Backfill is the rollup backfill. Days overlapping the backfill window
	// can still change and are not exported.
	Backfill time.Duration

	// Now is the clock. Default: time.Now
	Now func() time.Time
}

// ExportResult describes one exported day.
type ExportResult struct {
	Day     time.Time
	Path    string
	Buckets int
	Skipped bool // the file already existed
}

// Exporter writes daily bucket files.
type Exporter struct {
	source BucketSource
	opts   Options
	log    *slog.Logger

	mu sync.Mutex // one export at a time

	stats struct {
		FilesWritten atomic.Int64
		FilesSkipped atomic.Int64
		RowsWritten  atomic.Int64
		Errors       atomic.Int64
	}
}

// ExporterStats holds exporter statistics.
type ExporterStats struct {
	FilesWritten int64
	FilesSkipped int64
	RowsWritten  int64
	Errors       int64
}

// NewExporter creates an exporter over source.
func NewExporter(source BucketSource, opts Options) *Exporter {
	if opts.Backfill <= 0 {
		opts.Backfill = defaults.DefaultRollupBackfill
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exporter{
		source: source,
		opts:   opts,
		log:    logging.Component("archive"),
	}
}

// Cutoff returns the instant before which buckets are final at now.
func (e *Exporter) Cutoff(now time.Time) time.Time {
	lower, _ := rollup.Window(now, e.opts.Backfill)
	return lower
}

// ExportDay writes every bucket of the UTC day holding d. The day must lie
// fully before the backfill window. An existing file is left untouched.
func (e *Exporter) ExportDay(ctx context.Context, d time.Time) (ExportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exportDay(ctx, startOfDay(d), e.Cutoff(e.opts.Now()))
}

// ExportPending exports every finished day from the oldest stored bucket
// up to the backfill window.
func (e *Exporter) ExportPending(ctx context.Context, now time.Time) ([]ExportResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	oldest, ok, err := e.source.OldestBucket(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	cutoff := e.Cutoff(now)
	var results []ExportResult
	for d := startOfDay(oldest); !d.Add(day).After(cutoff); d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := e.exportDay(ctx, d, cutoff)
		if err != nil {
			return results, err
		}
		if res.Buckets > 0 || res.Skipped {
			results = append(results, res)
		}
	}
	return results, nil
}

func (e *Exporter) exportDay(ctx context.Context, d, cutoff time.Time) (ExportResult, error) {
	res := ExportResult{Day: d, Path: DayPath(e.opts.Dir, d)}

	if d.Add(day).After(cutoff) {
		return res, fmt.Errorf("day %s ends after cutoff %s: %w",
			d.Format(DayLayout), types.FormatTimestamp(cutoff), errors.ErrInvalidArgument)
	}

	if _, err := os.Stat(res.Path); err == nil {
		res.Skipped = true
		e.stats.FilesSkipped.Add(1)
		return res, nil
	} else if !os.IsNotExist(err) {
		e.stats.Errors.Add(1)
		return res, fmt.Errorf("stat %s: %w", res.Path, err)
	}

	buckets, err := e.source.Buckets(ctx, nil, d, d.Add(day))
	if err != nil {
		e.stats.Errors.Add(1)
		return res, fmt.Errorf("load buckets for %s: %w", d.Format(DayLayout), err)
	}
	if len(buckets) == 0 {
		return res, nil
	}

	if err := writeAtomic(res.Path, buckets, e.opts.Compression); err != nil {
		e.stats.Errors.Add(1)
		return res, fmt.Errorf("write %s: %w", res.Path, err)
	}

	res.Buckets = len(buckets)
	e.stats.FilesWritten.Add(1)
	e.stats.RowsWritten.Add(int64(len(buckets)))
	metrics.ArchiveFilesWritten.Inc()

	e.log.Info("archived day",
		"day", d.Format(DayLayout),
		"buckets", len(buckets),
		"path", res.Path,
	)
	return res, nil
}

// writeAtomic writes buckets to a temporary file and renames it into place.
func writeAtomic(path string, buckets []types.Bucket, compression CompressionType) error {
	tmp := path + ".tmp"

	w, err := NewWriter(tmp, compression)
	if err != nil {
		return err
	}
	if err := w.Write(buckets); err != nil {
		w.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Files lists the archive files, oldest day first.
func Files(dir string) ([]string, error) {
	tierDir := filepath.Join(dir, TierDir)

	entries, err := os.ReadDir(tierDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) != ".parquet" || strings.HasSuffix(name, ".tmp") {
			continue
		}
		files = append(files, filepath.Join(tierDir, name))
	}

	sort.Strings(files)
	return files, nil
}

// FileDay parses the UTC day from an archive file name.
func FileDay(path string) (time.Time, error) {
	name := filepath.Base(path)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return time.Parse(DayLayout, base)
}

// Stats returns exporter statistics.
func (e *Exporter) Stats() ExporterStats {
	return ExporterStats{
		FilesWritten: e.stats.FilesWritten.Load(),
		FilesSkipped: e.stats.FilesSkipped.Load(),
		RowsWritten:  e.stats.RowsWritten.Load(),
		Errors:       e.stats.Errors.Load(),
	}
}

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(day)
}
