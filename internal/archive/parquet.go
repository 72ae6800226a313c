// Package archive exports finished 5-minute buckets to daily Parquet files
// and queries them back with DuckDB.
//
// Layout:
//
//	<archive_dir>/5min/2026-10-18.parquet
//
// One file holds every bucket of one UTC day. A file is only written once
// its day has left the rollup backfill window, so its rows never change.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// TierDir is the directory of 5-minute bucket files below the archive root.
const TierDir = "5min"

// DayLayout is the file name layout of a daily archive file.
const DayLayout = "2006-01-02"

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// DayPath returns the archive file of the UTC day holding day.
func DayPath(dir string, day time.Time) string {
	return filepath.Join(dir, TierDir, day.UTC().Format(DayLayout)+".parquet")
}

// BucketRow is a bucket in Parquet form. Timestamps are Unix milliseconds.
// Stats of a metric with no values are null.
type BucketRow struct {
	ProbeID     int64 `parquet:"probe_id"`
	BucketStart int64 `parquet:"bucket_start"`
	BucketEnd   int64 `parquet:"bucket_end"`
	RowCount    int64 `parquet:"row_count"`
	ErrCount    int64 `parquet:"err_count"`
	BadCount    int64 `parquet:"bad_count"`

	LuxCount int64    `parquet:"lux_count"`
	LuxAvg   *float64 `parquet:"lux_avg,optional"`
	LuxMin   *float64 `parquet:"lux_min,optional"`
	LuxMax   *float64 `parquet:"lux_max,optional"`
	LuxP50   *float64 `parquet:"lux_p50,optional"`

	RHCount int64    `parquet:"rh_count"`
	RHAvg   *float64 `parquet:"rh_avg,optional"`
	RHMin   *float64 `parquet:"rh_min,optional"`
	RHMax   *float64 `parquet:"rh_max,optional"`
	RHP50   *float64 `parquet:"rh_p50,optional"`

	TempCount int64    `parquet:"temp_count"`
	TempAvg   *float64 `parquet:"temp_avg,optional"`
	TempMin   *float64 `parquet:"temp_min,optional"`
	TempMax   *float64 `parquet:"temp_max,optional"`
	TempP50   *float64 `parquet:"temp_p50,optional"`

	MoisturePctCount int64    `parquet:"moisture_pct_count"`
	MoisturePctAvg   *float64 `parquet:"moisture_pct_avg,optional"`
	MoisturePctMin   *float64 `parquet:"moisture_pct_min,optional"`
	MoisturePctMax   *float64 `parquet:"moisture_pct_max,optional"`
	MoisturePctP50   *float64 `parquet:"moisture_pct_p50,optional"`

	MoistureRawCount int64    `parquet:"moisture_raw_count"`
	MoistureRawAvg   *float64 `parquet:"moisture_raw_avg,optional"`
	MoistureRawMin   *float64 `parquet:"moisture_raw_min,optional"`
	MoistureRawMax   *float64 `parquet:"moisture_raw_max,optional"`
	MoistureRawP50   *float64 `parquet:"moisture_raw_p50,optional"`
}

func statColumns(m *types.MetricStats) (count int64, avg, min, max, p50 *float64) {
	if m.Count == 0 {
		return 0, nil, nil, nil, nil
	}
	return m.Count, types.Float(m.Avg), types.Float(m.Min), types.Float(m.Max), m.P50
}

func columnStats(count int64, avg, min, max, p50 *float64) types.MetricStats {
	st := types.MetricStats{Count: count, P50: p50}
	if avg != nil {
		st.Avg = *avg
	}
	if min != nil {
		st.Min = *min
	}
	if max != nil {
		st.Max = *max
	}
	return st
}

// BucketToRow converts a Bucket to a BucketRow.
func BucketToRow(b *types.Bucket) BucketRow {
	row := BucketRow{
		ProbeID:     b.ProbeID,
		BucketStart: b.Start.UnixMilli(),
		BucketEnd:   b.End().UnixMilli(),
		RowCount:    b.Rows,
		ErrCount:    b.ErrCount,
		BadCount:    b.BadCount,
	}
	row.LuxCount, row.LuxAvg, row.LuxMin, row.LuxMax, row.LuxP50 = statColumns(&b.Lux)
	row.RHCount, row.RHAvg, row.RHMin, row.RHMax, row.RHP50 = statColumns(&b.RH)
	row.TempCount, row.TempAvg, row.TempMin, row.TempMax, row.TempP50 = statColumns(&b.Temp)
	row.MoisturePctCount, row.MoisturePctAvg, row.MoisturePctMin, row.MoisturePctMax, row.MoisturePctP50 = statColumns(&b.MoisturePct)
	row.MoistureRawCount, row.MoistureRawAvg, row.MoistureRawMin, row.MoistureRawMax, row.MoistureRawP50 = statColumns(&b.MoistureRaw)
	return row
}

// RowToBucket converts a BucketRow to a Bucket.
func RowToBucket(r *BucketRow) types.Bucket {
	return types.Bucket{
		ProbeID:     r.ProbeID,
		Start:       time.UnixMilli(r.BucketStart).UTC(),
		Rows:        r.RowCount,
		ErrCount:    r.ErrCount,
		BadCount:    r.BadCount,
		Lux:         columnStats(r.LuxCount, r.LuxAvg, r.LuxMin, r.LuxMax, r.LuxP50),
		RH:          columnStats(r.RHCount, r.RHAvg, r.RHMin, r.RHMax, r.RHP50),
		Temp:        columnStats(r.TempCount, r.TempAvg, r.TempMin, r.TempMax, r.TempP50),
		MoisturePct: columnStats(r.MoisturePctCount, r.MoisturePctAvg, r.MoisturePctMin, r.MoisturePctMax, r.MoisturePctP50),
		MoistureRaw: columnStats(r.MoistureRawCount, r.MoistureRawAvg, r.MoistureRawMin, r.MoistureRawMax, r.MoistureRawP50),
	}
}

// Writer writes buckets to a Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[BucketRow]
	rowCount int64
	closed   bool
}

// NewWriter creates path and a Parquet writer over it.
func NewWriter(path string, compression CompressionType) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[BucketRow](f,
		parquet.Compression(codec(compression)),
	)

	return &Writer{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends buckets.
func (w *Writer) Write(buckets []types.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]BucketRow, len(buckets))
	for i := range buckets {
		rows[i] = BucketToRow(&buckets[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close writes the footer, syncs, and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer is closed")

// Reader reads buckets from a Parquet file.
type Reader struct {
	file   *os.File
	reader *parquet.GenericReader[BucketRow]
	path   string
}

// NewReader opens a bucket file.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &Reader{
		file:   f,
		reader: parquet.NewGenericReader[BucketRow](f),
		path:   path,
	}, nil
}

// ReadAll reads every bucket in the file.
func (r *Reader) ReadAll() ([]types.Bucket, error) {
	out := make([]types.Bucket, 0, r.reader.NumRows())
	rows := make([]BucketRow, 256)

	for {
		n, err := r.reader.Read(rows)
		for i := 0; i < n; i++ {
			out = append(out, RowToBucket(&rows[i]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

// NumRows returns the total number of rows in the file.
func (r *Reader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *Reader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *Reader) Path() string {
	return r.path
}

// ReadFile reads every bucket of one archive file.
func ReadFile(path string) ([]types.Bucket, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}
