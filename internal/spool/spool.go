// Package spool implements the durable append-only log of raw input lines.
//
// Every line read from a source is appended here before it is decoded, so
// the raw stream survives independently of the structured store. The
// active segment is <dir>/<base>. Rotated segments are renamed to
// <base>.<UTC timestamp> and pruned to a retention count. Each segment has
// a companion <segment>.offset marker holding the byte offset up to which
// every line has been flushed and resolved.
package spool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
)

const (
	// SuffixLayout names retired segments.
	SuffixLayout = "20060102T150405.000000000Z"

	markerSuffix = ".offset"
	tmpSuffix    = ".tmp"
)

// Options configures the spool.
type Options struct {
	// Base is the active segment file name.
	Base string

	// FlushRows flushes and fsyncs after this many appended lines.
	FlushRows int

	// FlushInterval flushes and fsyncs once this much time has passed since
	// the last flush, even if fewer rows arrived.
	FlushInterval time.Duration

	// MaxSegmentSize rotates before a write would exceed this size.
	MaxSegmentSize int64

	// RetainSegments is the number of retired segments kept. Zero keeps all.
	RetainSegments int

	// BufferSize is the size of the write buffer.
	BufferSize int

	// Now is the clock. Default: time.Now
	Now func() time.Time

	// OnFlush and OnRotate are called with the spool lock held.
	OnFlush  func()
	OnRotate func()
}

// DefaultOptions returns default spool options.
func DefaultOptions() Options {
	return Options{
		Base:           defaults.DefaultSpoolBase,
		FlushRows:      defaults.DefaultSpoolFlushRows,
		FlushInterval:  defaults.DefaultSpoolFlushInterval,
		MaxSegmentSize: defaults.DefaultSpoolMaxSegmentSize,
		RetainSegments: defaults.DefaultSpoolRetainSegments,
		BufferSize:     64 * 1024,
		Now:            time.Now,
	}
}

// Position locates one appended line. Segment is the generation of the
// active segment the line was written to.
type Position struct {
	Segment uint64
	Start   int64
	End     int64
}

// Stats holds spool statistics.
type Stats struct {
	LinesAppended  int64
	BytesWritten   int64
	Flushes        int64
	Rotations      int64
	SegmentsPruned int64
	Held           int64
	Errors         int64

	// LinesDiscarded counts appended lines dropped because the write that
	// would have made them durable failed.
	LinesDiscarded int64
}

type entry struct {
	start int64
	acked bool
}

// Spool is the durable raw-line log.
//
// Spool is safe for concurrent use.
type Spool struct {
	mu sync.Mutex

	dir  string
	opts Options

	file   *os.File
	writer *bufio.Writer
	path   string
	gen    uint64

	size        int64 // bytes appended, buffered included
	flushed     int64 // bytes known durable
	pendingRows int
	lastFlush   time.Time

	// unresolved holds appended lines of the active segment that were
	// neither acked nor dropped, oldest first.
	unresolved []entry

	closed bool
	stats  Stats
}

// Open opens the spool in dir. A leftover active segment from a previous
// run is retired first, so its marker keeps pointing at the first line
// that was not resolved before the stop.
func Open(dir string, opts Options) (*Spool, error) {
	d := DefaultOptions()
	if opts.Base == "" {
		opts.Base = d.Base
	}
	if opts.FlushRows <= 0 {
		opts.FlushRows = d.FlushRows
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = d.FlushInterval
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = d.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = d.BufferSize
	}
	if opts.RetainSegments < 0 {
		opts.RetainSegments = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	s := &Spool{
		dir:  dir,
		opts: opts,
		path: filepath.Join(dir, opts.Base),
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := s.retire(); err != nil {
			return nil, fmt.Errorf("retire leftover segment: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat active segment: %w", err)
	}

	if err := s.openSegment(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}
	if err := s.prune(); err != nil {
		return nil, fmt.Errorf("prune segments: %w", err)
	}

	return s, nil
}

// Append writes line plus a newline to the active segment, rotating first
// when the write would exceed MaxSegmentSize.
func (s *Spool) Append(line []byte) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Position{}, errors.ErrSpoolClosed
	}

	recordSize := int64(len(line) + 1)
	if s.size > 0 && s.size+recordSize > s.opts.MaxSegmentSize {
		if err := s.rotateUnlocked(); err != nil {
			s.stats.Errors++
			return Position{}, fmt.Errorf("rotate segment: %w", err)
		}
	}

	_, err := s.writer.Write(line)
	if err == nil {
		err = s.writer.WriteByte('\n')
	}
	if err != nil {
		s.stats.Errors++
		return Position{}, fmt.Errorf("write line: %w", s.discardUnflushed(err))
	}

	pos := Position{Segment: s.gen, Start: s.size, End: s.size + recordSize}
	s.size = pos.End
	s.unresolved = append(s.unresolved, entry{start: pos.Start})
	s.pendingRows++
	s.stats.LinesAppended++
	s.stats.BytesWritten += recordSize

	if s.pendingRows >= s.opts.FlushRows || s.opts.Now().Sub(s.lastFlush) >= s.opts.FlushInterval {
		if err := s.flushUnlocked(); err != nil {
			s.stats.Errors++
			return Position{}, fmt.Errorf("flush: %w", err)
		}
	}

	return pos, nil
}

// Ack marks the line at pos resolved: stored, dead-lettered or dropped.
func (s *Spool) Ack(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.Segment != s.gen {
		return
	}
	i := sort.Search(len(s.unresolved), func(i int) bool {
		return s.unresolved[i].start >= pos.Start
	})
	if i < len(s.unresolved) && s.unresolved[i].start == pos.Start {
		s.unresolved[i].acked = true
	}

	n := 0
	for n < len(s.unresolved) && s.unresolved[n].acked {
		n++
	}
	s.unresolved = s.unresolved[n:]
}

// Hold pins the marker at pos. The line stays unresolved, so the marker
// never moves past it and a replay of the segment starts there.
func (s *Spool) Hold(pos Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos.Segment == s.gen {
		s.stats.Held++
	}
}

// Tick flushes when the flush interval has elapsed with rows pending.
func (s *Spool) Tick(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.pendingRows == 0 {
		return nil
	}
	if now.Sub(s.lastFlush) < s.opts.FlushInterval {
		return nil
	}
	return s.flushUnlocked()
}

// Flush flushes buffered lines, fsyncs and rewrites the marker.
func (s *Spool) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrSpoolClosed
	}
	return s.flushUnlocked()
}

func (s *Spool) flushUnlocked() error {
	if err := s.writer.Flush(); err != nil {
		return s.discardUnflushed(err)
	}
	if err := s.file.Sync(); err != nil {
		return s.discardUnflushed(err)
	}

	s.flushed = s.size
	s.pendingRows = 0
	s.lastFlush = s.opts.Now()
	s.stats.Flushes++
	if s.opts.OnFlush != nil {
		s.opts.OnFlush()
	}

	return writeMarker(s.path, s.markerUnlocked())
}

// discardUnflushed rolls the active segment back to the last durable
// offset after a failed write and returns cause. bufio.Writer keeps its
// first error, so the writer is reset onto the file. Lines appended since
// the last flush are dropped and no longer hold the marker.
func (s *Spool) discardUnflushed(cause error) error {
	errs := []error{cause}
	if err := s.file.Truncate(s.flushed); err != nil {
		errs = append(errs, fmt.Errorf("truncate segment: %w", err))
	}
	if _, err := s.file.Seek(s.flushed, io.SeekStart); err != nil {
		errs = append(errs, fmt.Errorf("seek segment: %w", err))
	}
	s.writer.Reset(s.file)

	i := sort.Search(len(s.unresolved), func(i int) bool {
		return s.unresolved[i].start >= s.flushed
	})
	dropped := int64(s.pendingRows)
	s.unresolved = s.unresolved[:i]
	s.size = s.flushed
	s.pendingRows = 0
	s.stats.LinesDiscarded += dropped

	logging.Warn("spool write failed, unflushed lines discarded",
		"segment", s.path,
		"offset", s.flushed,
		"lines", dropped,
		"error", cause,
	)
	if len(errs) == 1 {
		return cause
	}
	return errors.Join(errs...)
}

// markerUnlocked is the offset every byte before which is durable and
// resolved.
func (s *Spool) markerUnlocked() int64 {
	m := s.flushed
	if len(s.unresolved) > 0 && s.unresolved[0].start < m {
		m = s.unresolved[0].start
	}
	return m
}

// Marker returns the offset the marker file would hold after a flush.
func (s *Spool) Marker() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markerUnlocked()
}

// Rotate closes the active segment and starts a new one.
func (s *Spool) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrSpoolClosed
	}
	return s.rotateUnlocked()
}

func (s *Spool) rotateUnlocked() error {
	if err := s.closeSegment(); err != nil {
		return err
	}
	if err := s.retire(); err != nil {
		return err
	}
	if err := s.openSegment(); err != nil {
		return err
	}

	s.stats.Rotations++
	if s.opts.OnRotate != nil {
		s.opts.OnRotate()
	}
	return s.prune()
}

// closeSegment flushes, fsyncs, writes the final marker and closes the
// active file.
func (s *Spool) closeSegment() error {
	if s.file == nil {
		return nil
	}
	if err := s.flushUnlocked(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil
	s.writer = nil
	return nil
}

// retire renames the active segment and its marker aside.
func (s *Spool) retire() error {
	now := s.opts.Now().UTC()
	target := s.path + "." + now.Format(SuffixLayout)
	for {
		if _, err := os.Stat(target); os.IsNotExist(err) {
			break
		}
		now = now.Add(time.Nanosecond)
		target = s.path + "." + now.Format(SuffixLayout)
	}

	if err := os.Rename(s.path, target); err != nil {
		return fmt.Errorf("rename segment: %w", err)
	}
	if err := os.Rename(s.path+markerSuffix, target+markerSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename marker: %w", err)
	}
	return syncDir(s.dir)
}

func (s *Spool) openSegment() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", s.path, err)
	}

	s.file = f
	s.writer = bufio.NewWriterSize(f, s.opts.BufferSize)
	s.gen++
	s.size = 0
	s.flushed = 0
	s.pendingRows = 0
	s.lastFlush = s.opts.Now()
	s.unresolved = nil

	return writeMarker(s.path, 0)
}

// prune removes the oldest retired segments beyond RetainSegments.
func (s *Spool) prune() error {
	if s.opts.RetainSegments == 0 {
		return nil
	}

	segments, err := listSegments(s.dir, s.opts.Base)
	if err != nil {
		return err
	}

	excess := len(segments) - s.opts.RetainSegments
	for i := 0; i < excess; i++ {
		if err := os.Remove(segments[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment: %w", err)
		}
		if err := os.Remove(segments[i] + markerSuffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove marker: %w", err)
		}
		s.stats.SegmentsPruned++
	}
	return nil
}

// Close flushes, fsyncs, writes the marker and closes the active segment.
// The segment is left in place and retired by the next Open.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeSegment()
}

// Stats returns spool statistics.
func (s *Spool) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ActivePath returns the active segment path.
func (s *Spool) ActivePath() string {
	return s.path
}

// Segments returns the retired segment paths, oldest first.
func (s *Spool) Segments() ([]string, error) {
	return listSegments(s.dir, s.opts.Base)
}

// ListSegments returns the retired segments of base in dir, oldest first.
func ListSegments(dir, base string) ([]string, error) {
	return listSegments(dir, base)
}

func listSegments(dir, base string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := base + "."
	var segments []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, err := time.Parse(SuffixLayout, name[len(prefix):]); err != nil {
			continue
		}
		segments = append(segments, filepath.Join(dir, name))
	}

	// The suffix layout sorts lexically in time order.
	sort.Strings(segments)
	return segments, nil
}

// =============================================================================
// Markers
// =============================================================================

// MarkerPath returns the marker file of a segment.
func MarkerPath(segment string) string {
	return segment + markerSuffix
}

// ReadMarker returns a segment's marker offset. A missing marker reads as 0.
func ReadMarker(segment string) (int64, error) {
	data, err := os.ReadFile(MarkerPath(segment))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read marker: %w", err)
	}

	off, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || off < 0 {
		return 0, fmt.Errorf("marker %s holds %q: %w", MarkerPath(segment), data, errors.ErrInvalidArgument)
	}
	return off, nil
}

// writeMarker replaces a segment's marker atomically.
func writeMarker(segment string, off int64) error {
	path := MarkerPath(segment)
	tmp := path + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatInt(off, 10)); err != nil {
		f.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}

var dirSync = (*os.File).Sync

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	if err := dirSync(d); err != nil {
		logging.Debug("spool directory sync failed", "dir", dir, "error", err)
	}
	return nil
}
