package spool

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// Reader reads lines from a retired segment, starting at its marker.
type Reader struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	offset int64

	// Statistics
	stats ReaderStats
}

// ReaderStats holds reader statistics.
type ReaderStats struct {
	LinesRead int64
	BytesRead int64
	TornLines int64
}

// NewReader opens segment and positions it at the segment's marker.
func NewReader(segment string, maxLineBytes int) (*Reader, error) {
	off, err := ReadMarker(segment)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(segment)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek to marker %d: %w", off, err)
	}

	if maxLineBytes <= 0 {
		maxLineBytes = 64 * 1024
	}

	return &Reader{
		path:   segment,
		file:   f,
		reader: bufio.NewReaderSize(f, maxLineBytes),
		offset: off,
	}, nil
}

// Next returns the next complete line without its newline and the offset
// just past it. Returns io.EOF when no complete line remains; a trailing
// line without a newline is a torn write and is not returned.
func (r *Reader) Next() (line []byte, end int64, err error) {
	data, err := r.reader.ReadBytes('\n')
	if err == io.EOF {
		if len(data) > 0 {
			r.stats.TornLines++
		}
		return nil, r.offset, io.EOF
	}
	if err != nil {
		return nil, r.offset, fmt.Errorf("read line: %w", err)
	}

	r.offset += int64(len(data))
	r.stats.LinesRead++
	r.stats.BytesRead += int64(len(data))

	return bytes.TrimRight(data, "\r\n"), r.offset, nil
}

// Commit records end as resolved so a later reader resumes after it.
func (r *Reader) Commit(end int64) error {
	return writeMarker(r.path, end)
}

// Offset returns the offset of the next unread byte.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Close closes the reader.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
