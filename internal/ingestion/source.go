package ingestion

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
)

// ErrIdle is returned by ReadLine when no complete line arrived before the
// source's read timeout.
var ErrIdle = errors.New("no line before read timeout")

// LineSource yields newline-delimited lines.
//
// ReadLine returns ErrIdle on a read timeout, io.EOF when the source is
// exhausted, and ctx.Err() when ctx is cancelled.
type LineSource interface {
	ReadLine(ctx context.Context) ([]byte, error)
	Name() string
	Close() error
}

// lineBuffer splits a byte stream into lines. A line longer than max is
// returned truncated to max+1 bytes, so the decoder rejects it, and the
// rest of it is discarded.
type lineBuffer struct {
	buf        []byte
	max        int
	discarding bool
}

func newLineBuffer(max int) *lineBuffer {
	if max <= 0 {
		max = defaults.DefaultMaxLineBytes
	}
	return &lineBuffer{max: max}
}

func (b *lineBuffer) write(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *lineBuffer) next() ([]byte, bool) {
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := b.buf[:i]
		rest := b.buf[i+1:]
		if b.discarding {
			b.discarding = false
			b.buf = append(b.buf[:0], rest...)
			continue
		}
		out := bytes.Clone(line)
		b.buf = append(b.buf[:0], rest...)
		return out, true
	}

	if b.discarding {
		b.buf = b.buf[:0]
		return nil, false
	}
	if len(b.buf) > b.max {
		out := bytes.Clone(b.buf[:b.max+1])
		b.buf = b.buf[:0]
		b.discarding = true
		return out, true
	}
	return nil, false
}

// rest returns a final unterminated line.
func (b *lineBuffer) rest() []byte {
	if b.discarding || len(b.buf) == 0 {
		return nil
	}
	out := bytes.Clone(b.buf)
	b.buf = b.buf[:0]
	return out
}

// reset drops a partial line, e.g. after a reconnect.
func (b *lineBuffer) reset() {
	b.buf = b.buf[:0]
	b.discarding = false
}

type chunk struct {
	data []byte
	err  error
}

// ReaderSource reads lines from any io.Reader, such as stdin.
type ReaderSource struct {
	name string
	idle time.Duration
	buf  *lineBuffer

	chunks chan chunk
	done   chan struct{}
	once   sync.Once
	closer io.Closer

	err error
}

// NewReaderSource starts reading r. idle is the read timeout after which
// ReadLine returns ErrIdle; zero waits forever. If r is an io.Closer, Close
// closes it.
func NewReaderSource(name string, r io.Reader, idle time.Duration, maxLineBytes int) *ReaderSource {
	s := &ReaderSource{
		name:   name,
		idle:   idle,
		buf:    newLineBuffer(maxLineBytes),
		chunks: make(chan chunk),
		done:   make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	go s.pump(r)
	return s
}

func (s *ReaderSource) pump(r io.Reader) {
	for {
		p := make([]byte, 4096)
		n, err := r.Read(p)
		if n > 0 {
			select {
			case s.chunks <- chunk{data: p[:n]}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.chunks <- chunk{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

// ReadLine returns the next line without its terminator.
func (s *ReaderSource) ReadLine(ctx context.Context) ([]byte, error) {
	if line, ok := s.buf.next(); ok {
		return trimCR(line), nil
	}
	if s.err != nil {
		return nil, s.err
	}

	var timeout <-chan time.Time
	if s.idle > 0 {
		timer := time.NewTimer(s.idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrIdle
		case c := <-s.chunks:
			if c.err != nil {
				s.err = c.err
				if rest := s.buf.rest(); rest != nil {
					return trimCR(rest), nil
				}
				return nil, c.err
			}
			s.buf.write(c.data)
			if line, ok := s.buf.next(); ok {
				return trimCR(line), nil
			}
		}
	}
}

// Name returns the source name.
func (s *ReaderSource) Name() string {
	return s.name
}

// Close stops the reader.
func (s *ReaderSource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}
