package ingestion

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
)

// Port is the part of serial.Port a SerialSource uses.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
}

// OpenFunc opens a port.
type OpenFunc func(name string, baud int) (Port, error)

// OpenSerial opens a real serial device.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Port         string
	Baud         int
	ReadTimeout  time.Duration
	MaxLineBytes int

	// Reconnect backoff. Zero MaxElapsed retries forever.
	ReconnectInitial    time.Duration
	ReconnectMax        time.Duration
	ReconnectMaxElapsed time.Duration

	// Open opens the port. Default: OpenSerial
	Open OpenFunc
}

// SerialSource reads lines from the probe board. A failed open or read
// reconnects with capped exponential backoff; a partial line in flight at
// the failure is dropped.
type SerialSource struct {
	cfg SerialConfig
	log *slog.Logger
	buf *lineBuffer

	mu       sync.Mutex
	port     Port
	connects int64
	closed   bool
}

// NewSerialSource creates a source. The port is opened on the first read.
func NewSerialSource(cfg SerialConfig) *SerialSource {
	if cfg.Baud <= 0 {
		cfg.Baud = defaults.DefaultSerialBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.DefaultSerialReadTimeout
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = defaults.DefaultReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = defaults.DefaultReconnectMax
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	return &SerialSource{
		cfg: cfg,
		log: logging.Component("serial").With("port", cfg.Port),
		buf: newLineBuffer(cfg.MaxLineBytes),
	}
}

// ReadLine returns the next line without its terminator.
func (s *SerialSource) ReadLine(ctx context.Context) ([]byte, error) {
	chunk := make([]byte, 4096)
	for {
		if line, ok := s.buf.next(); ok {
			return trimCR(line), nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		port, err := s.connect(ctx)
		if err != nil {
			return nil, err
		}

		n, err := port.Read(chunk)
		if n > 0 {
			s.buf.write(chunk[:n])
			continue
		}
		if err != nil {
			s.log.Warn("serial read failed, reconnecting", "error", err)
			s.disconnect()
			continue
		}
		// n == 0 with no error is a read timeout.
		return nil, ErrIdle
	}
}

func (s *SerialSource) connect(ctx context.Context) (Port, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrSourceClosed
	}
	if s.port != nil {
		p := s.port
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectInitial
	b.MaxInterval = s.cfg.ReconnectMax
	b.MaxElapsedTime = s.cfg.ReconnectMaxElapsed

	var port Port
	op := func() error {
		p, err := s.cfg.Open(s.cfg.Port, s.cfg.Baud)
		if err != nil {
			return err
		}
		if err := p.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
			p.Close()
			return err
		}
		port = p
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("serial open failed", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("open %s: %w: %w", s.cfg.Port, errors.ErrConnectFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		port.Close()
		return nil, errors.ErrSourceClosed
	}
	if s.connects > 0 {
		metrics.SourceReconnects.Inc()
	}
	s.connects++
	s.port = port
	s.buf.reset()
	s.log.Info("serial port open", "baud", s.cfg.Baud)
	return port, nil
}

func (s *SerialSource) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		s.port.Close()
		s.port = nil
	}
}

// Connects returns how many times the port was opened.
func (s *SerialSource) Connects() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Name returns the port path.
func (s *SerialSource) Name() string {
	return s.cfg.Port
}

// Close closes the port. A blocked ReadLine returns once its read times out.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
