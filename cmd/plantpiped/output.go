package main

import (
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// readingJSON is the echo and peek form of a reading. It mirrors the wire
// frame plus the fields the pipeline adds.
type readingJSON struct {
	ID            int64    `json:"id"`
	Timestamp     string   `json:"ts_utc"`
	ProbeID       int64    `json:"probe_id"`
	Seq           *int64   `json:"seq"`
	Lux           *float64 `json:"lux"`
	RH            *float64 `json:"rh"`
	Temp          *float64 `json:"temp"`
	MoistureRaw   *int64   `json:"moisture_raw"`
	MoisturePct   *float64 `json:"moisture_pct"`
	CalibrationID *int64   `json:"calibration_id"`
	Err           *string  `json:"err"`
	Quality       string   `json:"quality"`
}

func toReadingJSON(r types.Reading) readingJSON {
	out := readingJSON{
		ID:            r.ID,
		Timestamp:     types.FormatTimestamp(r.Timestamp),
		ProbeID:       r.ProbeID,
		Seq:           r.Seq,
		Lux:           r.Lux,
		RH:            r.RH,
		Temp:          r.Temp,
		MoistureRaw:   r.MoistureRaw,
		MoisturePct:   r.MoisturePct,
		CalibrationID: r.CalibrationID,
		Quality:       r.Quality,
	}
	if r.Err != "" {
		e := r.Err
		out.Err = &e
	}
	return out
}

// readingEncoder writes readings as JSON lines.
type readingEncoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newReadingEncoder(w io.Writer) *readingEncoder {
	return &readingEncoder{enc: json.NewEncoder(w)}
}

func (e *readingEncoder) encode(r types.Reading) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(toReadingJSON(r))
}

// writeJSON writes v indented.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return types.FormatTimestamp(*t)
}
