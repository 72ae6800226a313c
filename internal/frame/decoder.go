// Package frame decodes newline-delimited JSON probe records.
//
// A frame is accepted only when every required key is present with the
// right type; everything downstream works on the typed types.Frame and never
// touches the raw JSON again.
package frame

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/goccy/go-json"

	defaults "github.com/MahonriReynolds/plant-pipeline/config"
	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
	"github.com/MahonriReynolds/plant-pipeline/internal/types"
)

// Wire keys.
const (
	KeyProbeID     = "probe_id"
	KeySeq         = "seq"
	KeyLux         = "lux"
	KeyRH          = "rh"
	KeyTemp        = "temp"
	KeyMoistureRaw = "moisture_raw"
	KeyMoisturePct = "moisture_pct"
	KeyErr         = "err"
)

// DecodeFailure names the offending line and why it was refused.
type DecodeFailure struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeFailure) Error() string {
	return "decode failure: " + e.Reason
}

// Unwrap lets errors.Is match both ErrDecode and the specific cause.
func (e *DecodeFailure) Unwrap() []error {
	return []error{errors.ErrDecode, e.Err}
}

// Decoder decodes one line at a time. The zero value uses default limits.
type Decoder struct {
	// MaxLineBytes caps the accepted line length. Zero uses the default.
	MaxLineBytes int
}

var defaultDecoder = &Decoder{}

// Decode decodes line with the default decoder.
func Decode(line []byte) (types.Frame, bool, error) {
	return defaultDecoder.Decode(line)
}

// Decode turns one line into a frame.
//
// ok is false with a nil error for blank keepalive lines. On failure the
// error is a *DecodeFailure.
func (d *Decoder) Decode(line []byte) (f types.Frame, ok bool, err error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return types.Frame{}, false, nil
	}

	limit := d.MaxLineBytes
	if limit <= 0 {
		limit = defaults.DefaultMaxLineBytes
	}
	if len(trimmed) > limit {
		return fail(line, fmt.Sprintf("line is %d bytes, limit %d", len(trimmed), limit), errors.ErrLineTooLong)
	}

	if !utf8.Valid(trimmed) {
		return fail(line, "line is not valid UTF-8", errors.ErrMalformedUTF8)
	}

	if trimmed[0] != '{' {
		return fail(line, "top-level value is not an object", errors.ErrNotAnObject)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return fail(line, err.Error(), errors.ErrInvalidJSON)
	}

	if f.ProbeID, err = requiredInt(fields, KeyProbeID); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.Seq, err = requiredInt(fields, KeySeq); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.Lux, err = nullableFloat(fields, KeyLux, true); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.RH, err = nullableFloat(fields, KeyRH, true); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.Temp, err = nullableFloat(fields, KeyTemp, true); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.MoistureRaw, err = requiredInt(fields, KeyMoistureRaw); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.MoisturePct, err = nullableFloat(fields, KeyMoisturePct, false); err != nil {
		return fail(line, err.Error(), err)
	}
	if f.Err, err = nullableString(fields, KeyErr); err != nil {
		return fail(line, err.Error(), err)
	}

	return f, true, nil
}

func fail(line []byte, reason string, cause error) (types.Frame, bool, error) {
	return types.Frame{}, false, &DecodeFailure{
		Line:   string(line),
		Reason: reason,
		Err:    cause,
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func requiredInt(fields map[string]json.RawMessage, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, errors.NewMissingField(key)
	}
	if isNull(raw) {
		return 0, errors.NewWrongType(key, "int")
	}

	v, err := strconv.ParseInt(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil {
		return 0, errors.NewWrongType(key, "int")
	}
	return v, nil
}

// nullableFloat reads a number-or-null key. Required keys must be present
// even when null.
func nullableFloat(fields map[string]json.RawMessage, key string, required bool) (*float64, error) {
	raw, ok := fields[key]
	if !ok {
		if required {
			return nil, errors.NewMissingField(key)
		}
		return nil, nil
	}
	if isNull(raw) {
		return nil, nil
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.NewWrongType(key, "number or null")
	}
	return &v, nil
}

func nullableString(fields map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return nil, nil
	}

	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.NewWrongType(key, "string or null")
	}
	return &v, nil
}
