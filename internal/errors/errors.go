// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for every failure class of the pipeline
// - Error category checking functions
// - Rejection kind mapping used by the dead-letter table
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Decode errors (recorded to dead-letter, ingestion continues)
	ErrDecode           = errors.New("decode failure")
	ErrMalformedUTF8    = errors.New("malformed encoding")
	ErrInvalidJSON      = errors.New("invalid JSON")
	ErrMissingField     = errors.New("missing required field")
	ErrWrongFieldType   = errors.New("wrong field type")
	ErrNotAnObject      = errors.New("record is not a JSON object")
	ErrLineTooLong      = errors.New("line too long")
	ErrEmptyMeasurement = errors.New("no measurement present")

	// Validation errors (dropped with a log line, ingestion continues)
	ErrValidation         = errors.New("validation failure")
	ErrOutOfRange         = errors.New("value out of range")
	ErrCalibrationMissing = errors.New("no active calibration")
	ErrInvalidConfig      = errors.New("invalid configuration")

	// Calibration errors
	ErrCalibrationConflict = errors.New("calibration conflict")

	// Sequence errors
	ErrDuplicateSequence = errors.New("duplicate sequence")

	// Storage errors
	ErrStorage         = errors.New("storage failure")
	ErrInvalidReading  = errors.New("invalid reading")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// Spool errors
	ErrSpoolClosed = errors.New("spool is closed")

	// Rollup errors
	ErrRollup        = errors.New("rollup failure")
	ErrRollupRunning = errors.New("rollup cycle already running")

	// Source errors
	ErrSourceClosed  = errors.New("source closed")
	ErrConnectFailed = errors.New("connection failed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsDecode returns true if err is a decode failure.
func IsDecode(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrMalformedUTF8) ||
		errors.Is(err, ErrInvalidJSON) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrWrongFieldType) ||
		errors.Is(err, ErrNotAnObject) ||
		errors.Is(err, ErrLineTooLong)
}

// IsValidation returns true if err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrCalibrationMissing) ||
		errors.Is(err, ErrEmptyMeasurement)
}

// IsCalibrationConflict returns true if the probe's calibration is degenerate.
func IsCalibrationConflict(err error) bool {
	return errors.Is(err, ErrCalibrationConflict)
}

// IsDuplicate returns true if err marks a duplicate or out-of-order sequence.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateSequence)
}

// IsStorage returns true if err is a storage failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrInvalidReading)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrConnectFailed) ||
		errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrRollup)
}

// ============================================================================
// Rejection kinds
// ============================================================================

// Kind values stored in the dead-letter table.
const (
	KindDecode      = "decode"
	KindValidation  = "validation"
	KindCalibration = "calibration"
	KindStorage     = "storage"
	KindDuplicate   = "duplicate"
	KindUnknown     = "unknown"
)

// KindOf maps an error to the rejection kind it is recorded under.
func KindOf(err error) string {
	switch {
	case err == nil:
		return KindUnknown
	case IsDecode(err):
		return KindDecode
	case IsCalibrationConflict(err):
		return KindCalibration
	case IsValidation(err):
		return KindValidation
	case IsDuplicate(err):
		return KindDuplicate
	case IsStorage(err):
		return KindStorage
	default:
		return KindUnknown
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Storage tags err as a storage failure while keeping the cause inspectable.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewWrongType creates a wrong-typed field error.
func NewWrongType(field, want string) error {
	return fmt.Errorf("%s: want %s: %w", field, want, ErrWrongFieldType)
}

// NewOutOfRange creates an out-of-envelope error for one metric.
func NewOutOfRange(field string, value, min, max float64) error {
	return fmt.Errorf("%s=%g outside [%g, %g]: %w", field, value, min, max, ErrOutOfRange)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidArgument)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap exposes every collected error to errors.Is/As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
