package store

import (
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/MahonriReynolds/plant-pipeline/internal/errors"
)

var (
	ErrNotFound        = errors.ErrNotFound
	ErrInvalidReading  = errors.ErrInvalidReading
	ErrInvalidArgument = errors.ErrInvalidArgument
	ErrStorage         = errors.ErrStorage

	// Calibration-specific aliases
	ErrCalibrationNotFound = errors.ErrCalibrationMissing
)

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY conflict.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
