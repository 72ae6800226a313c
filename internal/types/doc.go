// Package types defines the core data types shared by the pipeline.
//
// Key types:
//   - Frame: A structurally valid record decoded from one input line
//   - Reading: An accepted, calibrated measurement as persisted
//   - Calibration: A probe's conversion references and validation envelope
//   - Bucket: Aggregated statistics for one probe and one 5-minute window
//   - Result: The Accepted / Rejected outcome of processing one line
package types
