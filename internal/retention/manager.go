// Package retention deletes archive files past their retention age.
package retention

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/archive"
	"github.com/MahonriReynolds/plant-pipeline/internal/logging"
	"github.com/MahonriReynolds/plant-pipeline/internal/metrics"
)

// Manager handles automatic cleanup of expired archive files.
type Manager struct {
	mu        sync.RWMutex
	dir       string
	retention time.Duration
	now       func() time.Time
	log       *slog.Logger
	stats     Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of a cleanup operation.
type CleanupResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a manager for the archive rooted at dir. A file is deleted
// once its whole day is older than retention. Zero retention keeps
// everything.
func New(dir string, retention time.Duration, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		dir:       dir,
		retention: retention,
		now:       now,
		log:       logging.Component("retention"),
	}
}

// RunCleanup deletes expired archive files.
func (m *Manager) RunCleanup() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = m.now()

	result := m.cleanup(false)

	m.stats.FilesDeleted += int64(result.FilesDeleted)
	m.stats.BytesFreed += result.BytesFreed
	m.stats.FilesSkipped += int64(result.FilesSkipped)
	m.stats.Errors += int64(len(result.Errors))

	if result.FilesDeleted > 0 {
		m.log.Info("archive files expired",
			"deleted", result.FilesDeleted,
			"bytes_freed", result.BytesFreed,
		)
	}
	for _, err := range result.Errors {
		m.log.Warn("retention cleanup", "error", err)
	}

	return result
}

// DryRun reports what RunCleanup would delete.
func (m *Manager) DryRun() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanup(true)
}

func (m *Manager) cleanup(dryRun bool) CleanupResult {
	var result CleanupResult
	if m.retention <= 0 {
		return result
	}

	cutoff := m.now().Add(-m.retention)

	files, err := archive.Files(m.dir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		return result
	}

	for _, path := range files {
		day, err := archive.FileDay(path)
		if err != nil {
			result.FilesSkipped++
			continue
		}

		if day.Add(24 * time.Hour).After(cutoff) {
			result.FilesSkipped++
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("stat %s: %w", path, err))
			continue
		}

		if !dryRun {
			if err := os.Remove(path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", path, err))
				continue
			}
			metrics.ArchiveFilesDeleted.Inc()
		}

		result.FilesDeleted++
		result.BytesFreed += info.Size()
	}

	return result
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// DiskUsage returns the size of the archive.
func (m *Manager) DiskUsage() (DiskUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var usage DiskUsage
	files, err := archive.Files(m.dir)
	if err != nil {
		return usage, err
	}

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		usage.FileCount++
		usage.TotalSize += info.Size()

		if day, err := archive.FileDay(path); err == nil {
			if usage.Oldest.IsZero() || day.Before(usage.Oldest) {
				usage.Oldest = day
			}
			if day.After(usage.Newest) {
				usage.Newest = day
			}
		}
	}
	return usage, nil
}

// String formats disk usage for display.
func (u DiskUsage) String() string {
	if u.FileCount == 0 {
		return "archive: empty"
	}
	return fmt.Sprintf("archive: %d files, %s, %s to %s",
		u.FileCount,
		formatBytes(u.TotalSize),
		u.Oldest.Format(archive.DayLayout),
		u.Newest.Format(archive.DayLayout),
	)
}

// formatBytes formats bytes as human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
