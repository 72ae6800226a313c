package retention

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MahonriReynolds/plant-pipeline/internal/archive"
	testutil "github.com/MahonriReynolds/plant-pipeline/internal/testing"
)

var now = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func writeFiles(t *testing.T, dir string, names ...string) string {
	t.Helper()
	tierDir := filepath.Join(dir, archive.TierDir)
	if err := os.MkdirAll(tierDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(tierDir, name), []byte("test"), 0644); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	return tierDir
}

func TestRunCleanup(t *testing.T) {
	dir := t.TempDir()
	tierDir := writeFiles(t, dir,
		"2026-10-10.parquet", // ends 10-11, older than the 10-12 12:00 cutoff
		"2026-10-11.parquet", // ends 10-12 00:00, expired
		"2026-10-12.parquet", // ends 10-13, kept
		"2026-10-18.parquet",
		"notes.parquet", // not a day file
		"2026-10-01.parquet.tmp",
	)

	m := New(dir, 7*24*time.Hour, testutil.NewClock(now).Now)
	result := m.RunCleanup()

	if result.FilesDeleted != 2 {
		t.Errorf("FilesDeleted = %d, want 2", result.FilesDeleted)
	}
	if result.FilesSkipped != 3 {
		t.Errorf("FilesSkipped = %d, want 3", result.FilesSkipped)
	}
	if result.BytesFreed != 8 {
		t.Errorf("BytesFreed = %d, want 8", result.BytesFreed)
	}

	remaining, _ := os.ReadDir(tierDir)
	if len(remaining) != 4 {
		t.Errorf("remaining files = %d, want 4", len(remaining))
	}

	stats := m.Stats()
	if stats.FilesDeleted != 2 || !stats.LastRunTime.Equal(now) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestDryRunKeepsFiles(t *testing.T) {
	dir := t.TempDir()
	tierDir := writeFiles(t, dir, "2020-01-01.parquet")

	m := New(dir, 24*time.Hour, testutil.NewClock(now).Now)
	result := m.DryRun()

	if result.FilesDeleted != 1 {
		t.Errorf("FilesDeleted = %d, want 1", result.FilesDeleted)
	}
	if _, err := os.Stat(filepath.Join(tierDir, "2020-01-01.parquet")); err != nil {
		t.Errorf("file should still exist after dry run: %v", err)
	}
	if m.Stats().FilesDeleted != 0 {
		t.Error("dry run must not count deletions")
	}
}

func TestZeroRetentionKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "2001-01-01.parquet")

	m := New(dir, 0, testutil.NewClock(now).Now)
	if result := m.RunCleanup(); result.FilesDeleted != 0 {
		t.Errorf("FilesDeleted = %d, want 0", result.FilesDeleted)
	}
}

func TestMissingArchiveDir(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "absent"), time.Hour, nil)
	result := m.RunCleanup()
	if len(result.Errors) != 0 || result.FilesDeleted != 0 {
		t.Errorf("result = %+v", result)
	}
}

func TestDiskUsage(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "2026-10-17.parquet", "2026-10-15.parquet", "2026-10-16.parquet")

	m := New(dir, 0, nil)
	usage, err := m.DiskUsage()
	if err != nil {
		t.Fatal(err)
	}
	if usage.FileCount != 3 || usage.TotalSize != 12 {
		t.Errorf("usage = %+v", usage)
	}
	s := usage.String()
	if !strings.Contains(s, "2026-10-15 to 2026-10-17") {
		t.Errorf("String() = %q", s)
	}

	empty, _ := New(t.TempDir(), 0, nil).DiskUsage()
	if empty.String() != "archive: empty" {
		t.Errorf("empty String() = %q", empty.String())
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.00 KB"},
		{1024 * 1024, "1.00 MB"},
		{1024 * 1024 * 1024, "1.00 GB"},
		{1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.bytes); got != tt.expected {
			t.Errorf("formatBytes(%d): expected %s, got %s", tt.bytes, tt.expected, got)
		}
	}
}
