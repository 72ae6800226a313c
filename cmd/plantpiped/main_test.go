package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func execute(t *testing.T, dir, stdin string, args ...string) string {
	t.Helper()

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetArgs(append([]string{
		"--config", filepath.Join(dir, "missing.yaml"),
		"--data-dir", dir,
	}, args...))
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(&errOut)

	if err := root.Execute(); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, errOut.String())
	}
	return out.String()
}

func TestIngestStdinThenPeek(t *testing.T) {
	dir := t.TempDir()
	input := strings.Join([]string{
		`{"probe_id":1,"seq":1,"lux":812.5,"rh":48.2,"temp":21.4,"moisture_raw":390,"moisture_pct":null,"err":null}`,
		`{"probe_id":1,"seq":1,"lux":812.5,"rh":48.2,"temp":21.4,"moisture_raw":390,"moisture_pct":null,"err":null}`,
		`{"probe_id":1,"seq":2,"lux":815.0,"rh":48.0,"temp":21.5,"moisture_raw":392,"moisture_pct":null,"err":"i2c"}`,
		`not json`,
	}, "\n") + "\n"

	out := execute(t, dir, input, "ingest", "--stdin", "--print")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("echoed %d readings, want 2:\n%s", len(lines), out)
	}
	var echoed readingJSON
	if err := json.Unmarshal([]byte(lines[1]), &echoed); err != nil {
		t.Fatal(err)
	}
	if echoed.ProbeID != 1 || echoed.Seq == nil || *echoed.Seq != 2 || echoed.Err == nil || *echoed.Err != "i2c" {
		t.Errorf("echoed = %+v", echoed)
	}
	if echoed.Quality != "bad" {
		t.Errorf("quality = %q, want bad for a device error", echoed.Quality)
	}

	var s peekSummary
	if err := json.Unmarshal([]byte(execute(t, dir, "", "peek", "--json", "-n", "5")), &s); err != nil {
		t.Fatal(err)
	}
	if s.Readings != 2 || len(s.Last) != 2 {
		t.Errorf("readings = %d, last = %d", s.Readings, len(s.Last))
	}
	if s.DeadLetters["decode"] != 1 || s.DeadLetters["validation"] != 0 {
		t.Errorf("dead letters = %v", s.DeadLetters)
	}
	if len(s.Probes) != 1 || s.Probes[0].LastSeq == nil || *s.Probes[0].LastSeq != 2 {
		t.Errorf("probes = %+v", s.Probes)
	}
}

func TestCalibrateAndHistory(t *testing.T) {
	dir := t.TempDir()

	out := execute(t, dir, "", "calibrate", "--probe", "4", "--dry", "600", "--wet", "200", "--rh-max", "95")
	if !strings.Contains(out, "probe 4: calibration") {
		t.Errorf("calibrate output = %q", out)
	}
	execute(t, dir, "", "calibrate", "--probe", "4", "--dry", "610", "--wet", "205")

	out = execute(t, dir, "", "calibrate", "--probe", "4", "--history")
	if strings.Count(out, "\n") != 3 {
		t.Fatalf("history:\n%s", out)
	}
	if strings.Count(out, "true") != 1 {
		t.Errorf("want exactly one active calibration:\n%s", out)
	}
	if !strings.Contains(out, "0..95") {
		t.Errorf("rh envelope not carried over:\n%s", out)
	}
}

func TestThreshold(t *testing.T) {
	dir := t.TempDir()

	out := execute(t, dir, "", "threshold", "--probe", "2", "--metric", "moisture_pct", "--low", "25")
	if !strings.Contains(out, "moisture_pct") || !strings.Contains(out, "25") {
		t.Errorf("threshold output = %q", out)
	}
}

func TestMigrate(t *testing.T) {
	out := execute(t, t.TempDir(), "", "migrate")
	if !strings.Contains(out, "applied") || strings.Contains(out, "pending") {
		t.Errorf("migrate output = %q", out)
	}
}
