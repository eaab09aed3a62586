package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "session"), Identity("628123"))
	log.Warn("socket disconnected", Err(errors.New("stream errored")), Int("attempt", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "session" || m["identity"] != "628123" {
		t.Fatalf("fixed fields missing: %v", m)
	}
	if m["attempt"] != float64(2) {
		t.Fatalf("attempt = %v, want 2", m["attempt"])
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("expected short caller field")
	}
}

func TestWriterLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatalf("debug should be disabled")
	}
	if !log.Enabled(LevelError) {
		t.Fatalf("error should be enabled")
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	zero.Info("nothing")
	Nop().With(Job("j1")).Error("nothing")
}

func TestCountsAndRecipientFields(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info").Info("batch finished", Counts(3, 2, 1), Recipient("628@s.whatsapp.net"))

	var m struct {
		To     string         `json:"to"`
		Counts map[string]int `json:"counts"`
	}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.To != "628@s.whatsapp.net" {
		t.Fatalf("to = %q", m.To)
	}
	if m.Counts["total"] != 3 || m.Counts["successful"] != 2 || m.Counts["failed"] != 1 {
		t.Fatalf("counts = %v", m.Counts)
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wabatch.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.With(Job("j1")).Info("job queued")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"job":"j1"`) {
		t.Fatalf("file sink missing line: %q", data)
	}

	// Raising the level applies to loggers handed out earlier.
	if err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if log.Enabled(LevelInfo) {
		t.Fatalf("info still enabled after apply")
	}
}

func TestServiceApplyReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	svc, _ := New(Config{Level: "error"})
	defer svc.Close()
	// A directory cannot be opened as the log file.
	if err := svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: dir}}); err == nil {
		t.Fatalf("expected error opening a directory as log file")
	}
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{"DEBUG": LevelDebug, " warning ": LevelWarn, "bogus": LevelInfo, "": LevelInfo} {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
