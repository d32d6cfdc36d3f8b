package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConfigureInvalidLevel(t *testing.T) {
	l := Logger()
	if err := l.Configure("nope", "json", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	l := Logger()
	if err := l.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestJSONOutputFields(t *testing.T) {
	l := Logger()
	if err := l.Configure("info", "json", "stdout", 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("archive_client").WithFields(Fields{"symbol": "BTCUSDT"}).Info("fetched window")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not json: %v (%q)", err, buf.String())
	}
	if entry["component"] != "archive_client" {
		t.Errorf("missing component field: %v", entry)
	}
	if entry["message"] != "fetched window" {
		t.Errorf("message field not remapped: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Errorf("timestamp field not remapped: %v", entry)
	}
}

func TestWarnErrorCounters(t *testing.T) {
	l := Logger()
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("pipeline").Warn("slow window")
	l.WithComponent("pipeline").Error("window failed")

	stat := componentStats("pipeline")
	if stat.warns < 1 || stat.errors < 1 {
		t.Errorf("counters not recorded: warns=%d errors=%d", stat.warns, stat.errors)
	}
	if !strings.Contains(buf.String(), "window failed") {
		t.Errorf("error not written: %q", buf.String())
	}
}
