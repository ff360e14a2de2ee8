package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("checkin scored", "wristband_id", "wb-1", "fraud_score", 25)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected a single json record: %v (%s)", err, buf.String())
	}
	if rec["wristband_id"] != "wb-1" {
		t.Fatalf("wristband_id missing: %v", rec)
	}
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "text").Debug("gate promoted", "gate_id", "g1")
	if !strings.Contains(buf.String(), "gate_id=g1") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}

func TestOrDiscard(t *testing.T) {
	OrDiscard(nil).Info("nothing happens")
	l := slog.Default()
	if OrDiscard(l) != l {
		t.Fatalf("expected the same logger back")
	}
}
