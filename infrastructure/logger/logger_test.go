package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	l, err := New(Config{Level: "info", Outputs: []string{"file"}, OutputFile: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	l.LogLink("connected", map[string]interface{}{"peer": "127.0.0.1:1"})
	_ = l.Close()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"event":"connected"`) {
		t.Fatalf("log line missing event: %s", raw)
	}
}

func TestLogHelpersAttachEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := Wrap(zap.New(core))

	l.LogOrder("order_submitted", map[string]interface{}{"qty": "5"})
	l.LogError(errors.New("boom"), nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Message != "order_event" || entries[0].ContextMap()["event"] != "order_submitted" {
		t.Fatalf("unexpected order entry: %+v", entries[0])
	}
	if entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("unexpected error entry: %+v", entries[1])
	}
}
