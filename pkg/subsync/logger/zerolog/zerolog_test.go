package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	return line
}

func TestZerologLogger_Levels(t *testing.T) {
	tests := []struct {
		level string
		log   func(l *Logger)
	}{
		{"debug", func(l *Logger) { l.Debug("msg") }},
		{"info", func(l *Logger) { l.Info("msg") }},
		{"warn", func(l *Logger) { l.Warn("msg") }},
		{"error", func(l *Logger) { l.Error("msg") }},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		tt.log(NewLogger(zerolog.New(&buf)))
		line := decodeLine(t, &buf)
		if line["level"] != tt.level {
			t.Errorf("level = %v, want %s", line["level"], tt.level)
		}
		if line["message"] != "msg" {
			t.Errorf("message = %v, want msg", line["message"])
		}
	}
}

func TestZerologLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf))

	logger.Info("Webhook event applied",
		subsync.Field{Key: "subscription_id", Value: "sub_1"},
		subsync.Field{Key: "moved", Value: 2},
		subsync.Field{Key: "cause", Value: errors.New("boom")},
		subsync.Field{Key: "status", Value: subsync.StatusActive},
	)

	line := decodeLine(t, &buf)
	if line["subscription_id"] != "sub_1" {
		t.Errorf("subscription_id = %v", line["subscription_id"])
	}
	if line["moved"] != float64(2) {
		t.Errorf("moved = %v", line["moved"])
	}
	if line["cause"] != "boom" {
		t.Errorf("cause = %v", line["cause"])
	}
	if line["status"] != "active" {
		t.Errorf("status = %v", line["status"])
	}
}

func TestZerologLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(zerolog.New(&buf).Level(zerolog.WarnLevel))

	logger.Debug("hidden")
	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below warn, got %q", buf.String())
	}
}

func TestZerologLogger_ImplementsInterface(t *testing.T) {
	var _ subsync.Logger = NewLogger(zerolog.Nop())
}
