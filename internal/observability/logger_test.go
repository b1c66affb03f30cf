package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies that parseLogLevel correctly parses log level
// strings from environment variables, handling case-insensitivity and whitespace.
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		env    string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.env)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.env, got, tt.expect)
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("rain-risk-service")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewLogger() returned nil logger")
	}
	logger.Info("test message")
}

func TestCronLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := CronLogger(zap.New(core))

	l.Info("wake", "now", "10:00")
	l.Error(errors.New("boom"), "job panic", "entry", 1)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zap.DebugLevel || entries[0].LoggerName != "cron" {
		t.Errorf("info entry = %v %q, want debug from cron", entries[0].Level, entries[0].LoggerName)
	}
	if entries[1].Level != zap.ErrorLevel {
		t.Errorf("error entry level = %v", entries[1].Level)
	}
	if got := entries[1].ContextMap()["error"]; got != "boom" {
		t.Errorf("error field = %v, want boom", got)
	}
}

func TestFlushTelemetry_ClosesInOrder(t *testing.T) {
	var order []string
	closer := func(name string, err error) Closer {
		return Closer{Name: name, Close: func() error {
			order = append(order, name)
			return err
		}}
	}

	err := FlushTelemetry(context.Background(), zap.NewNop(),
		closer("publisher", nil),
		closer("store", errors.New("busy")),
		Closer{Name: "empty"},
	)
	if err == nil || err.Error() != "close store: busy" {
		t.Errorf("FlushTelemetry() error = %v, want close store: busy", err)
	}
	if len(order) != 2 || order[0] != "publisher" || order[1] != "store" {
		t.Errorf("close order = %v", order)
	}
}

func TestFlushTelemetry_SkipsAfterDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := FlushTelemetry(ctx, nil, Closer{Name: "store", Close: func() error {
		called = true
		return nil
	}})
	if called {
		t.Error("closer ran after context was done")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("FlushTelemetry() error = %v, want context.Canceled", err)
	}
}
