package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Level = %s, want info", cfg.Level)
	}
	if cfg.Pretty {
		t.Error("Pretty = true, want false")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelTrace, zerolog.TraceLevel},
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: buf})

	logger := NewLogger("dispatcher")
	logger.Info().Msg("batch sent")

	output := buf.String()
	if !strings.Contains(output, `"component":"dispatcher"`) {
		t.Errorf("output %q lacks component field", output)
	}
	if !strings.Contains(output, "batch sent") {
		t.Errorf("output %q lacks message", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{Level: LevelWarn, Output: buf})
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	logger := NewLogger("test")
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")
	logger.Warn().Msg("warn message")
	logger.Error().Msg("error message")

	output := buf.String()
	for _, msg := range []string{"debug message", "info message"} {
		if strings.Contains(output, msg) {
			t.Errorf("%q should be filtered at warn level", msg)
		}
	}
	for _, msg := range []string{"warn message", "error message"} {
		if !strings.Contains(output, msg) {
			t.Errorf("%q should be logged at warn level", msg)
		}
	}
}

func TestSetup_PrettyIntoSink(t *testing.T) {
	var lines []string
	sink := NewSinkWriter(LineWriterFunc(func(l string) { lines = append(lines, l) }))

	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: sink})
	logger.Info().Str("stream", "users").Msg("Results received")

	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "Results received") || strings.HasPrefix(lines[0], "{") {
		t.Errorf("line = %q, want console format", lines[0])
	}
}
