package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if level := ParseLevel(input); level != expected {
			testContext.Fatalf("ParseLevel(%q) = %s, want %s", input, level, expected)
		}
	}
}

func TestNewLoggerHonoursLevel(testContext *testing.T) {
	logger, err := NewLogger("warn", "console")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		testContext.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		testContext.Fatalf("expected error to be enabled at warn level")
	}
}
