package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
		level       string
		pretty      bool
		wantLevel   zerolog.Level
	}{
		{"info level pretty", "ledger-service", "info", true, zerolog.InfoLevel},
		{"debug level json", "ledger-service", "debug", false, zerolog.DebugLevel},
		{"invalid level defaults to info", "ledger-service", "invalid", false, zerolog.InfoLevel},
		{"empty level defaults to info", "ledger-service", "", false, zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Init(tt.serviceName, tt.level, tt.pretty)

			if zerolog.GlobalLevel() != tt.wantLevel {
				t.Errorf("GlobalLevel() = %v, want %v", zerolog.GlobalLevel(), tt.wantLevel)
			}
		})
	}
}

func TestInitWithWriter_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("ledger-service", "info", &buf)

	Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"service":"ledger-service"`) {
		t.Errorf("output missing service field: %s", out)
	}
	if !strings.Contains(out, `"message":"hello"`) {
		t.Errorf("output missing message: %s", out)
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	Logger = zerolog.New(&buf).With().Timestamp().Logger()

	Debug().Msg("debug message")
	Info().Msg("info message")
	Warn().Msg("warn message")
	Error().Msg("error message")

	output := buf.String()

	for _, want := range []string{"debug message", "info message", "warn message", "error message"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q", want)
		}
	}
}

func TestWithContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("test", "info", &buf)

	ctx := ContextWithRequestID(context.Background(), "req-123")
	l := WithContext(ctx)
	l.Info().Msg("scoped")

	if !strings.Contains(buf.String(), `"request_id":"req-123"`) {
		t.Errorf("output missing request_id: %s", buf.String())
	}
}

func TestWithContext_Plain(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter("test", "info", &buf)

	l := WithContext(context.Background())
	l.Info().Msg("plain")

	if strings.Contains(buf.String(), "request_id") {
		t.Errorf("plain context should not add request_id: %s", buf.String())
	}
}
