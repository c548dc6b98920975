package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "subledger",
		Output:    &buf,
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	mu.RLock()
	same := reflect.DeepEqual(log.Logger, baseLogger)
	mu.RUnlock()
	if !same {
		t.Fatal("expected global log.Logger to match baseLogger")
	}

	log.Info().Msg("hello")
	event := readJSONLine(t, &buf)
	if event["component"] != "subledger" {
		t.Fatalf("expected component field, got %v", event["component"])
	}
	if event["message"] != "hello" {
		t.Fatalf("expected message hello, got %v", event["message"])
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{
		Format: "console",
		Level:  "info",
		Output: &buf,
	})

	log.Info().Msg("hello")
	line := buf.String()
	if !strings.Contains(line, "INF") || !strings.Contains(line, "hello") {
		t.Fatalf("expected console formatted line, got %q", line)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("expected non-JSON console output, got %q", line)
	}
}

func TestInitAutoFormatWithPipe(t *testing.T) {
	t.Cleanup(resetLoggingState)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}
	defer func() {
		_ = r.Close()
		_ = w.Close()
	}()

	Init(Config{
		Format: "auto",
		Level:  "info",
		Output: w,
	})

	if got := selectWriter("auto", w); got != w {
		t.Fatalf("expected writer to use provided pipe, got %#v", got)
	}
}

func TestInitAutoFormatWithTerminal(t *testing.T) {
	t.Cleanup(resetLoggingState)
	orig := isTerminalFn
	isTerminalFn = func(int) bool { return true }
	t.Cleanup(func() { isTerminalFn = orig })

	Init(Config{Format: "auto", Output: os.Stderr})

	if got := selectWriter("auto", os.Stderr); !isConsoleWriter(got) {
		t.Fatalf("expected console writer on a terminal, got %#v", got)
	}
}

func isConsoleWriter(w any) bool {
	_, ok := w.(zerolog.ConsoleWriter)
	return ok
}

func TestInitInvalidFormatFallsBackToJSON(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "yaml", Output: &buf})

	log.Info().Msg("fallback")
	event := readJSONLine(t, &buf)
	if event["message"] != "fallback" {
		t.Fatalf("expected JSON output, got %v", event)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		" warn ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"trace":    zerolog.TraceLevel,
		"disabled": zerolog.Disabled,
		"verbose":  zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "info", Output: &buf})

	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := RequestIDFromContext(ctx); got != generated {
		t.Fatalf("expected stored request id %s, got %s", generated, got)
	}

	logger := FromContext(ctx)
	logger.Info().Msg("ctx-log")

	event := readJSONLine(t, &buf)
	if event["request_id"] != generated {
		t.Fatalf("expected request_id %s, got %v", generated, event["request_id"])
	}
}

func TestWithRequestIDTrimsWhitespace(t *testing.T) {
	t.Cleanup(resetLoggingState)

	ctx, id := WithRequestID(context.Background(), "   ")
	if id == "" {
		t.Fatal("expected generated id for whitespace input")
	}
	if RequestIDFromContext(ctx) != id {
		t.Fatalf("expected context request id %s, got %s", id, RequestIDFromContext(ctx))
	}

	ctx, id = WithRequestID(nil, " custom-123 ") //nolint:staticcheck // nil context is accepted
	if id != "custom-123" || RequestIDFromContext(ctx) != "custom-123" {
		t.Fatalf("expected trimmed id custom-123, got %q", id)
	}
}

func TestFromContextWithoutRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "info", Output: &buf})

	base := FromContext(context.Background())
	base.Info().Msg("no-request")

	event := readJSONLine(t, &buf)
	if _, ok := event["request_id"]; ok {
		t.Fatalf("did not expect request_id, got %v", event["request_id"])
	}
	if RequestIDFromContext(nil) != "" { //nolint:staticcheck // nil context is accepted
		t.Fatal("expected empty id for nil context")
	}
}

func TestComponentAddsSubsystem(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Component: "subledger", Output: &buf})

	logger := Component("reconcile")
	logger.Warn().Msg("careful")

	event := readJSONLine(t, &buf)
	if event["subsystem"] != "reconcile" {
		t.Fatalf("expected subsystem reconcile, got %v", event["subsystem"])
	}
	if event["component"] != "subledger" {
		t.Fatalf("expected inherited component, got %v", event["component"])
	}
}
