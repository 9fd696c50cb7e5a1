package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestComponentLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := &componentLogger{component: "Test", level: LevelInfo, out: &buf}

	logger.Debug("hidden %d", 1)
	logger.Info("shown %d", 2)
	logger.Warn("warned")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
	if !strings.Contains(out, "shown 2") || !strings.Contains(out, "warned") {
		t.Fatalf("missing expected records: %q", out)
	}
	if !strings.Contains(out, "[Test]") {
		t.Fatalf("missing component tag: %q", out)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected non-nil logger")
	}
	var typed *componentLogger
	OrNop(typed).Info("must not panic")
}

func TestMultiFlattensAndFansOut(t *testing.T) {
	var a, b bytes.Buffer
	la := &componentLogger{component: "A", level: LevelDebug, out: &a}
	lb := &componentLogger{component: "B", level: LevelDebug, out: &b}

	Multi(Multi(la), nil, lb).Info("fan out")

	if !strings.Contains(a.String(), "fan out") || !strings.Contains(b.String(), "fan out") {
		t.Fatalf("expected both loggers to receive record")
	}
}
