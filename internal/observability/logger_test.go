package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_NilWriter(t *testing.T) {
	l := NewLogger("storage", nil)
	// Should not panic.
	l.Info("test message")
}

func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("storage", &buf)
	l.Info("database opened", "path", "/tmp/kv.db")

	output := buf.String()
	if !strings.Contains(output, "database opened") {
		t.Errorf("output missing message: %s", output)
	}
	if !strings.Contains(output, `"component":"storage"`) {
		t.Errorf("output missing component: %s", output)
	}

	var m map[string]any
	if err := json.Unmarshal([]byte(output), &m); err != nil {
		t.Errorf("invalid JSON: %v", err)
	}
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("storage", &buf)
	l.Debug("debug msg")
	l.Warn("warn msg")
	l.Error("error msg", "code", 500)

	output := buf.String()
	for _, want := range []string{"debug msg", "warn msg", "error msg", `"level":"ERROR"`} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestNewLoggerLevel_Filters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerLevel("storage", &buf, slog.LevelInfo)
	l.Debug("hidden")
	l.Info("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug record written at info level: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("info record missing")
	}
}

func TestLogger_Op(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("storage", &buf)
	l.Op("put", "users/bob", "bytes", 12)

	output := buf.String()
	if !strings.Contains(output, `"op":"put"`) {
		t.Errorf("op not found: %s", output)
	}
	if !strings.Contains(output, `"key":"users/bob"`) {
		t.Errorf("key not found: %s", output)
	}
	if !strings.Contains(output, `"bytes":12`) {
		t.Errorf("extra args not found: %s", output)
	}
}

func TestLogger_Request(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("server", &buf)
	l.Request("req-1", "GET", "/kv/a", 404)

	output := buf.String()
	if !strings.Contains(output, `"request_id":"req-1"`) {
		t.Errorf("request_id not found: %s", output)
	}
	if !strings.Contains(output, `"status":404`) {
		t.Errorf("status not found: %s", output)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("storage", &buf)
	l2 := l.With("db", "main")
	l2.Info("with context")

	if !strings.Contains(buf.String(), `"db":"main"`) {
		t.Errorf("With context not found: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"component":"storage"`) {
		t.Errorf("child logger lost component: %s", buf.String())
	}

	buf.Reset()
	l.Info("without context")
	if strings.Contains(buf.String(), `"db"`) {
		t.Errorf("parent logger picked up child field: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("dropped")
}
