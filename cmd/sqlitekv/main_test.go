package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sqlitekv/sqlitekv/internal/storage"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		DataDir:          dir,
		APIAddr:          "127.0.0.1:0",
		Storage:          storage.Config{ConnectString: filepath.Join(dir, dbFileName)},
		MaintenanceEvery: time.Hour,
		LogLevel:         slog.LevelError,
	}
}

// runCmd runs one CLI invocation and returns exit code, stdout and stderr.
func runCmd(t *testing.T, cfg Config, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(cfg, args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_NoArgs(t *testing.T) {
	code, _, stderr := runCmd(t, testConfig(t), "")
	if code != exitUsage {
		t.Errorf("code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr, "Usage:") {
		t.Errorf("usage not printed: %s", stderr)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, stderr := runCmd(t, testConfig(t), "", "frobnicate")
	if code != exitUsage {
		t.Errorf("code = %d", code)
	}
	if !strings.Contains(stderr, "unknown command: frobnicate") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestRun_PutGet_Structured(t *testing.T) {
	cfg := testConfig(t)

	if code, _, stderr := runCmd(t, cfg, "", "put", "users/bob", `{"x":1}`); code != exitOK {
		t.Fatalf("put code = %d: %s", code, stderr)
	}

	// A second invocation sees the value on disk.
	code, stdout, stderr := runCmd(t, cfg, "", "get", "users/bob")
	if code != exitOK {
		t.Fatalf("get code = %d: %s", code, stderr)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("stdout not JSON: %q", stdout)
	}
	if got["x"] != float64(1) {
		t.Errorf("got = %v", got)
	}
}

func TestRun_Put_FromStdin(t *testing.T) {
	cfg := testConfig(t)

	if code, _, stderr := runCmd(t, cfg, `[1,2,3]`, "put", "list", "-"); code != exitOK {
		t.Fatalf("put code = %d: %s", code, stderr)
	}
	_, stdout, _ := runCmd(t, cfg, "", "get", "list")
	if !strings.Contains(stdout, "3") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRun_Put_InvalidJSON(t *testing.T) {
	code, _, stderr := runCmd(t, testConfig(t), "", "put", "doc", "{nope")
	if code != exitUsage {
		t.Errorf("code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(stderr, "not valid JSON") {
		t.Errorf("stderr = %s", stderr)
	}
}

func TestRun_Binary(t *testing.T) {
	cfg := testConfig(t)
	payload := "\x00\x01binary\xff"

	if code, _, stderr := runCmd(t, cfg, payload, "put", "blob.bin"); code != exitOK {
		t.Fatalf("put code = %d: %s", code, stderr)
	}
	code, stdout, _ := runCmd(t, cfg, "", "get", "blob.bin")
	if code != exitOK {
		t.Fatalf("get code = %d", code)
	}
	if stdout != payload {
		t.Errorf("stdout = %q, want %q", stdout, payload)
	}

	code, stdout, _ = runCmd(t, cfg, "", "head", "blob.bin")
	if code != exitOK {
		t.Fatalf("head code = %d", code)
	}
	var meta storage.Metadata
	if err := json.Unmarshal([]byte(stdout), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Length != int64(len(payload)) {
		t.Errorf("Length = %d, want %d", meta.Length, len(payload))
	}
}

func TestRun_Get_BinaryToTerminal(t *testing.T) {
	cfg := testConfig(t)
	runCmd(t, cfg, "raw", "put", "a.bin")

	orig := isTerminal
	isTerminal = func(io.Writer) bool { return true }
	t.Cleanup(func() { isTerminal = orig })

	code, stdout, stderr := runCmd(t, cfg, "", "get", "a.bin")
	if code != exitUsage {
		t.Errorf("code = %d, want %d", code, exitUsage)
	}
	if stdout != "" || !strings.Contains(stderr, "--force") {
		t.Errorf("stdout = %q, stderr = %q", stdout, stderr)
	}

	code, stdout, _ = runCmd(t, cfg, "", "get", "a.bin", "--force")
	if code != exitOK || stdout != "raw" {
		t.Errorf("forced get = (%d, %q)", code, stdout)
	}
}

func TestRun_NotFound(t *testing.T) {
	cfg := testConfig(t)
	for _, cmd := range []string{"get", "head", "delete"} {
		code, _, stderr := runCmd(t, cfg, "", cmd, "missing")
		if code != exitNotFound {
			t.Errorf("%s code = %d, want %d (%s)", cmd, code, exitNotFound, stderr)
		}
	}
}

func TestRun_Delete(t *testing.T) {
	cfg := testConfig(t)
	runCmd(t, cfg, "", "put", "k", `"v"`)

	if code, _, stderr := runCmd(t, cfg, "", "delete", "k"); code != exitOK {
		t.Fatalf("delete code = %d: %s", code, stderr)
	}
	if code, _, _ := runCmd(t, cfg, "", "get", "k"); code != exitNotFound {
		t.Errorf("get after delete code = %d", code)
	}
}

func TestRun_KeyPrefix(t *testing.T) {
	cfg := testConfig(t)
	runCmd(t, cfg, "", "put", "shared", `"plain"`)

	prefixed := cfg
	prefixed.Storage.KeyPrefix = "tenant1/"
	if code, _, _ := runCmd(t, prefixed, "", "get", "shared"); code != exitNotFound {
		t.Errorf("prefixed store sees unprefixed key: code = %d", code)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	cfg := testConfig(t)
	cases := [][]string{
		{"put"},
		{"get"},
		{"get", "a", "b"},
		{"head"},
		{"delete", "a", "b"},
	}
	for _, args := range cases {
		if code, _, _ := runCmd(t, cfg, "", args...); code != exitUsage {
			t.Errorf("%v code = %d, want %d", args, code, exitUsage)
		}
	}
}

func TestRun_Stop_NotRunning(t *testing.T) {
	code, _, stderr := runCmd(t, testConfig(t), "", "stop")
	if code != exitError {
		t.Errorf("code = %d", code)
	}
	if !strings.Contains(stderr, "not running") {
		t.Errorf("stderr = %s", stderr)
	}
}
