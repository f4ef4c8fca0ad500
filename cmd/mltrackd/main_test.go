package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mltrack/dashboard/internal/config"
	"github.com/mltrack/dashboard/internal/version"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	if code := runCLI([]string{"definitely-not-a-command"}); code != 2 {
		t.Fatalf("runCLI() code=%d, want 2", code)
	}
}

func TestRunVersionTextOutput(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runVersion(nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runVersion() code=%d, stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), version.String()) {
		t.Fatalf("stdout=%q, want version string %q", stdout.String(), version.String())
	}
}

func TestRunVersionJSONOutput(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runVersion([]string{"--format", "json"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runVersion() code=%d, stderr=%q", code, stderr.String())
	}

	var decoded map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("decode version json: %v\nbody=%s", err, stdout.String())
	}
	if decoded["version"] != version.Version {
		t.Fatalf("version=%q, want %q", decoded["version"], version.Version)
	}
	if decoded["commit"] != version.Commit {
		t.Fatalf("commit=%q, want %q", decoded["commit"], version.Commit)
	}
}

func TestRunVersionRejectsInvalidFormat(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runVersion([]string{"--format", "yaml"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("runVersion() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "expected text or json") {
		t.Fatalf("stderr=%q, want invalid format message", stderr.String())
	}
}

func TestRunVersionRejectsPositionalArguments(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runVersion([]string{"extra"}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("runVersion() code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "does not accept positional arguments") {
		t.Fatalf("stderr=%q, want positional argument message", stderr.String())
	}
}

func TestRunServeRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	configBody := `server:
  host: 127.0.0.1
  port: 70000
storage:
  driver: sqlite
  sqlite:
    path: ./data/mltrack.db
`
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if code := runServe([]string{"--config", configPath}); code != 1 {
		t.Fatalf("runServe exit code=%d, want 1", code)
	}
}

func TestNewDashboardServerUsesSafeTimeouts(t *testing.T) {
	t.Parallel()

	server := newDashboardServer(config.Default(), http.NotFoundHandler())
	if server.ReadHeaderTimeout != serverReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%s, want %s", server.ReadHeaderTimeout, serverReadHeaderTimeout)
	}
	if server.ReadTimeout != serverReadTimeout {
		t.Fatalf("ReadTimeout=%s, want %s", server.ReadTimeout, serverReadTimeout)
	}
	if server.IdleTimeout != serverIdleTimeout {
		t.Fatalf("IdleTimeout=%s, want %s", server.IdleTimeout, serverIdleTimeout)
	}
}
