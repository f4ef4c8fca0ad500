package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWriteJSONWritesEncodedPayload(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"status": "ok"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type=%q, want application/json", got)
	}

	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload status=%q, want %q", payload["status"], "ok")
	}
}

func TestWriteJSONReturnsInternalServerErrorOnEncodeFailure(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{
		"bad": make(chan int),
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type=%q, want application/json", got)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"internal server error"}` {
		t.Fatalf("body=%q, want %q", got, `{"error":"internal server error"}`)
	}
}

func TestParseTimeQueryAcceptsSupportedLayouts(t *testing.T) {
	t.Parallel()

	got, err := parseTimeQuery("2026-02-12T03:04:05Z", false)
	if err != nil {
		t.Fatalf("parse RFC3339: %v", err)
	}
	want := time.Date(2026, 2, 12, 3, 4, 5, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, err = parseTimeQuery("2026-02-12", true)
	if err != nil {
		t.Fatalf("parse date: %v", err)
	}
	want = time.Date(2026, 2, 12, 23, 59, 59, 999999999, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("end of day got %v, want %v", got, want)
	}

	got, err = parseTimeQuery("  ", false)
	if err != nil || !got.IsZero() {
		t.Fatalf("blank input got (%v, %v), want zero time", got, err)
	}

	if _, err := parseTimeQuery("last tuesday", false); err == nil {
		t.Fatalf("expected error for unparseable input")
	}
}

func TestParseIntQueryEnforcesBounds(t *testing.T) {
	t.Parallel()

	if got, err := parseIntQuery("25", "limit", 0, 200); err != nil || got != 25 {
		t.Fatalf("got (%d, %v), want (25, nil)", got, err)
	}
	if got, err := parseIntQuery("", "limit", 0, 200); err != nil || got != 0 {
		t.Fatalf("blank got (%d, %v), want (0, nil)", got, err)
	}
	if _, err := parseIntQuery("abc", "limit", 0, 200); err == nil {
		t.Fatalf("expected error for non-integer")
	}
	if _, err := parseIntQuery("-1", "limit", 0, 200); err == nil {
		t.Fatalf("expected error below min")
	}
	if _, err := parseIntQuery("201", "limit", 0, 200); err == nil {
		t.Fatalf("expected error above max")
	}
}

func TestParseRunPathID(t *testing.T) {
	t.Parallel()

	if id, ok := parseRunPathID("/api/runs/run-1"); !ok || id != "run-1" {
		t.Fatalf("got (%q, %v), want (run-1, true)", id, ok)
	}
	if id, ok := parseRunPathID("/api/runs/run-1/"); !ok || id != "run-1" {
		t.Fatalf("trailing slash got (%q, %v), want (run-1, true)", id, ok)
	}
	for _, path := range []string{"/api/runs/", "/api/runs/run-1/extra", "/api/other/run-1"} {
		if _, ok := parseRunPathID(path); ok {
			t.Fatalf("path %q unexpectedly parsed", path)
		}
	}
}

func TestRequireMethodSetsAllowHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	if requireMethod(rec, req, http.MethodGet) {
		t.Fatalf("requireMethod accepted mismatched method")
	}
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, OPTIONS" {
		t.Fatalf("allow header=%q, want %q", got, "GET, OPTIONS")
	}
}
