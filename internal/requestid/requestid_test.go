package requestid

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEnsureUsesValidInboundHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/analytics/models", nil)
	req.Header.Set(Header, "abc-123")

	updated, id := Ensure(req)
	if id != "abc-123" {
		t.Fatalf("request id=%q, want abc-123", id)
	}
	if got := updated.Header.Get(Header); got != "abc-123" {
		t.Fatalf("%s=%q, want abc-123", Header, got)
	}
	if fromCtx, ok := From(updated.Context()); !ok || fromCtx != "abc-123" {
		t.Fatalf("context id=%q (ok=%v), want abc-123", fromCtx, ok)
	}
}

func TestEnsureGeneratesIDWhenInboundHeaderInvalid(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set(Header, "bad value with spaces")

	updated, id := Ensure(req)
	if id == "" {
		t.Fatal("expected generated request id")
	}
	if !strings.HasPrefix(id, "req-") {
		t.Fatalf("generated id=%q, want req- prefix", id)
	}
	if got := updated.Header.Get(Header); got != id {
		t.Fatalf("%s=%q, want %q", Header, got, id)
	}
}

func TestEnsurePrefersContextOverHeaders(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set(Header, "header-id")
	req = req.WithContext(With(req.Context(), "context-id"))

	_, id := Ensure(req)
	if id != "context-id" {
		t.Fatalf("request id=%q, want the context value", id)
	}
}

func TestFromHeadersPrioritizesCanonicalHeader(t *testing.T) {
	t.Parallel()

	headers := make(http.Header)
	headers.Set("X-Correlation-ID", "correlation-id")
	headers.Set(Header, "canonical-id")

	if got := FromHeaders(headers); got != "canonical-id" {
		t.Fatalf("FromHeaders()=%q, want canonical-id", got)
	}

	headers.Del(Header)
	if got := FromHeaders(headers); got != "correlation-id" {
		t.Fatalf("FromHeaders()=%q, want fallback header", got)
	}
	if got := FromHeaders(nil); got != "" {
		t.Fatalf("FromHeaders(nil)=%q, want empty", got)
	}
}

func TestWithAndFromRejectUnsafeValues(t *testing.T) {
	t.Parallel()

	ctx := With(context.Background(), "ok_id-1.2:3")
	if id, ok := From(ctx); !ok || id != "ok_id-1.2:3" {
		t.Fatalf("From()=%q (ok=%v)", id, ok)
	}

	ctx = With(context.Background(), "bad\nvalue")
	if _, ok := From(ctx); ok {
		t.Fatal("unsafe id survived normalization")
	}

	long := strings.Repeat("a", 500)
	ctx = With(context.Background(), long)
	if id, ok := From(ctx); !ok || len(id) != 128 {
		t.Fatalf("long id len=%d (ok=%v), want truncation to 128", len(id), ok)
	}
}

func TestNewGeneratesUniqueIDs(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for i := 0; i < 64; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}
