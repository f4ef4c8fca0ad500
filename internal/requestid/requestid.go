// Package requestid assigns and propagates per-request identifiers so a
// dashboard query can be followed across log lines and responses.
package requestid

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// Header is the canonical request identifier header.
	Header = "X-Request-ID"
	maxLen = 128
)

type contextKey struct{}

var requestIDContextKey contextKey

// Ensure guarantees a stable request identifier on the request context
// and headers, reusing a valid inbound id and minting one otherwise.
func Ensure(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if id, ok := From(req.Context()); ok {
		req.Header.Set(Header, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = New()
	}

	req = req.WithContext(With(req.Context(), id))
	req.Header.Set(Header, id)
	return req, id
}

// With stores a normalized request identifier in context.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalize(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey, normalized)
}

// From extracts a normalized request identifier from context.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(requestIDContextKey).(string)
	if !ok {
		return "", false
	}
	normalized := normalize(value)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

// FromHeaders extracts a normalized request identifier from known headers.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	candidates := []string{
		Header,
		"X-Correlation-ID",
		"X-Correlation-Id",
		"X-Amzn-Trace-Id",
	}
	for _, header := range candidates {
		if id := normalize(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

// New returns a fresh request identifier.
func New() string {
	var bytes [16]byte
	if _, err := rand.Read(bytes[:]); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return "req-" + hex.EncodeToString(bytes[:])
}

// normalize rejects identifiers that are unsafe to echo into headers and
// logs. Only a conservative charset survives.
func normalize(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxLen {
		value = value[:maxLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':', r == '=', r == ';':
		default:
			return ""
		}
	}
	return value
}
