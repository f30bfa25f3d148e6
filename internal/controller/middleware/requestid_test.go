package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bulkmail/internal/logger"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestLogger_PropagatesIncomingID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	middleware := RequestLogger(zap.New(core))

	var seen string
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/queue/status", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if seen != "req-42" {
		t.Errorf("handler saw request id %q, want req-42", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("response header %q, want req-42", got)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", fields["request_id"])
	}
	if fields["status"] != int64(http.StatusTeapot) {
		t.Errorf("status = %v, want %d", fields["status"], http.StatusTeapot)
	}
}

func TestRequestLogger_GeneratesID(t *testing.T) {
	middleware := RequestLogger(zap.NewNop())

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger.RequestIDFromContext(r.Context()) == "" {
			t.Error("expected a generated request id")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
}
