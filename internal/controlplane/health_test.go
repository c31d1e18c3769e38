package controlplane

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHealthAlwaysOK(t *testing.T) {
	ready := &Readiness{}
	handler := NewRouter(zerolog.New(io.Discard), time.Second, ready, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestReadyReflectsFlag(t *testing.T) {
	ready := &Readiness{}
	handler := NewRouter(zerolog.New(io.Discard), time.Second, ready, func(ctx context.Context) (map[string]interface{}, error) {
		return nil, nil
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}

	ready.SetReady(true)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 after ready, got %d", rec2.Code)
	}
}

func TestStatsReturnsProvidedSnapshot(t *testing.T) {
	ready := &Readiness{}
	handler := NewRouter(zerolog.New(io.Discard), time.Second, ready, func(ctx context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"pending_cdc": float64(3)}, nil
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	data, _ := io.ReadAll(rec.Body)
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("failed to decode stats body: %v", err)
	}
	if body["pending_cdc"] != float64(3) {
		t.Fatalf("expected pending_cdc=3, got %+v", body)
	}
}

func TestRequireLoopbackRejectsNonLoopback(t *testing.T) {
	if err := requireLoopback("0.0.0.0:8080", false); err == nil {
		t.Fatal("expected 0.0.0.0 to be rejected without override")
	}
	if err := requireLoopback("127.0.0.1:8080", false); err != nil {
		t.Fatalf("expected loopback address to be accepted, got %v", err)
	}
	if err := requireLoopback("0.0.0.0:8080", true); err != nil {
		t.Fatalf("expected override to allow non-loopback, got %v", err)
	}
}
