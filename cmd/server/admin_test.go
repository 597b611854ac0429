package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/epam/ai-dial-core-sub000/internal/logging"
)

type fakeTier struct{ err error }

func (f fakeTier) Ping(context.Context) error { return f.err }

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"redis up", nil, http.StatusOK},
		{"redis down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(adminHandler(fakeTier{err: tt.err}), http.MethodGet, "/healthz")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLogLevelSwitch(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel("info") })
	h := adminHandler(fakeTier{})

	rec := serve(h, http.MethodPut, "/loglevel?level=debug")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "debug" {
		t.Fatalf("PUT = %d %q", rec.Code, rec.Body.String())
	}
	if got := logging.Level(); got != "debug" {
		t.Fatalf("Level = %q after switch", got)
	}

	rec = serve(h, http.MethodPut, "/loglevel?level=chatty")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT invalid level = %d", rec.Code)
	}
	if got := logging.Level(); got != "debug" {
		t.Fatalf("invalid level changed Level to %q", got)
	}

	rec = serve(h, http.MethodGet, "/loglevel")
	if strings.TrimSpace(rec.Body.String()) != "debug" {
		t.Fatalf("GET = %q", rec.Body.String())
	}
	if rec = serve(h, http.MethodDelete, "/loglevel"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("DELETE = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(adminHandler(fakeTier{}), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("/metrics = %d", rec.Code)
	}
}
