package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/clinicflow/clinicflow/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_BlocksOverLimitPerIP(t *testing.T) {
	rl := NewRateLimiter(3, 60)

	for range 3 {
		if !rl.allow("10.0.0.1") {
			t.Fatal("expected request to be allowed within limit")
		}
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("expected request to be blocked over limit")
	}
	if !rl.allow("10.0.0.2") {
		t.Fatal("expected different IP to be allowed")
	}
}

func TestRateLimiter_ResetsAfterWindow(t *testing.T) {
	now := time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, 1)
	rl.now = func() time.Time { return now }

	rl.allow("10.0.0.1")
	if rl.allow("10.0.0.1") {
		t.Fatal("expected to be blocked")
	}

	now = now.Add(1100 * time.Millisecond)
	if !rl.allow("10.0.0.1") {
		t.Fatal("expected to be allowed after window reset")
	}
}

func TestRateLimiter_HTTPMiddleware(t *testing.T) {
	handler := NewRateLimiter(1, 60).Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.RemoteAddr = "192.168.1.1:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
}

func TestClientIPAddress_TrustsForwardedOnlyFromLoopback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	req.RemoteAddr = "127.0.0.1:5000"
	if got := clientIPAddress(req); got != "203.0.113.9" {
		t.Fatalf("behind loopback proxy: got %q", got)
	}

	req.RemoteAddr = "198.51.100.7:5000"
	if got := clientIPAddress(req); got != "198.51.100.7" {
		t.Fatalf("untrusted forwarder: got %q", got)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.CORSConfig
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{
			name:       "any origin",
			cfg:        config.CORSConfig{AllowAnyOrigin: true, AllowedMethods: []string{"GET"}},
			method:     http.MethodGet,
			origin:     "https://example.com",
			wantOrigin: "*",
			wantStatus: http.StatusOK,
		},
		{
			name:       "listed origin",
			cfg:        config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
			method:     http.MethodGet,
			origin:     "https://app.example.com",
			wantOrigin: "https://app.example.com",
			wantStatus: http.StatusOK,
		},
		{
			name:       "unlisted origin",
			cfg:        config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
			method:     http.MethodGet,
			origin:     "https://evil.example.com",
			wantOrigin: "",
			wantStatus: http.StatusOK,
		},
		{
			name:       "preflight",
			cfg:        config.CORSConfig{AllowAnyOrigin: true},
			method:     http.MethodOptions,
			origin:     "https://example.com",
			wantOrigin: "*",
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/appointments", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()

			CORS(tt.cfg)(okHandler()).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "req-42" || rec.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("propagated id = %q, header %q", seen, rec.Header().Get("X-Request-ID"))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("generated id = %q, header %q", seen, rec.Header().Get("X-Request-ID"))
	}
}
