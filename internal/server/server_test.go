package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"neustream/internal/api"
	"neustream/internal/observability/metrics"
	"neustream/internal/session"
	"neustream/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *api.Handler) {
	t.Helper()
	handler := api.NewHandler(storage.NewMemory(), session.NewMemoryStore())
	handler.Metrics = metrics.New()
	handler.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Logger = handler.Logger
	cfg.Metrics = handler.Metrics
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, handler
}

func TestRoutingAndAuthBoundary(t *testing.T) {
	srv, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	// Health is public.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}

	// Authenticated API routes reject missing tokens.
	resp, err = http.Get(ts.URL + "/api/sources")
	if err != nil {
		t.Fatalf("GET /api/sources: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated /api/sources returned %d, want 401", resp.StatusCode)
	}

	// Register, then use the bearer token end to end.
	resp, err = http.Post(ts.URL+"/api/auth/register", "application/json",
		strings.NewReader(`{"email":"streamer@example.com","password":"correct-horse"}`))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	var reg struct {
		Token string `json:"token"`
		User  struct {
			ID        string `json:"id"`
			StreamKey string `json:"streamKey"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sources", nil)
	req.Header.Set("Authorization", "Bearer "+reg.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authed GET /api/sources: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authed /api/sources returned %d", resp.StatusCode)
	}

	// Media-server callbacks stay public: an unknown key reaches the
	// handler and is rejected on the key itself, not by the bearer
	// middleware.
	form := url.Values{"name": {"nonexistent"}}
	resp, err = http.Post(ts.URL+"/api/streams/auth", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("publish callback: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("publish callback returned %d, want 401", resp.StatusCode)
	}
	if !strings.Contains(string(body), "stream key") {
		t.Fatalf("publish rejection did not come from the ingest handler: %s", body)
	}

	// The registered legacy key is accepted.
	form = url.Values{"name": {reg.User.StreamKey}}
	resp, err = http.Post(ts.URL+"/api/streams/auth", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("publish callback: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish with valid key returned %d", resp.StatusCode)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("request id header missing")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	req.Header.Set("X-Request-Id", "upstream-42")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with request id: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "upstream-42" {
		t.Fatalf("request id not honored: got %q", got)
	}
}

func TestLoginRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{
		Addr:      "127.0.0.1:0",
		RateLimit: RateLimitConfig{LoginLimit: 2, LoginWindow: time.Minute},
	})
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	body := `{"email":"nobody@example.com","password":"wrong-pass"}`
	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/api/auth/login", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("login attempt %d: %v", i, err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != http.StatusUnauthorized || statuses[1] != http.StatusUnauthorized {
		t.Fatalf("expected 401s before the limit, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("third attempt returned %d, want 429", statuses[2])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, Config{Addr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.HTTPServer().Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(payload), "neustream_") {
		t.Fatalf("metrics output missing neustream_ series:\n%s", payload)
	}
}
