// Package server assembles the HTTP surface: routing, request identity,
// logging, metrics, rate limiting, and bearer authentication.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"neustream/internal/api"
	"neustream/internal/observability/logging"
	"neustream/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

// New wires the handler into a configured HTTP server.
func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())

	mux.HandleFunc("/api/auth/register", handler.Register)
	mux.HandleFunc("/api/auth/login", handler.Login)
	mux.HandleFunc("/api/auth/logout", handler.Logout)
	mux.HandleFunc("/api/auth/me", handler.Me)
	mux.HandleFunc("/api/auth/totp", handler.TOTPStatus)
	mux.HandleFunc("/api/auth/totp/setup", handler.TOTPSetup)
	mux.HandleFunc("/api/auth/totp/verify", handler.TOTPVerify)
	mux.HandleFunc("/api/auth/totp/disable", handler.TOTPDisable)
	mux.HandleFunc("/api/auth/totp/backup-codes", handler.TOTPBackupCodes)

	mux.HandleFunc("/api/streams/auth", handler.StreamAuth)
	mux.HandleFunc("/api/streams/end", handler.StreamEnd)
	mux.HandleFunc("/api/streams/forwarding/", handler.ForwardingByKey)
	mux.HandleFunc("/api/streams/session/", handler.SessionCheckByKey)
	mux.HandleFunc("/api/streams/active", handler.ActiveStreams)

	mux.HandleFunc("/api/streaming/sessions", handler.StreamingSessions)
	mux.HandleFunc("/api/streaming/sessions/", handler.StreamingSessionByID)
	mux.HandleFunc("/api/streaming/emergency-stop", handler.EmergencyStop)

	mux.HandleFunc("/api/sources", handler.Sources)
	mux.HandleFunc("/api/sources/", handler.SourceByID)
	mux.HandleFunc("/api/destinations/", handler.DestinationByID)

	rl := newRateLimiter(cfg.RateLimit)
	chain := http.Handler(mux)
	chain = authMiddleware(handler, chain)
	chain = rateLimitMiddleware(rl, cfg.Logger, chain)
	chain = metrics.HTTPMiddleware(recorder, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{Logger: cfg.Logger})(chain)
	chain = requestIDMiddleware(chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// HTTPServer exposes the underlying server for lifecycle management.
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// TLSFiles returns the configured certificate and key paths.
func (s *Server) TLSFiles() (cert, key string) { return s.tlsCertFile, s.tlsKeyFile }

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// publicPath reports whether a request may proceed without a bearer token:
// health and metrics probes, registration and login, and the media-server
// callbacks, which authenticate through the stream key or session ID they
// carry.
func publicPath(r *http.Request) bool {
	path := r.URL.Path
	switch path {
	case "/healthz", "/metrics",
		"/api/auth/register", "/api/auth/login", "/api/auth/logout",
		"/api/streams/auth", "/api/streams/end":
		return true
	}
	if strings.HasPrefix(path, "/api/streams/forwarding/") {
		return true
	}
	if strings.HasPrefix(path, "/api/streams/session/") {
		return true
	}
	// Session checks are key-authenticated GETs; revocation needs a user.
	if strings.HasPrefix(path, "/api/streaming/sessions/") && r.Method == http.MethodGet {
		return true
	}
	return !strings.HasPrefix(path, "/api/")
}

func authMiddleware(handler *api.Handler, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPath(r) {
			next.ServeHTTP(w, r)
			return
		}
		user, err := handler.AuthenticateRequest(r)
		if err != nil {
			api.WriteError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(api.ContextWithUser(r.Context(), user)))
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
			allowed, retryAfter := rl.AllowLogin(clientIP(r))
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				if logger != nil {
					logger.Warn("login rate limited", "remote_ip", clientIP(r))
				}
				http.Error(w, "too many login attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
