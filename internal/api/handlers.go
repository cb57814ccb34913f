package api

import (
	"log/slog"
	"time"

	"neustream/internal/admission"
	"neustream/internal/analytics"
	"neustream/internal/auth"
	"neustream/internal/forward"
	"neustream/internal/observability/metrics"
	"neustream/internal/otp"
	"neustream/internal/session"
	"neustream/internal/storage"
)

// Handler carries the dependencies shared by all HTTP handlers.
type Handler struct {
	Store          storage.Repository
	WebSessions    *auth.SessionManager
	StreamSessions session.Store
	Resolver       *forward.Resolver
	Admission      *admission.Client
	Analytics      *analytics.Emitter
	OTP            *otp.Verifier
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	SessionTTL     time.Duration
}

// NewHandler wires a handler with sane defaults for optional dependencies.
func NewHandler(store storage.Repository, streamSessions session.Store) *Handler {
	if streamSessions == nil {
		streamSessions = session.NewMemoryStore()
	}
	return &Handler{
		Store:          store,
		WebSessions:    auth.NewSessionManager(24 * time.Hour),
		StreamSessions: streamSessions,
		Resolver:       forward.NewResolver(store, streamSessions),
		OTP:            otp.NewVerifier(""),
		Metrics:        metrics.Default(),
		Logger:         slog.Default(),
		SessionTTL:     session.DefaultTTL,
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) verifier() *otp.Verifier {
	if h.OTP == nil {
		h.OTP = otp.NewVerifier("")
	}
	return h.OTP
}

func (h *Handler) sessionTTL() time.Duration {
	if h.SessionTTL > 0 {
		return h.SessionTTL
	}
	return session.DefaultTTL
}
