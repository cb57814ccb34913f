package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"neustream/internal/analytics"
	"neustream/internal/forward"
	"neustream/internal/session"
)

const maxSessionTTL = 24 * time.Hour

type sessionView struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	StreamKeys []string  `json:"streamKeys"`
}

func viewSession(sess session.Session) sessionView {
	return sessionView{
		ID:         sess.ID,
		CreatedAt:  sess.CreatedAt,
		ExpiresAt:  sess.ExpiresAt,
		StreamKeys: sess.StreamKeys(),
	}
}

// StreamingSessions creates a pre-authorized streaming session (POST) or
// lists the caller's live sessions (GET). Creation is gated on a second
// factor: a current authenticator code or an unused backup code.
func (h *Handler) StreamingSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createStreamingSession(w, r)
	case http.MethodGet:
		h.listStreamingSessions(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) createStreamingSession(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if !user.TOTPEnabled {
		writeError(w, http.StatusBadRequest, fmt.Errorf("two-factor authentication must be enabled to start a streaming session"))
		return
	}
	var req struct {
		Code       string `json:"code"`
		BackupCode string `json:"backupCode"`
		TTLSeconds int    `json:"ttlSeconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.authorizeSecondFactor(user, req.Code, req.BackupCode) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("verification code does not match"))
		return
	}

	ttl := h.sessionTTL()
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl > maxSessionTTL {
			ttl = maxSessionTTL
		}
	}

	grants := forward.SnapshotGrants(h.Store, user)
	if len(grants) == 0 {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("no stream keys available for a session"))
		return
	}
	sess, err := h.StreamSessions.Create(user.ID, grants, ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.recorder().SessionCreated()
	h.Analytics.Capture(analytics.EventSessionStarted, user.ID, map[string]any{
		"keys":       len(grants),
		"ttlSeconds": int(ttl.Seconds()),
	})
	writeJSON(w, http.StatusCreated, viewSession(sess))
}

func (h *Handler) listStreamingSessions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	sessions, err := h.StreamSessions.ListByUser(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, viewSession(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

// StreamingSessionByID checks (GET) or revokes (DELETE) a single session.
// The check endpoint deliberately reveals only validity and expiry; the
// session ID itself is the credential.
func (h *Handler) StreamingSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/streaming/sessions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session id is required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		sess, ok, err := h.StreamSessions.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{"valid": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":     true,
			"expiresAt": sess.ExpiresAt,
		})
	case http.MethodDelete:
		user, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		sess, found, err := h.StreamSessions.Get(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !found || sess.UserID != user.ID {
			writeError(w, http.StatusNotFound, fmt.Errorf("session not found"))
			return
		}
		if err := h.StreamSessions.Revoke(id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.recorder().SessionRevoked(1)
		h.Analytics.Capture(analytics.EventSessionStopped, user.ID, map[string]any{"sessionId": sess.ID})
		writeJSON(w, http.StatusNoContent, nil)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// EmergencyStop revokes every streaming session and closes every live ledger
// row for the caller in one shot.
func (h *Handler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	revoked, err := h.StreamSessions.RevokeUser(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if revoked > 0 {
		h.recorder().SessionRevoked(revoked)
	}

	streams, err := h.Store.ListActiveStreams(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	closed := 0
	for _, stream := range streams {
		if _, wasOpen, err := h.Store.CloseStream(stream.StreamKey); err != nil {
			h.logger().Warn("emergency close stream", "error", err)
		} else if wasOpen {
			closed++
			h.recorder().StreamStopped()
		}
	}

	h.logger().Info("emergency stop", "user_id", user.ID, "sessions_revoked", revoked, "streams_closed", closed)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionsRevoked": revoked,
		"streamsClosed":   closed,
	})
}
