package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"neustream/internal/analytics"
	"neustream/internal/forward"
	"neustream/internal/observability/logging"
)

// ingestKey extracts the stream key from a media-server callback. nginx-rtmp
// posts it as the form field "name"; a query parameter is accepted as a
// fallback for servers that only support GET callbacks.
func ingestKey(r *http.Request) string {
	if err := r.ParseForm(); err != nil {
		return ""
	}
	if key := strings.TrimSpace(r.PostFormValue("name")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("name"))
}

// StreamAuth is the publish callback: it authenticates the stream key, checks
// the duplicate ledger and the subscription quota, and opens the ledger row.
// Any non-2xx response makes the media server reject the publish.
func (h *Handler) StreamAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := ingestKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}
	log := h.logger().With("stream_key", logging.RedactKey(key))

	res, err := h.Resolver.Resolve(key)
	if err != nil {
		if errors.Is(err, forward.ErrUnknownKey) {
			h.recorder().ObserveAuthOutcome("invalid_key")
			h.Analytics.Capture(analytics.EventInvalidStreamKey, "anonymous", map[string]any{
				"streamKey": logging.RedactKey(key),
			})
			log.Info("publish rejected: unknown stream key")
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid stream key"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log = log.With("user_id", res.UserID, "resolved_via", string(res.Via))

	// Fast duplicate check before spending a quota call; the conditional
	// insert below still catches races.
	if open, err := h.Store.IsStreamOpen(key); err == nil && open {
		h.acceptDuplicate(w, log, res)
		return
	}

	current, err := h.Store.CountActiveStreams(res.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	decision, err := h.Admission.CanStream(r.Context(), res.UserID, current)
	if err != nil {
		log.Warn("admission check failed", "error", err, "allowed", decision.Allowed)
	}
	if !decision.Allowed {
		if err != nil {
			h.recorder().ObserveAdmission("error")
		} else {
			h.recorder().ObserveAdmission("denied")
		}
		h.recorder().ObserveAuthOutcome("quota_denied")
		h.Analytics.Capture(analytics.EventStreamDeniedQuota, res.UserID, map[string]any{
			"current": decision.Current,
			"max":     decision.Max,
		})
		log.Info("publish rejected: quota denied", "current", decision.Current, "max", decision.Max)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "concurrent stream limit reached",
			"allowed": false,
			"current": decision.Current,
			"max":     decision.Max,
		})
		return
	}
	h.recorder().ObserveAdmission("allowed")

	open, err := h.Store.TryOpenStream(key, res.UserID, res.SourceID, len(res.Directives))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if open.AlreadyOpen {
		h.acceptDuplicate(w, log, res)
		return
	}

	if res.SourceID != nil {
		if err := h.Store.TouchSource(*res.SourceID, open.Stream.StartedAt); err != nil {
			log.Warn("touch source", "error", err)
		}
	}
	h.recorder().ObserveAuthOutcome("success")
	h.recorder().StreamStarted()
	h.Analytics.Capture(analytics.EventStreamAuthSuccess, res.UserID, map[string]any{
		"resolvedVia":  string(res.Via),
		"destinations": len(res.Directives),
	})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Admission.TrackStreamStart(ctx, res.UserID, key); err != nil {
			log.Warn("track stream start", "error", err)
		}
	}()
	log.Info("publish accepted", "destinations", len(res.Directives))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "live",
		"streamId":   open.Stream.ID,
		"directives": res.Directives,
	})
}

// acceptDuplicate normalizes a publish for an already-live key into a success.
// The media server retries slow auth callbacks, so a second announce for the
// same key is a reconnect race, not a second stream; rejecting it would tear
// down the running publish.
func (h *Handler) acceptDuplicate(w http.ResponseWriter, log *slog.Logger, res forward.Resolution) {
	if res.SourceID != nil {
		if err := h.Store.TouchSource(*res.SourceID, time.Now().UTC()); err != nil {
			log.Warn("touch source", "error", err)
		}
	}
	h.recorder().ObserveAuthOutcome("duplicate")
	h.Analytics.Capture(analytics.EventDuplicateStreamAttempt, res.UserID, map[string]any{
		"destinations": len(res.Directives),
	})
	log.Info("publish re-announced: stream already live")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "live",
		"duplicate":  true,
		"directives": res.Directives,
	})
}

// StreamEnd is the publish-done callback. Closing a key with no live ledger
// row is a silent success so media-server retries stay idempotent.
func (h *Handler) StreamEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := ingestKey(r)
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}

	stream, closed, err := h.Store.CloseStream(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if closed {
		h.recorder().StreamStopped()
		duration := time.Duration(0)
		if stream.EndedAt != nil {
			duration = stream.EndedAt.Sub(stream.StartedAt)
		}
		if duration < 0 {
			h.logger().Warn("negative stream duration clamped to zero",
				"stream_key", logging.RedactKey(key),
				"started_at", stream.StartedAt,
				"ended_at", stream.EndedAt)
			duration = 0
		}
		h.Analytics.Capture(analytics.EventStreamEnded, stream.UserID, map[string]any{
			"durationSeconds": int(duration.Seconds()),
		})
		userID, streamKey := stream.UserID, key
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.Admission.TrackStreamEnd(ctx, userID, streamKey); err != nil {
				h.logger().Warn("track stream end", "error", err)
			}
		}()
		h.logger().Info("publish ended",
			"stream_key", logging.RedactKey(key),
			"user_id", stream.UserID,
			"duration_seconds", int(duration.Seconds()))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ForwardingByKey resolves a stream key to its push directives. The media
// server requests this when configuring relays for an accepted publish.
func (h *Handler) ForwardingByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/streams/forwarding/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}

	res, err := h.Resolver.Resolve(key)
	if err != nil {
		if errors.Is(err, forward.ErrUnknownKey) {
			h.recorder().ObserveForwardingLookup("miss")
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown stream key"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	platforms := make([]string, 0, len(res.Targets))
	for _, target := range res.Targets {
		platforms = append(platforms, string(target.Platform))
	}
	h.recorder().ObserveForwardingLookup(string(res.Via))
	h.Analytics.Capture(analytics.EventForwardingRequested, res.UserID, map[string]any{
		"resolvedVia":  string(res.Via),
		"destinations": len(res.Targets),
		"platforms":    platforms,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"resolvedVia":  string(res.Via),
		"userId":       res.UserID,
		"sourceId":     res.SourceID,
		"sourceName":   res.SourceName,
		"destinations": res.Targets,
		"directives":   res.Directives,
	})
}

// SessionCheckByKey reports whether a valid pre-authorized session covers the
// stream key. The media server uses it to decide between fast-path and
// slow-path handling; absence is an answer, never an error.
func (h *Handler) SessionCheckByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	key := strings.TrimPrefix(r.URL.Path, "/api/streams/session/")
	if key == "" || strings.Contains(key, "/") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}

	sess, found, err := h.StreamSessions.GetByStreamKey(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found || !sess.Valid(time.Now()) {
		writeJSON(w, http.StatusOK, map[string]any{"hasSession": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hasSession": true,
		"userId":     sess.UserID,
		"expiresAt":  sess.ExpiresAt,
	})
}

// ActiveStreams lists the caller's live ledger rows.
func (h *Handler) ActiveStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	streams, err := h.Store.ListActiveStreams(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams, "count": len(streams)})
}

// Health reports process liveness and datastore reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
