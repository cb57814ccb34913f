package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func createSession(t *testing.T, h *Handler, acct account, body map[string]any) sessionView {
	t.Helper()
	rec := authedJSON(t, h, h.StreamingSessions, http.MethodPost, "/api/streaming/sessions", acct.token, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session returned %d: %s", rec.Code, rec.Body.String())
	}
	var view sessionView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return view
}

func TestStreamingSessionRequiresTOTP(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	seedSourceWithDestinations(t, h, acct)

	rec := authedJSON(t, h, h.StreamingSessions, http.MethodPost, "/api/streaming/sessions", acct.token,
		map[string]any{"code": "000000"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("session without totp returned %d, want 400", rec.Code)
	}
}

func TestStreamingSessionLifecycle(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)
	secret, _ := enableTOTP(t, h, acct)

	// Wrong code is rejected.
	rec := authedJSON(t, h, h.StreamingSessions, http.MethodPost, "/api/streaming/sessions", acct.token,
		map[string]any{"code": "000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad code returned %d, want 401", rec.Code)
	}

	view := createSession(t, h, acct, map[string]any{"code": currentCode(t, h, secret)})
	if len(view.StreamKeys) != 2 {
		t.Fatalf("session covers %d keys, want source + legacy", len(view.StreamKeys))
	}

	// The session pre-resolves forwarding for the source key.
	sess, ok, err := h.StreamSessions.GetByStreamKey(source.StreamKey)
	if err != nil || !ok {
		t.Fatalf("session not resolvable by stream key: ok=%v err=%v", ok, err)
	}
	if sess.ID != view.ID {
		t.Fatalf("stream key resolved session %s, want %s", sess.ID, view.ID)
	}

	// Check endpoint sees it; revoke; check again.
	rec = authedJSON(t, h, h.StreamingSessionByID, http.MethodGet, "/api/streaming/sessions/"+view.ID, acct.token, nil)
	var check struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil || !check.Valid {
		t.Fatalf("session check: valid=%v err=%v", check.Valid, err)
	}

	rec = authedJSON(t, h, h.StreamingSessionByID, http.MethodDelete, "/api/streaming/sessions/"+view.ID, acct.token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke returned %d", rec.Code)
	}
	rec = authedJSON(t, h, h.StreamingSessionByID, http.MethodGet, "/api/streaming/sessions/"+view.ID, acct.token, nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil || check.Valid {
		t.Fatalf("revoked session still valid: %v", rec.Body.String())
	}
}

func TestStreamingSessionWithBackupCode(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	seedSourceWithDestinations(t, h, acct)
	_, backupCodes := enableTOTP(t, h, acct)

	createSession(t, h, acct, map[string]any{"backupCode": backupCodes[0]})

	// The consumed code cannot start a second session.
	rec := authedJSON(t, h, h.StreamingSessions, http.MethodPost, "/api/streaming/sessions", acct.token,
		map[string]any{"backupCode": backupCodes[0]})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("reused backup code returned %d, want 401", rec.Code)
	}
}

func TestSessionCheckByStreamKey(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)
	secret, _ := enableTOTP(t, h, acct)

	check := func() (bool, string) {
		req := httptest.NewRequest(http.MethodGet, "/api/streams/session/"+source.StreamKey, nil)
		rec := httptest.NewRecorder()
		h.SessionCheckByKey(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("session check returned %d", rec.Code)
		}
		var resp struct {
			HasSession bool   `json:"hasSession"`
			UserID     string `json:"userId"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode session check: %v", err)
		}
		return resp.HasSession, resp.UserID
	}

	if has, _ := check(); has {
		t.Fatal("expected no session before creation")
	}

	view := createSession(t, h, acct, map[string]any{"code": currentCode(t, h, secret)})
	has, userID := check()
	if !has || userID != acct.user.ID {
		t.Fatalf("session check hasSession=%v user=%q, want true/%q", has, userID, acct.user.ID)
	}

	rec := authedJSON(t, h, h.StreamingSessionByID, http.MethodDelete, "/api/streaming/sessions/"+view.ID, acct.token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke returned %d", rec.Code)
	}
	if has, _ := check(); has {
		t.Fatal("expected no session after revocation")
	}
}

func TestEmergencyStop(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	source := seedSourceWithDestinations(t, h, acct)
	secret, _ := enableTOTP(t, h, acct)

	createSession(t, h, acct, map[string]any{"code": currentCode(t, h, secret)})
	if rec := publishCallback(h.StreamAuth, "/api/streams/auth", source.StreamKey); rec.Code != http.StatusOK {
		t.Fatalf("publish returned %d", rec.Code)
	}

	rec := authedJSON(t, h, h.EmergencyStop, http.MethodPost, "/api/streaming/emergency-stop", acct.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("emergency stop returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionsRevoked int `json:"sessionsRevoked"`
		StreamsClosed   int `json:"streamsClosed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionsRevoked != 1 || resp.StreamsClosed != 1 {
		t.Fatalf("unexpected emergency stop result: %+v", resp)
	}
	if open, _ := h.Store.IsStreamOpen(source.StreamKey); open {
		t.Fatal("ledger row survived emergency stop")
	}
	if sessions, _ := h.StreamSessions.ListByUser(acct.user.ID); len(sessions) != 0 {
		t.Fatalf("%d sessions survived emergency stop", len(sessions))
	}
}
