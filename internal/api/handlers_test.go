package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"neustream/internal/models"
	"neustream/internal/observability/metrics"
	"neustream/internal/session"
	"neustream/internal/storage"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	h := NewHandler(storage.NewMemory(), session.NewMemoryStore())
	h.Metrics = metrics.New()
	h.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return h
}

type account struct {
	user  models.User
	token string
}

func registerAccount(t *testing.T, h *Handler, email string) account {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register",
		strings.NewReader(`{"email":"`+email+`","password":"correct-horse"}`))
	rec := httptest.NewRecorder()
	h.Register(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		User  userView `json:"user"`
		Token string   `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	user, ok := h.Store.GetUser(resp.User.ID)
	if !ok {
		t.Fatalf("registered user %s not found", resp.User.ID)
	}
	return account{user: user, token: resp.Token}
}

func authedJSON(t *testing.T, h *Handler, handler http.HandlerFunc, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.RequireUser(handler)(rec, req)
	return rec
}

func seedSourceWithDestinations(t *testing.T, h *Handler, acct account) models.StreamSource {
	t.Helper()
	source, err := h.Store.CreateSource(acct.user.ID, "main")
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	for _, d := range []struct{ platform, url, key string }{
		{"youtube", "rtmp://a.rtmp.youtube.com/live2", "yt-key"},
		{"twitch", "rtmp://live.twitch.tv/app", "tw-key"},
	} {
		if _, err := h.Store.CreateDestination(storage.CreateDestinationParams{
			SourceID:  source.ID,
			UserID:    acct.user.ID,
			Platform:  models.Platform(d.platform),
			RTMPURL:   d.url,
			StreamKey: d.key,
		}); err != nil {
			t.Fatalf("CreateDestination %s: %v", d.platform, err)
		}
	}
	return source
}

func publishCallback(handler http.HandlerFunc, path, streamKey string) *httptest.ResponseRecorder {
	form := url.Values{"name": {streamKey}}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func enableTOTP(t *testing.T, h *Handler, acct account) (secret string, backupCodes []string) {
	t.Helper()
	rec := authedJSON(t, h, h.TOTPSetup, http.MethodPost, "/api/auth/totp/setup", acct.token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("totp setup returned %d: %s", rec.Code, rec.Body.String())
	}
	var setup struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &setup); err != nil {
		t.Fatalf("decode setup response: %v", err)
	}

	code := currentCode(t, h, setup.Secret)
	rec = authedJSON(t, h, h.TOTPVerify, http.MethodPost, "/api/auth/totp/verify", acct.token,
		map[string]string{"secret": setup.Secret, "code": code})
	if rec.Code != http.StatusOK {
		t.Fatalf("totp verify returned %d: %s", rec.Code, rec.Body.String())
	}
	var verify struct {
		BackupCodes []string `json:"backupCodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &verify); err != nil {
		t.Fatalf("decode verify response: %v", err)
	}
	return setup.Secret, verify.BackupCodes
}

func currentCode(t *testing.T, h *Handler, secret string) string {
	t.Helper()
	code, err := h.verifier().GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generate totp code: %v", err)
	}
	return code
}
