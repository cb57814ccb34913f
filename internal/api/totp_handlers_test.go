package api

import (
	"encoding/json"
	"net/http"
	"testing"

	"neustream/internal/otp"
)

func TestTOTPEnrollment(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")

	_, backupCodes := enableTOTP(t, h, acct)
	if len(backupCodes) != otp.DefaultBackupCodeCount {
		t.Fatalf("got %d backup codes, want %d", len(backupCodes), otp.DefaultBackupCodeCount)
	}

	rec := authedJSON(t, h, h.TOTPStatus, http.MethodGet, "/api/auth/totp", acct.token, nil)
	var status struct {
		Enabled              bool `json:"enabled"`
		BackupCodesRemaining int  `json:"backupCodesRemaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Enabled || status.BackupCodesRemaining != otp.DefaultBackupCodeCount {
		t.Fatalf("unexpected status: %+v", status)
	}

	// Setup is rejected once enabled.
	rec = authedJSON(t, h, h.TOTPSetup, http.MethodPost, "/api/auth/totp/setup", acct.token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second setup returned %d, want 409", rec.Code)
	}
}

func TestTOTPVerifyRejectsWrongCode(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")

	rec := authedJSON(t, h, h.TOTPSetup, http.MethodPost, "/api/auth/totp/setup", acct.token, nil)
	var setup struct {
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &setup); err != nil {
		t.Fatalf("decode setup: %v", err)
	}

	rec = authedJSON(t, h, h.TOTPVerify, http.MethodPost, "/api/auth/totp/verify", acct.token,
		map[string]string{"secret": setup.Secret, "code": "000000"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong code returned %d, want 401", rec.Code)
	}

	user, _ := h.Store.GetUser(acct.user.ID)
	if user.TOTPEnabled {
		t.Fatal("failed verification must not enable two-factor")
	}
}

func TestTOTPDisableWithBackupCodeRevokesSessions(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	seedSourceWithDestinations(t, h, acct)
	secret, backupCodes := enableTOTP(t, h, acct)

	createSession(t, h, acct, map[string]any{"code": currentCode(t, h, secret)})

	rec := authedJSON(t, h, h.TOTPDisable, http.MethodPost, "/api/auth/totp/disable", acct.token,
		map[string]string{"backupCode": backupCodes[0]})
	if rec.Code != http.StatusOK {
		t.Fatalf("disable returned %d: %s", rec.Code, rec.Body.String())
	}

	user, _ := h.Store.GetUser(acct.user.ID)
	if user.TOTPEnabled || user.TOTPSecret != "" {
		t.Fatal("disable left two-factor state behind")
	}
	if sessions, _ := h.StreamSessions.ListByUser(acct.user.ID); len(sessions) != 0 {
		t.Fatal("streaming sessions survived two-factor disable")
	}
}

func TestTOTPRegenerateBackupCodes(t *testing.T) {
	h := newTestHandler(t)
	acct := registerAccount(t, h, "streamer@example.com")
	secret, oldCodes := enableTOTP(t, h, acct)

	rec := authedJSON(t, h, h.TOTPBackupCodes, http.MethodPost, "/api/auth/totp/backup-codes", acct.token,
		map[string]string{"code": currentCode(t, h, secret)})
	if rec.Code != http.StatusOK {
		t.Fatalf("regenerate returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		BackupCodes []string `json:"backupCodes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.BackupCodes) != otp.DefaultBackupCodeCount {
		t.Fatalf("got %d new codes, want %d", len(resp.BackupCodes), otp.DefaultBackupCodeCount)
	}

	// Old codes are dead after regeneration.
	if err := h.Store.ConsumeBackupCode(acct.user.ID, oldCodes[0]); err == nil {
		t.Fatal("old backup code remained valid after regeneration")
	}
	if err := h.Store.ConsumeBackupCode(acct.user.ID, resp.BackupCodes[0]); err != nil {
		t.Fatalf("new backup code rejected: %v", err)
	}
}
