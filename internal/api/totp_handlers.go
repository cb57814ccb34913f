package api

import (
	"errors"
	"fmt"
	"net/http"

	"neustream/internal/models"
	"neustream/internal/otp"
	"neustream/internal/storage"
)

// TOTPStatus reports whether two-factor is enabled and how many backup codes
// remain unused.
func (h *Handler) TOTPStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	remaining := 0
	for _, code := range user.BackupCodes {
		if !code.Used {
			remaining++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":              user.TOTPEnabled,
		"backupCodesRemaining": remaining,
	})
}

// TOTPSetup issues a fresh shared secret and enrollment URL. The secret is
// not active until TOTPVerify confirms the authenticator produces matching
// codes.
func (h *Handler) TOTPSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if user.TOTPEnabled {
		writeError(w, http.StatusConflict, fmt.Errorf("two-factor authentication is already enabled"))
		return
	}
	secret, err := h.verifier().GenerateSecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"secret":        secret,
		"enrollmentUrl": h.verifier().EnrollmentURL(secret, user.Email),
	})
}

// TOTPVerify activates two-factor after the client proves it holds the
// secret. Backup codes are generated here and returned exactly once.
func (h *Handler) TOTPVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if user.TOTPEnabled {
		writeError(w, http.StatusConflict, fmt.Errorf("two-factor authentication is already enabled"))
		return
	}
	var req struct {
		Secret string `json:"secret"`
		Code   string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Secret == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("secret and code are required"))
		return
	}
	if !h.verifier().VerifyCode(req.Secret, req.Code) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("verification code does not match"))
		return
	}

	codes, hashes, err := otp.GenerateBackupCodes(otp.DefaultBackupCodeCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.Store.EnableTOTP(user.ID, req.Secret, hashes); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     true,
		"backupCodes": codes,
	})
}

// TOTPDisable turns two-factor off after revalidating a current code or an
// unused backup code. All streaming sessions are revoked since their gate no
// longer holds.
func (h *Handler) TOTPDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if !user.TOTPEnabled {
		writeError(w, http.StatusConflict, fmt.Errorf("two-factor authentication is not enabled"))
		return
	}
	var req struct {
		Code       string `json:"code"`
		BackupCode string `json:"backupCode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.authorizeSecondFactor(user, req.Code, req.BackupCode) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("verification code does not match"))
		return
	}

	if _, err := h.Store.DisableTOTP(user.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if count, err := h.StreamSessions.RevokeUser(user.ID); err != nil {
		h.logger().Warn("revoke streaming sessions", "error", err)
	} else if count > 0 {
		h.recorder().SessionRevoked(count)
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
}

// TOTPBackupCodes replaces the backup code set, invalidating all previous
// codes.
func (h *Handler) TOTPBackupCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !user.TOTPEnabled {
		writeError(w, http.StatusConflict, fmt.Errorf("two-factor authentication is not enabled"))
		return
	}
	if !h.verifier().VerifyCode(user.TOTPSecret, req.Code) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("verification code does not match"))
		return
	}

	codes, hashes, err := otp.GenerateBackupCodes(otp.DefaultBackupCodeCount)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.Store.ReplaceBackupCodes(user.ID, hashes); err != nil {
		if errors.Is(err, storage.ErrTOTPNotEnabled) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backupCodes": codes})
}

// authorizeSecondFactor accepts either a live authenticator code or an
// unused backup code. A matched backup code is consumed.
func (h *Handler) authorizeSecondFactor(user models.User, code, backupCode string) bool {
	if code != "" && h.verifier().VerifyCode(user.TOTPSecret, code) {
		return true
	}
	if backupCode != "" {
		if err := h.Store.ConsumeBackupCode(user.ID, backupCode); err == nil {
			return true
		}
	}
	return false
}
