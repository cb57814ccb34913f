package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// DefaultBackupCodeCount is the number of recovery codes issued when TOTP is
// enabled or codes are regenerated.
const DefaultBackupCodeCount = 10

const backupCodeBytes = 8

// GenerateBackupCodes returns count plaintext recovery codes alongside their
// SHA-256 digests. Only the digests are stored; the plaintext codes are shown
// to the user once.
func GenerateBackupCodes(count int) (codes []string, hashes []string, err error) {
	if count <= 0 {
		count = DefaultBackupCodeCount
	}
	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)
	for i := 0; i < count; i++ {
		buf := make([]byte, backupCodeBytes)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		code := hex.EncodeToString(buf)
		codes = append(codes, code)
		hashes = append(hashes, HashBackupCode(code))
	}
	return codes, hashes, nil
}

// HashBackupCode returns the hex-encoded SHA-256 digest of a recovery code.
func HashBackupCode(code string) string {
	digest := sha256.Sum256([]byte(code))
	return hex.EncodeToString(digest[:])
}

// MatchBackupCode compares a plaintext code against a stored digest in
// constant time.
func MatchBackupCode(code, hash string) bool {
	computed := HashBackupCode(code)
	if len(computed) != len(hash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}
