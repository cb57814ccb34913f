// Package otp implements the time-based one-time-code and backup-code
// verification used to pre-authorize streaming sessions.
package otp

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	otplib "github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// Period is the TOTP step size in seconds.
	Period = 30
	// Skew is the number of adjacent steps accepted on either side of now,
	// absorbing clock drift between the server and authenticator apps.
	Skew = 1

	secretSize = 20
)

// Verifier generates and validates time-based one-time codes. The zero value
// is not usable; construct with NewVerifier.
type Verifier struct {
	issuer string
	now    func() time.Time
}

// NewVerifier constructs a Verifier labelling enrollment URLs with the
// provided issuer.
func NewVerifier(issuer string) *Verifier {
	trimmed := strings.TrimSpace(issuer)
	if trimmed == "" {
		trimmed = "Neustream"
	}
	return &Verifier{issuer: trimmed, now: time.Now}
}

// GenerateSecret returns a fresh base32-encoded shared secret.
func (v *Verifier) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: "pending",
		SecretSize:  secretSize,
	})
	if err != nil {
		return "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), nil
}

// EnrollmentURL renders the otpauth:// URL for an existing secret so clients
// can present a QR code. This is pure string construction; no network calls.
func (v *Verifier) EnrollmentURL(secret, accountLabel string) string {
	values := url.Values{}
	values.Set("secret", strings.TrimSpace(secret))
	values.Set("issuer", v.issuer)
	values.Set("algorithm", "SHA1")
	values.Set("digits", "6")
	values.Set("period", fmt.Sprintf("%d", Period))

	enrollment := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + v.issuer + ":" + accountLabel,
		RawQuery: values.Encode(),
	}
	return enrollment.String()
}

// VerifyCode reports whether the provided code is valid for the secret at the
// current time. Malformed input yields false, never an error.
func (v *Verifier) VerifyCode(secret, code string) bool {
	return v.VerifyCodeAt(secret, code, v.now())
}

// VerifyCodeAt validates a code against an explicit timestamp. Exposed so
// tests can pin the clock.
func (v *Verifier) VerifyCodeAt(secret, code string, at time.Time) bool {
	trimmedSecret := strings.TrimSpace(secret)
	trimmedCode := strings.TrimSpace(code)
	if trimmedSecret == "" || trimmedCode == "" {
		return false
	}
	valid, err := totp.ValidateCustom(trimmedCode, trimmedSecret, at, totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otplib.DigitsSix,
		Algorithm: otplib.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return valid
}

// GenerateCode produces the code valid at the provided time. Intended for
// tests and enrollment verification flows.
func (v *Verifier) GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(strings.TrimSpace(secret), at, totp.ValidateOpts{
		Period:    Period,
		Skew:      Skew,
		Digits:    otplib.DigitsSix,
		Algorithm: otplib.AlgorithmSHA1,
	})
}
