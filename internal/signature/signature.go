// Package signature computes and verifies the HMAC-SHA256 signatures
// attached to outbound webhook requests.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix identifies the signature scheme in the header value.
const Prefix = "sha256="

// Sign computes the lowercase-hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Header formats a signature for the X-Webhook-Signature header.
func Header(payload, secret string) string {
	return Prefix + Sign(payload, secret)
}

// Verify recomputes the signature for payload and compares it against a
// presented "sha256=<hex>" value in constant time.
func Verify(payload, secret, presented string) bool {
	if !strings.HasPrefix(presented, Prefix) {
		return false
	}
	got := strings.TrimPrefix(presented, Prefix)
	want := Sign(payload, secret)
	return hmac.Equal([]byte(got), []byte(want))
}
