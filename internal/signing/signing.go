// Package signing computes and checks the X-Webhook-Signature header value.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Header = "X-Webhook-Signature"
	prefix = "sha256="
)

// Sign returns "sha256=<hex hmac>" of body keyed by secret. The MAC covers
// body exactly as given, so callers must pass the bytes they transmit. An
// empty secret yields an empty signature.
func Sign(body []byte, secret string) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether header is a valid signature of body under secret.
func Verify(body []byte, secret, header string) bool {
	if secret == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	want := Sign(body, secret)
	return hmac.Equal([]byte(header), []byte(want))
}
