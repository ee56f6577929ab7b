// Package webhook delivers domain events to tenant-registered HTTP endpoints
// with signed payloads and bounded retries.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the payload signature carried in the X-RealCast-Signature
// header: an HMAC-SHA256 over the exact payload bytes, hex-encoded.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. Consumers use the
// same routine on their side.
func Verify(secret string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
