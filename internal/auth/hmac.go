// Package auth implements the agent authentication primitives: the
// HMAC-SHA256 challenge MAC computed over a per-connection nonce, and the
// coordinator-wide shared secret persisted across restarts.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeMAC returns the lowercase hex HMAC-SHA256 of the nonce bytes,
// keyed by the secret bytes. The secret may be any length.
func ComputeMAC(secret, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMAC reports whether got is the correct MAC for the nonce under the
// secret. Comparison is constant-time and exact: the MAC must arrive as
// lowercase hex, so flipping any bit of it, case bits included, fails.
func VerifyMAC(secret, nonce, got string) bool {
	want := ComputeMAC(secret, nonce)
	return hmac.Equal([]byte(want), []byte(got))
}

// NewNonce returns a fresh 128-bit random value, hex-rendered.
// One is issued per connection, immediately after accept.
func NewNonce() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
