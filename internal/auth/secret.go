package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LoadOrGenerateSecret returns the coordinator's shared secret, reading it
// from path if a non-empty file exists there. Otherwise a fresh secret is
// generated and written back so subsequent boots reuse it.
//
// A read failure is not fatal: the server comes up with an in-memory
// secret, at the cost of every agent needing the new value. A write
// failure is logged for the same reason.
func LoadOrGenerateSecret(path string, log *slog.Logger) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret != "" {
			return secret, nil
		}
	} else if !os.IsNotExist(err) {
		log.Warn("secret key unreadable, generating a new one", "path", path, "error", err)
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		log.Warn("failed to save secret key, agents must be re-keyed after restart",
			"path", path, "error", err)
	}
	return secret, nil
}

// generateSecret produces 32 random bytes, hex-encoded.
func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
