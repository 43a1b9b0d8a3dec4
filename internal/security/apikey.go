package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// apiKeyBytes is the raw entropy of a generated key (128 bits).
const apiKeyBytes = 16

// GenerateAPIKey returns a new random bearer key as a hex string.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// DigestAPIKey returns the SHA-256 hex digest of a bearer key.
// Only the digest is ever persisted; the plaintext key is shown once at
// issuance and cannot be recovered afterwards.
func DigestAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
