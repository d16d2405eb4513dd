// Package apikey hashes caller credentials. The plaintext key never leaves
// the request path; every stored or compared identity is the hex SHA-256 of
// the key, and comparisons are constant-time.
package apikey

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hash returns the hex-encoded SHA-256 of key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Equal compares two hex hashes in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MatchesKey hashes the presented key and compares it to storedHash in
// constant time.
func MatchesKey(storedHash, presentedKey string) bool {
	return Equal(storedHash, Hash(presentedKey))
}
