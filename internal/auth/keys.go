// Package auth covers credential issuance and request authentication:
// API-key generation and hashing, session tokens, and the authenticator
// with its two-tier verification cache.
//
// Every secret is hashed two ways before storage. The lookup hash is a
// fast SHA-256 digest used as the unique database index; the verification
// hash is bcrypt, slow on purpose, so a leaked table resists offline
// cracking. Plaintext is returned to the creator exactly once.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks a bearer as an API key rather than a session token.
const KeyPrefix = "sk-"

// DisplayPrefixLen is how many leading characters of the secret are kept
// in the clear for operators to identify a key.
const DisplayPrefixLen = 12

const bcryptCost = 10

// dummyHash is a real bcrypt hash of an unused secret. When a presented
// key matches no record we still verify against this hash, so the miss
// path takes as long as a failed verification would.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// GenerateSecret mints a fresh API key: the key prefix plus 32 random
// bytes, base64url-encoded.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate secret: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DisplayPrefix returns the operator-visible head of a secret.
func DisplayPrefix(secret string) string {
	if len(secret) <= DisplayPrefixLen {
		return secret
	}
	return secret[:DisplayPrefixLen]
}

// LookupHash is the fast digest used as the unique key index.
func LookupHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashSecret produces the slow verification hash.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(h), nil
}

// VerifySecret checks a presented secret against a verification hash.
func VerifySecret(verificationHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(verificationHash), []byte(secret)) == nil
}

// EqualizeTiming burns one bcrypt verification against the dummy hash.
// Called on the unknown-key path to deny timing oracles.
func EqualizeTiming(secret string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}

// IsAPIKey reports whether a bearer looks like an API key.
func IsAPIKey(bearer string) bool {
	return strings.HasPrefix(bearer, KeyPrefix)
}

// ValidMasterKeyFormat enforces the master-key shape: key prefix, total
// length at least 10.
func ValidMasterKeyFormat(key string) bool {
	return strings.HasPrefix(key, KeyPrefix) && len(key) >= 10
}
