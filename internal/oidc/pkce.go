package oidc

import (
	"crypto/sha256"
	"encoding/base64"
)

// verifyPKCE checks SHA-256(verifier) == challenge, base64url no padding,
// the only method this provider accepts (spec.md §4.7: S256-only).
func verifyPKCE(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return computed == challenge
}
