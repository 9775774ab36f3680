// Package authclient is the client-side OIDC caller (C8): PKCE generation,
// discovery document caching, the authorization-code callback handler, and
// an expiry-buffered token cache adapted from the teacher's TokenBroker
// (internal/mcpserver/auth/broker.go), generalized from Auth0-specific to
// generic OIDC (spec.md §4.8).
package authclient

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
)

// NewVerifier generates a PKCE code verifier: >=43 random chars, base64url
// encoded (spec.md §4.8).
func NewVerifier() string {
	b := make([]byte, 32) // 32 bytes -> 43 base64url chars, no padding
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// ChallengeFor computes the S256 PKCE challenge for a verifier.
func ChallengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewState generates an opaque CSRF state value.
func NewState() string { return randToken() }

// NewNonce generates an opaque OIDC nonce value.
func NewNonce() string { return randToken() }

func randToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
