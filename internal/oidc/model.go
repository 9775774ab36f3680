// Package oidc implements an authorization-code + PKCE (S256-only) OIDC
// provider, adapted from the teacher's internal/httpapi router grouping
// style and sharing its internal/db pgxpool rather than a second storage
// stack (spec.md §4.7).
package oidc

import "time"

// Client is a registered OAuth/OIDC client.
type Client struct {
	ID             string
	Secret         string // empty for public clients
	RedirectURIs   []string
	GrantTypes     []string // "authorization_code", "refresh_token"
	ResponseTypes  []string // "code", "code id_token"
	PKCEPolicy     string   // "required", "optional", "none"
	Scopes         []string
	PostLogoutURIs []string
}

func (c Client) allowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

func (c Client) allowsPostLogoutRedirect(uri string) bool {
	for _, u := range c.PostLogoutURIs {
		if u == uri {
			return true
		}
	}
	return false
}

func (c Client) requiresPKCE() bool {
	return c.PKCEPolicy != "none" && c.Secret == ""
}

// User is an end-user identity the provider can authenticate.
type User struct {
	ID       string
	Email    string
	Verified bool
	Profile  map[string]any
}

// AuthorizationCode is a short-lived, single-use, client- and PKCE-bound
// grant, per spec.md §3.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	ExpiresAt           time.Time
}

func (c AuthorizationCode) expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// RefreshToken is a user- and client-bound, rotatable grant.
type RefreshToken struct {
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	ExpiresAt time.Time
}

func (t RefreshToken) expired(now time.Time) bool { return now.After(t.ExpiresAt) }

// Consent records that a user has granted a client a set of scopes,
// optionally with an expiry.
type Consent struct {
	UserID    string
	ClientID  string
	Scopes    []string
	ExpiresAt *time.Time
}

func (c Consent) covers(requested []string) bool {
	granted := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		granted[s] = true
	}
	for _, s := range requested {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Interaction is ephemeral state for a login/consent round trip; it
// expires at a fixed TTL (spec.md §3).
type Interaction struct {
	ID        string
	ClientID  string
	RedirectURI string
	Scope     string
	State     string
	Nonce     string
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt time.Time
}

// InteractionTTL is the fixed lifetime of a login/consent interaction.
const InteractionTTL = 10 * time.Minute
