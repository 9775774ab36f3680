package authclient

import "fmt"

// OAuthError is a typed surfacing of an OAuth error query parameter pair,
// e.g. access_denied returned on the authorization callback (spec.md
// §4.8).
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// IsAccessDenied reports whether the user (or an upstream IdP) declined
// the authorization request.
func (e *OAuthError) IsAccessDenied() bool { return e.Code == "access_denied" }

// ErrStateMismatch is returned by HandleCallback when the returned state
// doesn't match the one this client generated for the request.
var ErrStateMismatch = fmt.Errorf("authclient: state mismatch")
