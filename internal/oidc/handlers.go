package oidc

import (
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kahveciderin/concave/internal/oidc/keys"
)

// Provider serves the OIDC endpoints (spec.md §4.7), composed from the
// stores, the signing key manager, and an Authenticator that bridges to
// the host application's own session/login UI.
type Provider struct {
	Issuer       string
	Stores       Stores
	Keys         *keys.Manager
	AccessTTL    time.Duration
	IDTokenTTL   time.Duration
	RefreshTTL   time.Duration
	Authenticate Authenticator
	ClaimsHook   func(ctx httpContext, user User, scope string) map[string]any
}

// httpContext is a local alias for *http.Request, the incoming request
// ClaimsHook receives.
type httpContext = *http.Request

// Authenticator resolves the caller's session to a user id, or reports
// that no session exists (spec.md §4.7 Authorize: "Authenticates the user
// via session cookie").
type Authenticator interface {
	CurrentUserID(r *http.Request) (userID string, ok bool)
	LoginURL(interactionID string) string
}

func oauthErr(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Routes mounts the six OIDC endpoints on a chi sub-router, in the same
// grouping style as the teacher's httpapi.Server.Routes.
func (p *Provider) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.Discovery)
	r.Get("/jwks", p.JWKS)
	r.Get("/authorize", p.Authorize)
	r.Post("/token", p.Token)
	r.Get("/userinfo", p.UserInfo)
	r.Post("/userinfo", p.UserInfo)
	r.Get("/logout", p.Logout)
	return r
}

// Discovery serves /.well-known/openid-configuration, advertising only
// what is implemented (spec.md §4.7).
func (p *Provider) Discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer,
		"authorization_endpoint":                p.Issuer + "/authorize",
		"token_endpoint":                        p.Issuer + "/token",
		"userinfo_endpoint":                     p.Issuer + "/userinfo",
		"jwks_uri":                              p.Issuer + "/jwks",
		"end_session_endpoint":                  p.Issuer + "/logout",
		"response_types_supported":              []string{"code", "code id_token"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{p.Keys.Alg()},
		"scopes_supported":                      []string{"openid", "profile", "email", "offline_access"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	})
}

// JWKS serves the provider's public keyset.
func (p *Provider) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, p.Keys.JWKS())
}

// Authorize implements spec.md §4.7's Authorize step.
func (p *Provider) Authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	responseType := q.Get("response_type")
	scope := q.Get("scope")
	state := q.Get("state")
	nonce := q.Get("nonce")
	challenge := q.Get("code_challenge")
	challengeMethod := q.Get("code_challenge_method")
	prompt := q.Get("prompt")

	client, err := p.Stores.Clients.GetClient(r.Context(), clientID)
	if err != nil {
		oauthErr(w, http.StatusBadRequest, "invalid_client", "unknown client")
		return
	}
	if !client.allowsRedirect(redirectURI) {
		oauthErr(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for client")
		return
	}
	if responseType != "code" && responseType != "code id_token" {
		redirectOAuthErr(w, r, redirectURI, state, "unsupported_response_type", "only code and code id_token are supported")
		return
	}
	if client.requiresPKCE() && challenge == "" {
		redirectOAuthErr(w, r, redirectURI, state, "invalid_request", "code_challenge is required for this client")
		return
	}
	if challenge != "" && challengeMethod != "S256" {
		redirectOAuthErr(w, r, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}

	userID, authenticated := p.Authenticate.CurrentUserID(r)
	if !authenticated {
		if prompt == "none" {
			redirectOAuthErr(w, r, redirectURI, state, "login_required", "no active session")
			return
		}
		it := Interaction{
			ID:                  uuid.NewString(),
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			Scope:               scope,
			State:               state,
			Nonce:               nonce,
			CodeChallenge:       challenge,
			CodeChallengeMethod: challengeMethod,
			ExpiresAt:           time.Now().Add(InteractionTTL),
		}
		if err := p.Stores.Interactions.SaveInteraction(r.Context(), it); err != nil {
			oauthErr(w, http.StatusInternalServerError, "server_error", "failed to start interaction")
			return
		}
		http.Redirect(w, r, p.Authenticate.LoginURL(it.ID), http.StatusFound)
		return
	}

	requestedScopes := strings.Fields(scope)
	consent, hasConsent, _ := p.Stores.Consents.GetConsent(r.Context(), userID, clientID)
	if prompt == "consent" || !hasConsent || !consent.covers(requestedScopes) {
		it := Interaction{
			ID:                  uuid.NewString(),
			ClientID:            clientID,
			RedirectURI:         redirectURI,
			Scope:               scope,
			State:               state,
			Nonce:               nonce,
			CodeChallenge:       challenge,
			CodeChallengeMethod: challengeMethod,
			ExpiresAt:           time.Now().Add(InteractionTTL),
		}
		_ = p.Stores.Interactions.SaveInteraction(r.Context(), it)
		http.Redirect(w, r, p.Authenticate.LoginURL(it.ID), http.StatusFound)
		return
	}

	p.issueCodeAndRedirect(w, r, userID, clientID, redirectURI, scope, state, nonce, challenge, challengeMethod)
}

func (p *Provider) issueCodeAndRedirect(w http.ResponseWriter, r *http.Request, userID, clientID, redirectURI, scope, state, nonce, challenge, method string) {
	code := randToken(32)
	ac := AuthorizationCode{
		Code:                code,
		ClientID:            clientID,
		UserID:              userID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Nonce:               nonce,
		ExpiresAt:           time.Now().Add(time.Minute),
	}
	if err := p.Stores.Codes.SaveCode(r.Context(), ac); err != nil {
		oauthErr(w, http.StatusInternalServerError, "server_error", "failed to issue code")
		return
	}
	u, _ := url.Parse(redirectURI)
	vals := u.Query()
	vals.Set("code", code)
	if state != "" {
		vals.Set("state", state)
	}
	u.RawQuery = vals.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func redirectOAuthErr(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	u, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		oauthErr(w, http.StatusBadRequest, code, desc)
		return
	}
	vals := u.Query()
	vals.Set("error", code)
	vals.Set("error_description", desc)
	if state != "" {
		vals.Set("state", state)
	}
	u.RawQuery = vals.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// CompleteInteraction is called by the host application once the user has
// logged in (and, if needed, granted consent) for a pending interaction
// id — it re-enters the authorize flow to issue the code.
func (p *Provider) CompleteInteraction(w http.ResponseWriter, r *http.Request, interactionID, userID string, grantedScopes []string) {
	it, ok, err := p.Stores.Interactions.GetInteraction(r.Context(), interactionID)
	if err != nil || !ok {
		oauthErr(w, http.StatusBadRequest, "invalid_request", "interaction expired or unknown")
		return
	}
	_ = p.Stores.Interactions.DeleteInteraction(r.Context(), interactionID)
	_ = p.Stores.Consents.SaveConsent(r.Context(), Consent{UserID: userID, ClientID: it.ClientID, Scopes: grantedScopes})
	p.issueCodeAndRedirect(w, r, userID, it.ClientID, it.RedirectURI, it.Scope, it.State, it.Nonce, it.CodeChallenge, it.CodeChallengeMethod)
}

// Token implements spec.md §4.7's Token step.
func (p *Provider) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthErr(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}
	grantType := r.PostForm.Get("grant_type")
	clientID, clientSecret := clientCredentials(r)

	client, err := p.Stores.Clients.GetClient(r.Context(), clientID)
	if err != nil {
		oauthErr(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if client.Secret != "" && client.Secret != clientSecret {
		oauthErr(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	switch grantType {
	case "authorization_code":
		p.tokenFromCode(w, r, client)
	case "refresh_token":
		p.tokenFromRefresh(w, r, client)
	default:
		oauthErr(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
	}
}

func clientCredentials(r *http.Request) (id, secret string) {
	if u, p, ok := r.BasicAuth(); ok {
		return u, p
	}
	return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
}

func (p *Provider) tokenFromCode(w http.ResponseWriter, r *http.Request, client Client) {
	code := r.PostForm.Get("code")
	redirectURI := r.PostForm.Get("redirect_uri")
	verifier := r.PostForm.Get("code_verifier")

	ac, found, err := p.Stores.Codes.TakeCode(r.Context(), code)
	if err != nil {
		oauthErr(w, http.StatusInternalServerError, "server_error", "failed to consume code")
		return
	}
	if !found {
		oauthErr(w, http.StatusBadRequest, "invalid_grant", "unknown or already-used code")
		return
	}
	if ac.ClientID != client.ID || ac.RedirectURI != redirectURI {
		oauthErr(w, http.StatusBadRequest, "invalid_grant", "client or redirect_uri mismatch")
		return
	}
	if ac.expired(time.Now()) {
		oauthErr(w, http.StatusBadRequest, "invalid_grant", "code expired")
		return
	}
	if ac.CodeChallenge != "" {
		if !verifyPKCE(verifier, ac.CodeChallenge) {
			oauthErr(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
	}

	p.issueTokens(w, r, client, ac.UserID, ac.Scope, ac.Nonce)
}

func (p *Provider) tokenFromRefresh(w http.ResponseWriter, r *http.Request, client Client) {
	token := r.PostForm.Get("refresh_token")
	rt, found, err := p.Stores.Refresh.GetRefreshToken(r.Context(), token)
	if err != nil {
		oauthErr(w, http.StatusInternalServerError, "server_error", "failed to look up refresh token")
		return
	}
	if !found || rt.ClientID != client.ID {
		oauthErr(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}
	if rt.expired(time.Now()) {
		oauthErr(w, http.StatusBadRequest, "invalid_grant", "refresh token expired")
		return
	}

	scope := rt.Scope
	if requested := r.PostForm.Get("scope"); requested != "" {
		scope = narrowScope(rt.Scope, requested)
	}

	// Rotate by default: the old refresh token is retired before a new one
	// is issued, so a stolen-and-replayed token can't be used twice.
	_ = p.Stores.Refresh.DeleteRefreshToken(r.Context(), token)
	p.issueTokens(w, r, client, rt.UserID, scope, "")
}

func narrowScope(original, requested string) string {
	origSet := make(map[string]bool)
	for _, s := range strings.Fields(original) {
		origSet[s] = true
	}
	var kept []string
	for _, s := range strings.Fields(requested) {
		if origSet[s] {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, " ")
}

func (p *Provider) issueTokens(w http.ResponseWriter, r *http.Request, client Client, userID, scope, nonce string) {
	now := time.Now()
	accessTTL := p.AccessTTL
	if accessTTL == 0 {
		accessTTL = time.Hour
	}

	kid, priv := p.Keys.Sign()
	accessClaims := jwt.MapClaims{
		"iss":   p.Issuer,
		"sub":   userID,
		"aud":   client.ID,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(accessTTL).Unix(),
	}
	accessToken, err := signJWT(kid, priv, p.Keys.Alg(), accessClaims)
	if err != nil {
		oauthErr(w, http.StatusInternalServerError, "server_error", "failed to sign access token")
		return
	}

	resp := map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   int(accessTTL.Seconds()),
		"scope":        scope,
	}

	scopes := strings.Fields(scope)
	if contains(scopes, "openid") {
		user, err := p.Stores.Users.GetUser(r.Context(), userID)
		if err == nil {
			idTTL := p.IDTokenTTL
			if idTTL == 0 {
				idTTL = accessTTL
			}
			idClaims := jwt.MapClaims{
				"iss": p.Issuer,
				"sub": user.ID,
				"aud": client.ID,
				"iat": now.Unix(),
				"exp": now.Add(idTTL).Unix(),
			}
			if nonce != "" {
				idClaims["nonce"] = nonce
			}
			for k, v := range userInfoClaims(user, scope, nil) {
				idClaims[k] = v
			}
			idToken, err := signJWT(kid, priv, p.Keys.Alg(), idClaims)
			if err == nil {
				resp["id_token"] = idToken
			}
		}
	}

	if contains(scopes, "offline_access") {
		refreshTTL := p.RefreshTTL
		if refreshTTL == 0 {
			refreshTTL = 30 * 24 * time.Hour
		}
		rt := RefreshToken{Token: randToken(32), ClientID: client.ID, UserID: userID, Scope: scope, ExpiresAt: now.Add(refreshTTL)}
		if err := p.Stores.Refresh.SaveRefreshToken(r.Context(), rt); err == nil {
			resp["refresh_token"] = rt.Token
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func signJWT(kid string, priv any, alg string, claims jwt.MapClaims) (string, error) {
	var method jwt.SigningMethod
	switch alg {
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		method = jwt.SigningMethodRS256
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	return token.SignedString(priv)
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// UserInfo implements spec.md §4.7's UserInfo step.
func (p *Provider) UserInfo(w http.ResponseWriter, r *http.Request) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		oauthErr(w, http.StatusUnauthorized, "invalid_token", "missing bearer token")
		return
	}
	raw := strings.TrimPrefix(authz, "Bearer ")
	claims, err := p.verifyToken(raw)
	if err != nil {
		log.Warn().Err(err).Msg("oidc: userinfo token verification failed")
		oauthErr(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	sub, _ := claims["sub"].(string)
	scope, _ := claims["scope"].(string)
	user, err := p.Stores.Users.GetUser(r.Context(), sub)
	if err != nil {
		oauthErr(w, http.StatusNotFound, "invalid_token", "subject not found")
		return
	}
	var hook map[string]any
	if p.ClaimsHook != nil {
		hook = p.ClaimsHook(r, user, scope)
	}
	writeJSON(w, http.StatusOK, userInfoClaims(user, scope, hook))
}

func userInfoClaims(user User, scope string, extra map[string]any) map[string]any {
	claims := map[string]any{"sub": user.ID}
	scopes := strings.Fields(scope)
	if contains(scopes, "email") {
		claims["email"] = user.Email
		claims["email_verified"] = user.Verified
	}
	if contains(scopes, "profile") {
		for k, v := range user.Profile {
			claims[k] = v
		}
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

// verifyToken validates a token this provider issued, trying the
// kid-indicated key first and falling back to the current key to cover
// rotation races (spec.md §4.7).
func (p *Provider) verifyToken(raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			if pub, err := p.Keys.PublicKeyFor(kid); err == nil {
				return pub, nil
			}
		}
		_, priv := p.Keys.Sign()
		if signer, ok := priv.(crypto.Signer); ok {
			return signer.Public(), nil
		}
		return nil, ErrTokenVerification
	})
	if err != nil {
		return nil, ErrTokenVerification
	}
	return claims, nil
}

var ErrTokenVerification = errTokenVerification{}

type errTokenVerification struct{}

func (errTokenVerification) Error() string { return "no matching key/algorithm found for token" }

// Logout implements spec.md §4.7's Logout step.
func (p *Provider) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := p.Authenticate.CurrentUserID(r)
	if ok {
		_ = p.Stores.Refresh.DeleteRefreshTokensForUser(r.Context(), userID)
	}
	http.SetCookie(w, &http.Cookie{Name: "session", Value: "", Path: "/", MaxAge: -1})

	redirectURI := r.URL.Query().Get("post_logout_redirect_uri")
	clientID := r.URL.Query().Get("client_id")
	if redirectURI == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
		return
	}
	client, err := p.Stores.Clients.GetClient(r.Context(), clientID)
	if err != nil || !client.allowsPostLogoutRedirect(redirectURI) {
		oauthErr(w, http.StatusBadRequest, "invalid_request", "post_logout_redirect_uri not registered")
		return
	}
	http.Redirect(w, r, redirectURI, http.StatusFound)
}

func randToken(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
