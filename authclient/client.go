package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ExpiryBuffer is the time before token expiry that a cached access token
// is treated as already expired, directly adapted from the teacher's
// TokenBroker.ExpiryBuffer (internal/mcpserver/auth/broker.go).
const ExpiryBuffer = 5 * time.Minute

// Config configures a Client for one OIDC-registered application.
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string // empty for public clients
	RedirectURI  string
	Scopes       []string
	Storage      TokenStorage
	HTTPClient   *http.Client
}

// Client is the client-side OIDC caller (C8).
type Client struct {
	cfg       Config
	discovery *discoveryCache
	storage   TokenStorage
	http      *http.Client
}

// New constructs a Client. Scopes defaults to "openid profile email" if
// unset.
func New(cfg Config) *Client {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"openid", "profile", "email"}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	storage := cfg.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	return &Client{
		cfg:       cfg,
		discovery: newDiscoveryCache(cfg.Issuer, httpClient),
		storage:   storage,
		http:      httpClient,
	}
}

// AuthorizationURL builds the /authorize redirect URL for a new login,
// persisting the PKCE verifier/nonce under the generated state so
// HandleCallback can complete the exchange.
func (c *Client) AuthorizationURL(ctx context.Context) (string, error) {
	d, err := c.discovery.get(ctx)
	if err != nil {
		return "", err
	}

	verifier := NewVerifier()
	state := NewState()
	nonce := NewNonce()

	if err := c.storage.SavePending(state, PendingAuthorization{
		Verifier:    verifier,
		Nonce:       nonce,
		RedirectURI: c.cfg.RedirectURI,
	}); err != nil {
		return "", err
	}

	u, err := url.Parse(d.AuthorizationEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("scope", strings.Join(c.cfg.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("code_challenge", ChallengeFor(verifier))
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandleCallback completes the authorization-code exchange for the query
// parameters delivered back to the redirect URI. It enforces state
// equality and surfaces OAuth error params as a typed *OAuthError (spec.md
// §4.8).
func (c *Client) HandleCallback(ctx context.Context, query url.Values) (TokenSet, error) {
	if errCode := query.Get("error"); errCode != "" {
		return TokenSet{}, &OAuthError{Code: errCode, Description: query.Get("error_description")}
	}

	state := query.Get("state")
	pending, ok, err := c.storage.LoadPending(state)
	if err != nil {
		return TokenSet{}, err
	}
	if !ok {
		return TokenSet{}, ErrStateMismatch
	}
	_ = c.storage.DeletePending(state)

	code := query.Get("code")
	tokens, err := c.exchangeCode(ctx, code, pending)
	if err != nil {
		return TokenSet{}, err
	}
	if err := c.storage.SaveTokens(c.cfg.ClientID, tokens); err != nil {
		return TokenSet{}, err
	}
	return tokens, nil
}

func (c *Client) exchangeCode(ctx context.Context, code string, pending PendingAuthorization) (TokenSet, error) {
	d, err := c.discovery.get(ctx)
	if err != nil {
		return TokenSet{}, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", pending.RedirectURI)
	form.Set("code_verifier", pending.Verifier)
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	return c.postToken(ctx, d.TokenEndpoint, form)
}

func (c *Client) postToken(ctx context.Context, endpoint string, form url.Values) (TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken  string `json:"access_token"`
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		Scope        string `json:"scope"`
		ExpiresIn    int    `json:"expires_in"`
		Error        string `json:"error"`
		ErrorDesc    string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenSet{}, fmt.Errorf("parse token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenSet{}, &OAuthError{Code: body.Error, Description: body.ErrorDesc}
	}

	return TokenSet{
		AccessToken:  body.AccessToken,
		IDToken:      body.IDToken,
		RefreshToken: body.RefreshToken,
		Scope:        body.Scope,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}

// GetToken returns a non-expired access token, refreshing it first if it's
// within ExpiryBuffer of expiry or already expired. An expired token never
// escapes the client (spec.md §4.8): if no refresh is possible, it returns
// an error rather than a stale token.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	tokens, ok, err := c.storage.LoadTokens(c.cfg.ClientID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("authclient: no cached token, authorization required")
	}

	if time.Until(tokens.ExpiresAt) > ExpiryBuffer {
		return tokens.AccessToken, nil
	}

	log.Debug().Str("client_id", c.cfg.ClientID).Time("expiresAt", tokens.ExpiresAt).Msg("authclient: access token expiring, refreshing")

	if tokens.RefreshToken == "" {
		return "", fmt.Errorf("authclient: token expired and no refresh token available")
	}
	refreshed, err := c.refresh(ctx, tokens.RefreshToken)
	if err != nil {
		return "", err
	}
	if err := c.storage.SaveTokens(c.cfg.ClientID, refreshed); err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (c *Client) refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	d, err := c.discovery.get(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	return c.postToken(ctx, d.TokenEndpoint, form)
}

// InvalidateToken drops the cached token set, e.g. on a 401 from the
// resource server — directly adapted from the teacher's
// TokenBroker.InvalidateToken.
func (c *Client) InvalidateToken() error {
	return c.storage.DeleteTokens(c.cfg.ClientID)
}

// Logout clears the cached token set and, if the provider advertises one,
// returns the end-session URL to redirect the user to.
func (c *Client) Logout(ctx context.Context, postLogoutRedirectURI string) (string, error) {
	_ = c.InvalidateToken()
	d, err := c.discovery.get(ctx)
	if err != nil || d.EndSessionEndpoint == "" {
		return "", err
	}
	u, err := url.Parse(d.EndSessionEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
