package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kahveciderin/concave/internal/oidc/keys"
)

func TestVerifyPKCE(t *testing.T) {
	verifier := "a-very-long-random-verifier-string-1234567890"
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	if !verifyPKCE(verifier, challenge) {
		t.Fatal("expected matching verifier/challenge to pass")
	}
	if verifyPKCE("wrong-verifier", challenge) {
		t.Fatal("mismatched verifier should fail")
	}
	if verifyPKCE("", challenge) || verifyPKCE(verifier, "") {
		t.Fatal("empty verifier or challenge should fail")
	}
}

func TestConsentCovers(t *testing.T) {
	c := Consent{Scopes: []string{"openid", "profile"}}
	if !c.covers([]string{"openid"}) {
		t.Fatal("expected subset scope to be covered")
	}
	if c.covers([]string{"openid", "offline_access"}) {
		t.Fatal("expected uncovered scope to fail")
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	ac := AuthorizationCode{ExpiresAt: time.Now().Add(-time.Second)}
	if !ac.expired(time.Now()) {
		t.Fatal("expected past expiry to be expired")
	}
}

func TestNarrowScope(t *testing.T) {
	got := narrowScope("openid profile offline_access", "openid admin")
	if got != "openid" {
		t.Fatalf("narrowScope should drop scopes outside the original grant, got %q", got)
	}
}

func TestClientRequiresPKCEForPublicClients(t *testing.T) {
	public := Client{PKCEPolicy: "required"}
	if !public.requiresPKCE() {
		t.Fatal("public client should require PKCE")
	}
	confidential := Client{Secret: "shh", PKCEPolicy: "required"}
	if confidential.requiresPKCE() {
		t.Fatal("confidential client (has secret) should not require PKCE")
	}
}

// memStores is a minimal in-memory Stores implementation standing in for
// pgstore.go's Postgres-backed stores, just enough to drive Provider over
// real HTTP in these tests.
type memStores struct {
	clients      map[string]Client
	users        map[string]User
	codes        map[string]AuthorizationCode
	refresh      map[string]RefreshToken
	consents     map[string]Consent
	interactions map[string]Interaction
}

func newMemStores() *memStores {
	return &memStores{
		clients:      make(map[string]Client),
		users:        make(map[string]User),
		codes:        make(map[string]AuthorizationCode),
		refresh:      make(map[string]RefreshToken),
		consents:     make(map[string]Consent),
		interactions: make(map[string]Interaction),
	}
}

var errMemStoreNotFound = errors.New("oidc: not found")

func (s *memStores) GetClient(ctx context.Context, id string) (Client, error) {
	c, ok := s.clients[id]
	if !ok {
		return Client{}, errMemStoreNotFound
	}
	return c, nil
}

func (s *memStores) GetUser(ctx context.Context, id string) (User, error) {
	u, ok := s.users[id]
	if !ok {
		return User{}, errMemStoreNotFound
	}
	return u, nil
}

func (s *memStores) SaveCode(ctx context.Context, code AuthorizationCode) error {
	s.codes[code.Code] = code
	return nil
}

// TakeCode deletes unconditionally, mirroring pgstore.go's DELETE ...
// RETURNING semantics: the code is gone after the first lookup whether or
// not it was found.
func (s *memStores) TakeCode(ctx context.Context, code string) (AuthorizationCode, bool, error) {
	ac, ok := s.codes[code]
	delete(s.codes, code)
	return ac, ok, nil
}

func (s *memStores) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	s.refresh[t.Token] = t
	return nil
}

func (s *memStores) GetRefreshToken(ctx context.Context, token string) (RefreshToken, bool, error) {
	t, ok := s.refresh[token]
	return t, ok, nil
}

func (s *memStores) DeleteRefreshToken(ctx context.Context, token string) error {
	delete(s.refresh, token)
	return nil
}

func (s *memStores) DeleteRefreshTokensForUser(ctx context.Context, userID string) error {
	for tok, rt := range s.refresh {
		if rt.UserID == userID {
			delete(s.refresh, tok)
		}
	}
	return nil
}

func (s *memStores) GetConsent(ctx context.Context, userID, clientID string) (Consent, bool, error) {
	c, ok := s.consents[userID+"|"+clientID]
	return c, ok, nil
}

func (s *memStores) SaveConsent(ctx context.Context, c Consent) error {
	s.consents[c.UserID+"|"+c.ClientID] = c
	return nil
}

func (s *memStores) SaveInteraction(ctx context.Context, it Interaction) error {
	s.interactions[it.ID] = it
	return nil
}

func (s *memStores) GetInteraction(ctx context.Context, id string) (Interaction, bool, error) {
	it, ok := s.interactions[id]
	return it, ok, nil
}

func (s *memStores) DeleteInteraction(ctx context.Context, id string) error {
	delete(s.interactions, id)
	return nil
}

// noopAuthenticator never has an active session; these tests drive /token
// directly with a pre-seeded code rather than the interactive /authorize
// login round trip.
type noopAuthenticator struct{}

func (noopAuthenticator) CurrentUserID(r *http.Request) (string, bool) { return "", false }
func (noopAuthenticator) LoginURL(interactionID string) string        { return "/login?i=" + interactionID }

func newTestProvider(t *testing.T, stores *memStores) *Provider {
	t.Helper()
	km, err := keys.New(keys.WithRSA(2048))
	if err != nil {
		t.Fatalf("failed to build signing key manager: %v", err)
	}
	return &Provider{
		Issuer: "https://issuer.example",
		Stores: Stores{
			Clients:      stores,
			Users:        stores,
			Codes:        stores,
			Refresh:      stores,
			Consents:     stores,
			Interactions: stores,
		},
		Keys:         km,
		AccessTTL:    time.Hour,
		Authenticate: noopAuthenticator{},
	}
}

func tokenErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return body["error"]
}

// TestTokenReplayOfConsumedCodeFailsWithInvalidGrant is the client- and
// server-facing half of I7/S5: a code used once to mint tokens cannot be
// redeemed a second time.
func TestTokenReplayOfConsumedCodeFailsWithInvalidGrant(t *testing.T) {
	stores := newMemStores()
	stores.clients["test-client"] = Client{ID: "test-client", RedirectURIs: []string{"https://app.example/cb"}, PKCEPolicy: "none"}
	stores.users["user-1"] = User{ID: "user-1", Email: "u@example.com"}

	code := AuthorizationCode{
		Code:        "a-single-use-code",
		ClientID:    "test-client",
		UserID:      "user-1",
		RedirectURI: "https://app.example/cb",
		Scope:       "openid",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := stores.SaveCode(context.Background(), code); err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}

	srv := httptest.NewServer(newTestProvider(t, stores).Routes())
	defer srv.Close()

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code.Code},
		"redirect_uri": {code.RedirectURI},
		"client_id":    {code.ClientID},
	}

	first, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("first token request failed: %v", err)
	}
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("expected first use to succeed, got %d", first.StatusCode)
	}

	second, err := http.PostForm(srv.URL+"/token", form)
	if err != nil {
		t.Fatalf("second token request failed: %v", err)
	}
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected replay to fail with 400, got %d", second.StatusCode)
	}
	if got := tokenErrorCode(t, second); got != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %q", got)
	}
}

// TestTokenCodeConsumedEvenWhenPostDeletionValidationFails covers I7's
// sharper case: the first use of a code fails validation (wrong
// redirect_uri) *after* TakeCode has already deleted it, and a second,
// otherwise-valid attempt with the same code must still be rejected.
func TestTokenCodeConsumedEvenWhenPostDeletionValidationFails(t *testing.T) {
	stores := newMemStores()
	stores.clients["test-client"] = Client{ID: "test-client", RedirectURIs: []string{"https://app.example/cb"}, PKCEPolicy: "none"}
	stores.users["user-1"] = User{ID: "user-1"}

	code := AuthorizationCode{
		Code:        "mismatched-redirect-code",
		ClientID:    "test-client",
		UserID:      "user-1",
		RedirectURI: "https://app.example/cb",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	if err := stores.SaveCode(context.Background(), code); err != nil {
		t.Fatalf("failed to seed code: %v", err)
	}

	srv := httptest.NewServer(newTestProvider(t, stores).Routes())
	defer srv.Close()

	wrongRedirect := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code.Code},
		"redirect_uri": {"https://attacker.example/cb"},
		"client_id":    {code.ClientID},
	}
	first, err := http.PostForm(srv.URL+"/token", wrongRedirect)
	if err != nil {
		t.Fatalf("first token request failed: %v", err)
	}
	if first.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected mismatched redirect_uri to fail, got %d", first.StatusCode)
	}
	if got := tokenErrorCode(t, first); got != "invalid_grant" {
		t.Fatalf("expected invalid_grant on first (bad) attempt, got %q", got)
	}

	correctRedirect := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code.Code},
		"redirect_uri": {code.RedirectURI},
		"client_id":    {code.ClientID},
	}
	second, err := http.PostForm(srv.URL+"/token", correctRedirect)
	if err != nil {
		t.Fatalf("second token request failed: %v", err)
	}
	if second.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected the code consumed by the earlier failed attempt to still be rejected, got %d", second.StatusCode)
	}
	if got := tokenErrorCode(t, second); got != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %q", got)
	}
}
