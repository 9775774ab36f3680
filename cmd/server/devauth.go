package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/kahveciderin/concave/internal/oidc"
)

func randSessionToken() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// devAuthenticator is a minimal session bridge satisfying oidc.Authenticator
// for this standalone server: it serves a bare login form instead of a full
// host application, the way the teacher's DevMode/X-Debug-Sub header stands
// in for a real IdP during local development (internal/auth/jwt.go).
type devAuthenticator struct {
	provider *oidc.Provider
	stores   *oidc.PGStores

	mu       sync.Mutex
	sessions map[string]string // cookie value -> user id
}

func newDevAuthenticator(stores *oidc.PGStores) *devAuthenticator {
	return &devAuthenticator{stores: stores, sessions: make(map[string]string)}
}

func (a *devAuthenticator) CurrentUserID(r *http.Request) (string, bool) {
	c, err := r.Cookie("session")
	if err != nil {
		return "", false
	}
	a.mu.Lock()
	uid, ok := a.sessions[c.Value]
	a.mu.Unlock()
	return uid, ok
}

func (a *devAuthenticator) LoginURL(interactionID string) string {
	return "/login?interaction_id=" + interactionID
}

// Routes serves the interaction-completion form: GET renders it, POST
// resolves the submitted user id against the user store, starts a
// session, and re-enters the authorize flow via CompleteInteraction.
func (a *devAuthenticator) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", a.showForm)
	r.Post("/", a.submitForm)
	return r
}

func (a *devAuthenticator) showForm(w http.ResponseWriter, r *http.Request) {
	interactionID := r.URL.Query().Get("interaction_id")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html><form method="post" action="/login?interaction_id=%s">
<label>User ID <input name="user_id"></label>
<button type="submit">Continue</button>
</form>`, interactionID)
}

func (a *devAuthenticator) submitForm(w http.ResponseWriter, r *http.Request) {
	interactionID := r.URL.Query().Get("interaction_id")
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(r.Form.Get("user_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if _, err := a.stores.GetUser(r.Context(), userID); err != nil {
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}

	session := randSessionToken()
	a.mu.Lock()
	a.sessions[session] = userID
	a.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "session", Value: session, Path: "/", HttpOnly: true})

	a.provider.CompleteInteraction(w, r, interactionID, userID, nil)
}
