package authclient

import (
	"sync"
	"time"
)

// TokenSet is the bundle of tokens a successful token exchange returns.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
}

// TokenStorage is the pluggable persistence seam for TokenSets and the
// in-flight PKCE challenge (spec.md §4.8: "kept in a pluggable storage").
type TokenStorage interface {
	SaveTokens(key string, tokens TokenSet) error
	LoadTokens(key string) (TokenSet, bool, error)
	DeleteTokens(key string) error

	SavePending(state string, p PendingAuthorization) error
	LoadPending(state string) (PendingAuthorization, bool, error)
	DeletePending(state string) error
}

// PendingAuthorization is the state a client must remember between
// redirecting to /authorize and handling the callback.
type PendingAuthorization struct {
	Verifier    string
	Nonce       string
	RedirectURI string
}

// MemoryStorage is an in-process TokenStorage, the default when no
// persistent store is wired.
type MemoryStorage struct {
	mu      sync.Mutex
	tokens  map[string]TokenSet
	pending map[string]PendingAuthorization
}

// NewMemoryStorage constructs an empty in-memory TokenStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tokens: map[string]TokenSet{}, pending: map[string]PendingAuthorization{}}
}

func (m *MemoryStorage) SaveTokens(key string, tokens TokenSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[key] = tokens
	return nil
}

func (m *MemoryStorage) LoadTokens(key string) (TokenSet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[key]
	return t, ok, nil
}

func (m *MemoryStorage) DeleteTokens(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, key)
	return nil
}

func (m *MemoryStorage) SavePending(state string, p PendingAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[state] = p
	return nil
}

func (m *MemoryStorage) LoadPending(state string) (PendingAuthorization, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[state]
	return p, ok, nil
}

func (m *MemoryStorage) DeletePending(state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, state)
	return nil
}
