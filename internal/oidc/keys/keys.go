// Package keys manages the OIDC provider's signing key material: RSA/EC
// keypair generation, kid-based rotation, and JWKS publication via
// go-jose (spec.md §4.7). Issuance of the keyset itself is go-jose's job;
// signing/parsing access and ID tokens stays on the teacher's existing
// golang-jwt/jwt/v5 dependency (internal/auth/jwt.go).
package keys

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Alg names the supported signing algorithms.
type Alg string

const (
	RS256 Alg = "RS256"
	ES256 Alg = "ES256"
)

// keyPair is one generation's signing material.
type keyPair struct {
	kid     string
	alg     Alg
	private any
	public  any
	created time.Time
}

// Manager holds the active key plus enough history to verify tokens signed
// by the key it just rotated out of (spec.md §4.7: "retains at least the
// active and previous key").
type Manager struct {
	mu      sync.RWMutex
	alg     Alg
	bits    int
	curve   elliptic.Curve
	active  *keyPair
	history []*keyPair // most recent first; active is history[0]
	keep    int
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithRSA configures RSA key generation at the given modulus size
// (2048 or 3072, per spec.md §4.7).
func WithRSA(bits int) Option {
	return func(m *Manager) {
		m.alg = RS256
		m.bits = bits
	}
}

// WithEC configures EC key generation over the given curve
// (P-256/384/521, per spec.md §4.7).
func WithEC(curve elliptic.Curve) Option {
	return func(m *Manager) {
		m.alg = ES256
		m.curve = curve
	}
}

// WithKeptGenerations bounds how many past keys remain verifiable. Default 2
// (active + previous).
func WithKeptGenerations(n int) Option {
	return func(m *Manager) { m.keep = n }
}

// New constructs a Manager and generates its first keypair.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{alg: RS256, bits: 2048, keep: 2}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.rotate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) generate() (*keyPair, error) {
	kid := uuid.NewString()
	switch m.alg {
	case RS256:
		priv, err := rsa.GenerateKey(rand.Reader, m.bits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		return &keyPair{kid: kid, alg: RS256, private: priv, public: &priv.PublicKey, created: time.Now()}, nil
	case ES256:
		curve := m.curve
		if curve == nil {
			curve = elliptic.P256()
		}
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ec key: %w", err)
		}
		return &keyPair{kid: kid, alg: ES256, private: priv, public: &priv.PublicKey, created: time.Now()}, nil
	default:
		return nil, fmt.Errorf("unsupported alg %q", m.alg)
	}
}

// Rotate generates a new active key, pushing the previous active key into
// history (trimmed to the configured retention).
func (m *Manager) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

func (m *Manager) rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateLocked()
}

func (m *Manager) rotateLocked() error {
	kp, err := m.generate()
	if err != nil {
		return err
	}
	m.active = kp
	m.history = append([]*keyPair{kp}, m.history...)
	if len(m.history) > m.keep {
		m.history = m.history[:m.keep]
	}
	log.Info().Str("kid", kp.kid).Str("alg", string(kp.alg)).Msg("oidc: rotated signing key")
	return nil
}

// ActiveKID returns the current signing key's kid.
func (m *Manager) ActiveKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.kid
}

// Alg returns the signing algorithm name for the active key (e.g. "RS256").
func (m *Manager) Alg() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return string(m.active.alg)
}

// Sign returns the active private key, for use as the jwt.Token signing
// key, plus its kid for the token header.
func (m *Manager) Sign() (kid string, private any) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.kid, m.active.private
}

var ErrKeyNotFound = errors.New("keys: kid not found")

// PublicKeyFor returns the public key for kid — tried first among history,
// per spec.md §4.7's "try the kid-indicated key first and fall back to
// current (to cover rotation races)".
func (m *Manager) PublicKeyFor(kid string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, kp := range m.history {
		if kp.kid == kid {
			return kp.public, nil
		}
	}
	if m.active != nil {
		return m.active.public, nil
	}
	return nil, ErrKeyNotFound
}

// JWKS renders the current keyset (active + retained history) as a public
// JSON Web Key Set, using go-jose's modeling of the JWKS wire format
// directly instead of hand-encoding modulus/exponent the way the teacher's
// jwt.go does for a third party's keys.
func (m *Manager) JWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := jose.JSONWebKeySet{}
	for _, kp := range m.history {
		var alg string
		switch kp.alg {
		case RS256:
			alg = "RS256"
		case ES256:
			alg = "ES256"
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       kp.public,
			KeyID:     kp.kid,
			Algorithm: alg,
			Use:       "sig",
		})
	}
	return set
}

// MarshalPKCS8 exports a private key as PKCS8 DER, useful for operators
// wiring a persistent key store instead of the in-memory default.
func MarshalPKCS8(key any) ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(key)
}
