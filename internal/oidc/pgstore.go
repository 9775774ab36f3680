package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStores implements Stores against the teacher's shared *pgxpool.Pool
// (internal/db.Open), following the same raw-SQL-over-pgx style as
// internal/httpapi's existing data access rather than introducing an ORM.
type PGStores struct {
	pool *pgxpool.Pool
}

// NewPGStores wraps pool for OIDC persistence. Callers are expected to have
// already run the migration that creates the oidc_* tables.
func NewPGStores(pool *pgxpool.Pool) *PGStores {
	return &PGStores{pool: pool}
}

func (s *PGStores) GetClient(ctx context.Context, id string) (Client, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, secret, redirect_uris, grant_types, response_types, pkce_policy, scopes, post_logout_uris
		FROM oidc_clients WHERE id = $1`, id)
	var c Client
	if err := row.Scan(&c.ID, &c.Secret, &c.RedirectURIs, &c.GrantTypes, &c.ResponseTypes, &c.PKCEPolicy, &c.Scopes, &c.PostLogoutURIs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, err
	}
	return c, nil
}

func (s *PGStores) GetUser(ctx context.Context, id string) (User, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, email, verified, profile FROM oidc_users WHERE id = $1`, id)
	var u User
	var profile []byte
	if err := row.Scan(&u.ID, &u.Email, &u.Verified, &profile); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	if len(profile) > 0 {
		_ = json.Unmarshal(profile, &u.Profile)
	}
	return u, nil
}

func (s *PGStores) SaveCode(ctx context.Context, c AuthorizationCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oidc_auth_codes (code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.Code, c.ClientID, c.UserID, c.RedirectURI, c.Scope, c.CodeChallenge, c.CodeChallengeMethod, c.Nonce, c.ExpiresAt)
	return err
}

// TakeCode deletes the code row unconditionally before reporting whether it
// existed, so a second use of the same code can never succeed even if the
// caller's subsequent validation fails (spec.md §3 invariant).
func (s *PGStores) TakeCode(ctx context.Context, code string) (AuthorizationCode, bool, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM oidc_auth_codes WHERE code = $1
		RETURNING code, client_id, user_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, expires_at`, code)
	var c AuthorizationCode
	if err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuthorizationCode{}, false, nil
		}
		return AuthorizationCode{}, false, err
	}
	return c, true, nil
}

func (s *PGStores) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oidc_refresh_tokens (token, client_id, user_id, scope, expires_at)
		VALUES ($1,$2,$3,$4,$5)`, t.Token, t.ClientID, t.UserID, t.Scope, t.ExpiresAt)
	return err
}

func (s *PGStores) GetRefreshToken(ctx context.Context, token string) (RefreshToken, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token, client_id, user_id, scope, expires_at FROM oidc_refresh_tokens WHERE token = $1`, token)
	var t RefreshToken
	if err := row.Scan(&t.Token, &t.ClientID, &t.UserID, &t.Scope, &t.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RefreshToken{}, false, nil
		}
		return RefreshToken{}, false, err
	}
	return t, true, nil
}

func (s *PGStores) DeleteRefreshToken(ctx context.Context, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oidc_refresh_tokens WHERE token = $1`, token)
	return err
}

func (s *PGStores) DeleteRefreshTokensForUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oidc_refresh_tokens WHERE user_id = $1`, userID)
	return err
}

func (s *PGStores) GetConsent(ctx context.Context, userID, clientID string) (Consent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, client_id, scopes, expires_at FROM oidc_consents WHERE user_id = $1 AND client_id = $2`, userID, clientID)
	var c Consent
	if err := row.Scan(&c.UserID, &c.ClientID, &c.Scopes, &c.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Consent{}, false, nil
		}
		return Consent{}, false, err
	}
	if c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt) {
		return Consent{}, false, nil
	}
	return c, true, nil
}

func (s *PGStores) SaveConsent(ctx context.Context, c Consent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oidc_consents (user_id, client_id, scopes, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (user_id, client_id) DO UPDATE SET scopes = EXCLUDED.scopes, expires_at = EXCLUDED.expires_at`,
		c.UserID, c.ClientID, c.Scopes, c.ExpiresAt)
	return err
}

func (s *PGStores) SaveInteraction(ctx context.Context, it Interaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oidc_interactions (id, client_id, redirect_uri, scope, state, nonce, code_challenge, code_challenge_method, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		it.ID, it.ClientID, it.RedirectURI, it.Scope, it.State, it.Nonce, it.CodeChallenge, it.CodeChallengeMethod, it.ExpiresAt)
	return err
}

func (s *PGStores) GetInteraction(ctx context.Context, id string) (Interaction, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, redirect_uri, scope, state, nonce, code_challenge, code_challenge_method, expires_at
		FROM oidc_interactions WHERE id = $1`, id)
	var it Interaction
	if err := row.Scan(&it.ID, &it.ClientID, &it.RedirectURI, &it.Scope, &it.State, &it.Nonce, &it.CodeChallenge, &it.CodeChallengeMethod, &it.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Interaction{}, false, nil
		}
		return Interaction{}, false, err
	}
	if time.Now().After(it.ExpiresAt) {
		return Interaction{}, false, nil
	}
	return it, true, nil
}

func (s *PGStores) DeleteInteraction(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oidc_interactions WHERE id = $1`, id)
	return err
}

var ErrNotFound = errors.New("oidc: not found")
