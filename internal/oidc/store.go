package oidc

import "context"

// ClientStore resolves registered OAuth clients.
type ClientStore interface {
	GetClient(ctx context.Context, id string) (Client, error)
}

// UserStore resolves end-user identities.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
}

// CodeStore issues and consumes single-use authorization codes.
type CodeStore interface {
	SaveCode(ctx context.Context, code AuthorizationCode) error
	// TakeCode deletes the code unconditionally (replay prevention holds
	// even when the subsequent validation fails) and returns what was
	// stored, if anything.
	TakeCode(ctx context.Context, code string) (AuthorizationCode, bool, error)
}

// RefreshTokenStore issues, looks up, rotates, and revokes refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (RefreshToken, bool, error)
	DeleteRefreshToken(ctx context.Context, token string) error
	DeleteRefreshTokensForUser(ctx context.Context, userID string) error
}

// ConsentStore records and checks per-user, per-client scope grants.
type ConsentStore interface {
	GetConsent(ctx context.Context, userID, clientID string) (Consent, bool, error)
	SaveConsent(ctx context.Context, c Consent) error
}

// InteractionStore holds ephemeral login/consent round-trip state.
type InteractionStore interface {
	SaveInteraction(ctx context.Context, it Interaction) error
	GetInteraction(ctx context.Context, id string) (Interaction, bool, error)
	DeleteInteraction(ctx context.Context, id string) error
}

// Stores bundles every store the provider depends on, all backed by the
// same *pgxpool.Pool the resource API uses.
type Stores struct {
	Clients      ClientStore
	Users        UserStore
	Codes        CodeStore
	Refresh      RefreshTokenStore
	Consents     ConsentStore
	Interactions InteractionStore
}
