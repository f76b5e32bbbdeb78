package auth

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCredentialNotFound indicates no credential is stored for the key.
	ErrCredentialNotFound = errors.New("auth: credential not found")
	// ErrReauthRequired indicates the credential cannot be renewed silently;
	// the calling layer must drive a full re-authorization.
	ErrReauthRequired = errors.New("auth: re-authentication required")
)

// Credential holds per-account token material. Owned by the Manager; callers
// only ever see the derived access token string.
type Credential struct {
	Provider     string
	AccountID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	// Exchangeable marks a provider that converts short-lived tokens into
	// long-lived ones once, instead of issuing refresh tokens. Such a
	// credential must never go through a refresh-token call.
	Exchangeable bool
}

// Fresh reports whether the credential is still usable without renewal. A
// credential inside the safety margin is due for renewal, except that a token
// still in the first half of its lifetime is never renewed; short-lived
// tokens (e.g. 1h OAuth access tokens) would otherwise churn on every call
// under a margin sized for long-lived ones.
func (c Credential) Fresh(now time.Time, margin time.Duration) bool {
	if !c.ExpiresAt.After(now) {
		return false
	}
	if c.ExpiresAt.After(now.Add(margin)) {
		return true
	}
	lifetime := c.ExpiresAt.Sub(c.IssuedAt)
	return lifetime > 0 && now.Sub(c.IssuedAt) < lifetime/2
}

// Store is the credential persistence contract, provided by an external
// collaborator (the storage layer in this repository).
type Store interface {
	GetCredential(ctx context.Context, provider, accountID string) (*Credential, error)
	PutCredential(ctx context.Context, cred Credential) error
	DeleteCredential(ctx context.Context, provider, accountID string) error
	ListCredentials(ctx context.Context) ([]Credential, error)
}

// Renewer performs provider-specific token renewal.
type Renewer interface {
	Renew(ctx context.Context, cred Credential) (Credential, error)
}
