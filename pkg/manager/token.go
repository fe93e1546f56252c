package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/baton-sh/conductor/pkg/errdefs"
	"github.com/baton-sh/conductor/pkg/storage"
	"github.com/baton-sh/conductor/pkg/types"
)

// TokenManager mints and validates registration tokens. Tokens are
// persisted so registration keeps working across a control-plane
// restart. Regenerate is the only mint path: it deactivates every
// prior token and writes the new one in a single storage transaction,
// so at most one token is active at any time.
type TokenManager struct {
	store storage.Store
}

// NewTokenManager creates a token manager backed by the store
func NewTokenManager(store storage.Store) *TokenManager {
	return &TokenManager{store: store}
}

// Regenerate mints a new token and invalidates all prior ones. A zero
// ttl produces a token without expiry.
func (tm *TokenManager) Regenerate(ttl time.Duration) (*types.RegistrationToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	token := &types.RegistrationToken{
		Value:     hex.EncodeToString(buf),
		CreatedAt: time.Now(),
		Active:    true,
	}
	if ttl > 0 {
		expires := token.CreatedAt.Add(ttl)
		token.ExpiresAt = &expires
	}

	if err := tm.store.ReplaceToken(token); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}

	return token, nil
}

// Validate checks that a presented token exists, is active, and has not
// expired. Every failure mode collapses to ErrInvalidToken; callers get
// no hint whether the value was unknown, revoked, or stale.
func (tm *TokenManager) Validate(value string) error {
	if value == "" {
		return errdefs.ErrInvalidToken
	}

	token, err := tm.store.GetToken(value)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return errdefs.ErrInvalidToken
		}
		return fmt.Errorf("failed to look up token: %w", err)
	}

	if !token.Active {
		return errdefs.ErrInvalidToken
	}
	if token.Expired(time.Now()) {
		return errdefs.ErrInvalidToken
	}

	return nil
}

// List returns all stored tokens, active and revoked
func (tm *TokenManager) List() ([]*types.RegistrationToken, error) {
	return tm.store.ListTokens()
}
