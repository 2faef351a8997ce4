// ABOUTME: Authentication gate combining JWT verification with the token store
// ABOUTME: Covers revocation and expiry that happen after a credential was issued

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/forge3d/studio-relay/internal/store"
)

// ErrTokenRevoked indicates the credential was validly signed but its backing
// token has been revoked, deactivated, or has expired store-side.
var ErrTokenRevoked = errors.New("token revoked or expired")

// TokenStore is the subset of the store the gate needs.
type TokenStore interface {
	GetAgentToken(ctx context.Context, userID, tokenID string) (*store.AgentToken, error)
	TouchTokenUsage(ctx context.Context, tokenID string) error
}

// Identity is the result of a successful gate check.
type Identity struct {
	UserID  string
	TokenID string
}

// Gate authenticates inbound agent credentials. A credential passes only if
// its signature and expiry check out AND its backing token row is still
// active, unrevoked, and unexpired.
type Gate struct {
	verifier Verifier
	tokens   TokenStore
}

// NewGate creates a gate over the given verifier and token store.
func NewGate(verifier Verifier, tokens TokenStore) *Gate {
	return &Gate{verifier: verifier, tokens: tokens}
}

// Authorize runs the full check: signature/expiry first, then the store-side
// validity check, then a best-effort last-used touch.
func (g *Gate) Authorize(ctx context.Context, credential string) (Identity, error) {
	claims, err := g.verifier.Verify(credential)
	if err != nil {
		return Identity{}, err
	}

	token, err := g.tokens.GetAgentToken(ctx, claims.UserID, claims.TokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrTokenRevoked
		}
		return Identity{}, fmt.Errorf("looking up token: %w", err)
	}

	if !token.Valid() {
		return Identity{}, ErrTokenRevoked
	}

	// Last-used bookkeeping is advisory; a write failure must not reject an
	// otherwise valid credential.
	_ = g.tokens.TouchTokenUsage(ctx, claims.TokenID)

	return Identity{UserID: claims.UserID, TokenID: claims.TokenID}, nil
}
