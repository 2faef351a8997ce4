// ABOUTME: Tests for the authentication gate
// ABOUTME: Covers store-side revocation, expiry, and last-used bookkeeping

package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/studio-relay/internal/store"
)

// fakeTokenStore is an in-memory TokenStore for gate tests.
type fakeTokenStore struct {
	mu      sync.Mutex
	tokens  map[string]*store.AgentToken
	touched []string
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: make(map[string]*store.AgentToken)}
}

func (f *fakeTokenStore) add(t *store.AgentToken) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[t.ID] = t
}

func (f *fakeTokenStore) GetAgentToken(_ context.Context, userID, tokenID string) (*store.AgentToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenID]
	if !ok || t.UserID != userID {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTokenStore) TouchTokenUsage(_ context.Context, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, tokenID)
	return nil
}

func newTestGate(t *testing.T, tokens *fakeTokenStore) (*Gate, *JWTVerifier) {
	t.Helper()
	verifier, err := NewJWTVerifier([]byte("gate-test-secret"))
	require.NoError(t, err)
	return NewGate(verifier, tokens), verifier
}

func TestGate_Authorize(t *testing.T) {
	tokens := newFakeTokenStore()
	tokens.add(&store.AgentToken{
		ID:     "token-1",
		UserID: "user-1",
		Active: true,
	})
	gate, verifier := newTestGate(t, tokens)

	credential, err := verifier.Generate("user-1", "token-1", time.Hour)
	require.NoError(t, err)

	identity, err := gate.Authorize(context.Background(), credential)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "token-1", identity.TokenID)

	// Successful auth updates last-used.
	assert.Contains(t, tokens.touched, "token-1")
}

func TestGate_Authorize_BadSignature(t *testing.T) {
	gate, _ := newTestGate(t, newFakeTokenStore())

	other, err := NewJWTVerifier([]byte("different-secret"))
	require.NoError(t, err)
	credential, err := other.Generate("user-1", "token-1", time.Hour)
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), credential)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestGate_Authorize_UnknownToken(t *testing.T) {
	gate, verifier := newTestGate(t, newFakeTokenStore())

	credential, err := verifier.Generate("user-1", "token-missing", time.Hour)
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), credential)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestGate_Authorize_StoreSideInvalid(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		token *store.AgentToken
	}{
		{
			name:  "revoked",
			token: &store.AgentToken{ID: "token-1", UserID: "user-1", Active: true, Revoked: true},
		},
		{
			name:  "deactivated",
			token: &store.AgentToken{ID: "token-1", UserID: "user-1", Active: false},
		},
		{
			name:  "expired row",
			token: &store.AgentToken{ID: "token-1", UserID: "user-1", Active: true, ExpiresAt: &past},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens := newFakeTokenStore()
			tokens.add(tt.token)
			gate, verifier := newTestGate(t, tokens)

			// The JWT itself is still within its validity window; only the
			// store row disqualifies it.
			credential, err := verifier.Generate("user-1", "token-1", time.Hour)
			require.NoError(t, err)

			_, err = gate.Authorize(context.Background(), credential)
			assert.ErrorIs(t, err, ErrTokenRevoked)
			assert.Empty(t, tokens.touched, "invalid tokens must not be touched")
		})
	}
}

func TestGate_Authorize_UserMismatch(t *testing.T) {
	tokens := newFakeTokenStore()
	tokens.add(&store.AgentToken{ID: "token-1", UserID: "user-1", Active: true})
	gate, verifier := newTestGate(t, tokens)

	// Credential signed for a different user than the token row.
	credential, err := verifier.Generate("user-2", "token-1", time.Hour)
	require.NoError(t, err)

	_, err = gate.Authorize(context.Background(), credential)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}
