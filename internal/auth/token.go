// ABOUTME: JWT credential verification for desktop agent connections
// ABOUTME: Uses HS256 signing with configurable secret and an agent type claim

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors
var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
	ErrMissingClaim      = errors.New("missing required claim")
)

// Claims are the identity claims carried by an agent credential.
type Claims struct {
	UserID  string
	TokenID string
}

// Verifier validates agent credentials and extracts their claims.
type Verifier interface {
	Verify(credential string) (Claims, error)
}

// JWTVerifier implements Verifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier with the given secret.
// An empty secret is rejected: unsigned credentials must never validate.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the credential signature and expiry, requires the agent
// type claim, and extracts the user and token ids.
func (v *JWTVerifier) Verify(credential string) (Claims, error) {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredCredential
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidCredential
	}

	if typ, _ := claims["type"].(string); typ != "agent" {
		return Claims{}, fmt.Errorf("%w: not an agent credential", ErrInvalidCredential)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tokenID, ok := claims["token_id"].(string)
	if !ok || tokenID == "" {
		return Claims{}, fmt.Errorf("%w: token_id", ErrMissingClaim)
	}

	return Claims{UserID: sub, TokenID: tokenID}, nil
}

// Generate creates a new agent credential for the given user and token ids.
func (v *JWTVerifier) Generate(userID, tokenID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":      userID,
		"token_id": tokenID,
		"type":     "agent",
		"iat":      now.Unix(),
		"exp":      now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
