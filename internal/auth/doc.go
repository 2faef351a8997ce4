// Package auth provides authentication for studio-relay.
//
// # Agent Credentials
//
// Desktop agents authenticate with JWT credentials signed with HS256 using
// the configured jwt_secret. A credential carries:
//
//   - sub: the owning user id
//   - token_id: the id of the agent token row backing the credential
//   - type: always "agent"
//   - exp / iat: standard expiry claims
//
// # Two-Stage Verification
//
// Verification happens in two stages, in order:
//
//  1. Signature and expiry of the credential itself (JWTVerifier). A
//     malformed, unsigned, or expired credential fails fast with
//     ErrInvalidCredential or ErrExpiredCredential.
//  2. The (user, token) pair is looked up in the token store and must be
//     active, unrevoked, and unexpired (Gate). This covers revocation that
//     happens after issuance and fails with ErrTokenRevoked.
//
// On success the gate touches the token's last-used bookkeeping.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware runs the same gate check against the Authorization
// bearer header and stores the resulting Identity in the request context
// for API handlers to read via FromContext.
package auth
