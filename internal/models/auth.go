package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenClaims are the JWT claims shared by access and refresh tokens.
// Subject and ID (jti) come from RegisteredClaims; both tokens of one
// issuance carry the same jti so revoking the session record kills the pair.
type TokenClaims struct {
	Type            string  `json:"type"`
	Role            string  `json:"role"`
	Email           string  `json:"email,omitempty"`
	LinkedProfileID *string `json:"pid,omitempty"`
	// Nonce makes every refresh token unique even when a rotation reuses
	// the jti within the same second. Without it, the rotated token could
	// be byte-identical to the one it replaces.
	Nonce string `json:"rnd,omitempty"`
	jwt.RegisteredClaims
}
