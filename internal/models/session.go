package models

import "time"

// Session is one durable row per issued access/refresh token pair. The jti
// claim embedded in both tokens correlates them to this record. The refresh
// token itself is stored only as a one-way hash.
//
// Lifecycle: created active on issuance, revoked on a later issuance for the
// same account, on refresh rotation, on logout, or on forced logout. Revoked
// is terminal; rows are never flipped back to active.
type Session struct {
	ID               string
	AccountID        string
	Jti              string
	RefreshTokenHash string
	DeviceInfo       string
	IPAddress        string
	Revoked          bool
	RevokedAt        *time.Time
	CreatedAt        time.Time
}

// TokenPair is the signed output of one issuance: both tokens share a jti
// and subject claims but are signed under separate secrets and expiries.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
