package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/medisync/identity/internal/models"
)

// TokenManager signs and verifies the access/refresh token pair. The two
// token types use separate secrets and separate expiries; a refresh token can
// never pass access-token verification, and vice versa.
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(accessSecret, refreshSecret string, accessExpiry, refreshExpiry time.Duration) *TokenManager {
	return &TokenManager{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
	}
}

// NewJti mints the unique token identifier correlating an access/refresh
// pair to one session record.
func NewJti() string {
	return uuid.New().String()
}

// GeneratePair signs an access and a refresh token sharing the same jti and
// subject claims.
func (tm *TokenManager) GeneratePair(account *models.Account, jti string) (*models.TokenPair, error) {
	accessToken, err := tm.sign(account, jti, models.TokenTypeAccess, tm.accessSecret, tm.accessExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := tm.sign(account, jti, models.TokenTypeRefresh, tm.refreshSecret, tm.refreshExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return &models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (tm *TokenManager) sign(account *models.Account, jti, tokenType string, secret []byte, expiry time.Duration) (string, error) {
	now := time.Now()

	claims := &models.TokenClaims{
		Type:  tokenType,
		Role:  account.Role,
		Email: account.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			ID:        jti,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	// Doctor and clinic tokens carry the linked profile id so downstream
	// services can authorize against the profile without a lookup.
	if account.Role == models.RoleDoctor || account.Role == models.RoleClinic {
		claims.LinkedProfileID = account.LinkedProfileID
	}

	if tokenType == models.TokenTypeRefresh {
		claims.Nonce = uuid.New().String()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyAccessToken checks signature and expiry under the access secret.
// Callers must still check the jti against the session store; an unexpired
// access token whose session was revoked is not valid.
func (tm *TokenManager) VerifyAccessToken(tokenString string) (*models.TokenClaims, error) {
	return tm.verify(tokenString, models.TokenTypeAccess, tm.accessSecret)
}

// VerifyRefreshToken checks signature and expiry under the refresh secret.
func (tm *TokenManager) VerifyRefreshToken(tokenString string) (*models.TokenClaims, error) {
	return tm.verify(tokenString, models.TokenTypeRefresh, tm.refreshSecret)
}

func (tm *TokenManager) verify(tokenString, wantType string, secret []byte) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, models.ErrUnauthorized
	}

	if claims.Type != wantType {
		return nil, fmt.Errorf("invalid token: expected %s token, got %q", wantType, claims.Type)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token: missing jti or subject")
	}

	return claims, nil
}
