package auth

import (
	"testing"
	"time"

	"github.com/medisync/identity/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount() *models.Account {
	pid := "profile-42"
	return &models.Account{
		ID:              "acct-1",
		Email:           "doc@example.com",
		Role:            models.RoleDoctor,
		Status:          models.StatusActive,
		LinkedProfileID: &pid,
	}
}

func newTestTokenManager() *TokenManager {
	return NewTokenManager(
		"access-secret-for-tests-1", "refresh-secret-for-tests-1",
		15*time.Minute, 7*24*time.Hour,
	)
}

func TestGeneratePair_SharedJtiAndClaims(t *testing.T) {
	tm := newTestTokenManager()
	jti := NewJti()

	pair, err := tm.GeneratePair(testAccount(), jti)
	require.NoError(t, err)
	require.NotEqual(t, pair.AccessToken, pair.RefreshToken)

	access, err := tm.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	refresh, err := tm.VerifyRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	assert.Equal(t, jti, access.ID)
	assert.Equal(t, jti, refresh.ID)
	assert.Equal(t, "acct-1", access.Subject)
	assert.Equal(t, models.RoleDoctor, access.Role)
	assert.Equal(t, "doc@example.com", access.Email)
	require.NotNil(t, access.LinkedProfileID)
	assert.Equal(t, "profile-42", *access.LinkedProfileID)
	assert.Equal(t, models.TokenTypeAccess, access.Type)
	assert.Equal(t, models.TokenTypeRefresh, refresh.Type)
}

func TestVerify_SecretsAreNotInterchangeable(t *testing.T) {
	tm := newTestTokenManager()

	pair, err := tm.GeneratePair(testAccount(), NewJti())
	require.NoError(t, err)

	// A refresh token must never pass access verification, and vice versa.
	_, err = tm.VerifyAccessToken(pair.RefreshToken)
	assert.Error(t, err)
	_, err = tm.VerifyRefreshToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestVerifyAccessToken_Expired(t *testing.T) {
	tm := NewTokenManager(
		"access-secret-for-tests-1", "refresh-secret-for-tests-1",
		-1*time.Minute, 7*24*time.Hour,
	)

	pair, err := tm.GeneratePair(testAccount(), NewJti())
	require.NoError(t, err)

	_, err = tm.VerifyAccessToken(pair.AccessToken)
	assert.Error(t, err)
}

func TestVerifyAccessToken_Garbage(t *testing.T) {
	tm := newTestTokenManager()

	_, err := tm.VerifyAccessToken("not-a-jwt")
	assert.Error(t, err)
}

func TestGeneratePair_PatientOmitsProfileID(t *testing.T) {
	tm := newTestTokenManager()
	account := testAccount()
	account.Role = models.RolePatient

	pair, err := tm.GeneratePair(account, NewJti())
	require.NoError(t, err)

	claims, err := tm.VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Nil(t, claims.LinkedProfileID)
}
