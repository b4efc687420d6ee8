package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/ratelimit"
	pkgauth "github.com/medisync/identity/pkg/auth"
	pkglogger "github.com/medisync/identity/pkg/logger"
)

type otpFixture struct {
	service  *OtpService
	accounts *memAccountRepo
	issuer   *mockTokenIssuer
	revoker  *mockRevoker
	email    *mockEmailService
	limiter  *mockRateLimiter
}

func newOtpFixture(t *testing.T, seed ...*models.Account) *otpFixture {
	t.Helper()

	f := &otpFixture{
		accounts: newMemAccountRepo(seed...),
		issuer:   &mockTokenIssuer{},
		revoker:  &mockRevoker{},
		email:    &mockEmailService{},
		limiter:  newMockRateLimiter(),
	}
	f.service = NewOtpService(f.accounts, f.issuer, f.revoker, f.email, f.limiter, discardLogger(), pkglogger.NewAuditLogger(discardLogger()), 5*time.Minute)
	return f
}

func TestSendActivationCodeStoresHashedCode(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	f := newOtpFixture(t, account)

	require.NoError(t, f.service.SendActivationCode(context.Background(), account))

	code := f.email.lastCode()
	require.Len(t, code, pkgauth.OtpDigits)

	stored, err := f.accounts.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, stored.HasPendingOtp())
	assert.NotEqual(t, code, *stored.OtpHash)
	assert.True(t, stored.OtpExpiresAt.After(time.Now()))
	assert.Equal(t, "Activate your account", f.email.sent[0].Subject)
}

func TestVerifyAccountActivatesAndIssuesSession(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendActivationCode(context.Background(), account))

	resp, err := f.service.VerifyAccount(context.Background(), account.Email, f.email.lastCode(), "ios", "203.0.113.9")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, models.StatusActive, resp.Account.Status)

	stored, err := f.accounts.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, stored.Status)
	assert.False(t, stored.HasPendingOtp())
	assert.Equal(t, 1, f.issuer.callCount())
}

func TestVerifyAccountWrongCode(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendActivationCode(context.Background(), account))

	wrong := "000000"
	if f.email.lastCode() == wrong {
		wrong = "000001"
	}

	_, err := f.service.VerifyAccount(context.Background(), account.Email, wrong, "", "")
	assert.ErrorIs(t, err, models.ErrInvalidOtp)

	// The pending code survives a bad guess.
	stored, err := f.accounts.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasPendingOtp())
	assert.Equal(t, models.StatusInactive, stored.Status)
}

func TestVerifyAccountExpiredCode(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendActivationCode(context.Background(), account))
	code := f.email.lastCode()

	stored, err := f.accounts.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	stored.OtpExpiresAt = &past
	_, err = f.accounts.Update(context.Background(), account.ID, stored)
	require.NoError(t, err)

	_, err = f.service.VerifyAccount(context.Background(), account.Email, code, "", "")
	assert.ErrorIs(t, err, models.ErrInvalidOtp)
}

func TestActivationCodeIsSingleUse(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendActivationCode(context.Background(), account))
	code := f.email.lastCode()

	_, err := f.service.VerifyAccount(context.Background(), account.Email, code, "", "")
	require.NoError(t, err)

	_, err = f.service.VerifyAccount(context.Background(), account.Email, code, "", "")
	assert.ErrorIs(t, err, models.ErrInvalidOtp)
}

func TestResendReplacesPendingCode(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendActivationCode(context.Background(), account))
	oldCode := f.email.lastCode()

	require.NoError(t, f.service.Resend(context.Background(), account.Email))
	newCode := f.email.lastCode()

	if oldCode != newCode {
		_, err := f.service.VerifyAccount(context.Background(), account.Email, oldCode, "", "")
		assert.ErrorIs(t, err, models.ErrInvalidOtp)
	}
	_, err := f.service.VerifyAccount(context.Background(), account.Email, newCode, "", "")
	assert.NoError(t, err)
}

func TestResendOnActiveAccount(t *testing.T) {
	f := newOtpFixture(t, testAccount(t))

	err := f.service.Resend(context.Background(), "pat@example.com")
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.Zero(t, f.email.sentCount())
}

func TestResetPasswordRevokesSessions(t *testing.T) {
	account := testAccount(t)
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendPasswordResetCode(context.Background(), account.Email))
	assert.Equal(t, "Reset your password", f.email.sent[0].Subject)

	newPassword := "An0ther!Secret9"
	require.NoError(t, f.service.ResetPassword(context.Background(), account.Email, f.email.lastCode(), newPassword))

	stored, err := f.accounts.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.NoError(t, pkgauth.ComparePassword(stored.PasswordHash, newPassword))
	assert.Error(t, pkgauth.ComparePassword(stored.PasswordHash, testPassword))
	assert.False(t, stored.HasPendingOtp())
	assert.WithinDuration(t, time.Now(), *stored.PasswordChangedAt, time.Minute)

	assert.Equal(t, []string{account.ID}, f.revoker.revoked)
}

func TestResetPasswordUnlocksFailureLockout(t *testing.T) {
	account := testAccount(t, func(a *models.Account) {
		a.LockedByFailures = true
		a.Status = models.StatusBanned
		a.FailedLoginAttempts = 5
	})
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendPasswordResetCode(context.Background(), account.Email))

	require.NoError(t, f.service.ResetPassword(context.Background(), account.Email, f.email.lastCode(), "An0ther!Secret9"))

	stored, err := f.accounts.GetByID(context.Background(), account.ID)
	require.NoError(t, err)
	assert.False(t, stored.LockedByFailures)
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Equal(t, models.StatusActive, stored.Status)
}

func TestResetPasswordWeakPasswordKeepsCode(t *testing.T) {
	account := testAccount(t)
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendPasswordResetCode(context.Background(), account.Email))
	code := f.email.lastCode()

	err := f.service.ResetPassword(context.Background(), account.Email, code, "weak")
	require.Error(t, err)

	// The code was not consumed; a stronger retry succeeds.
	require.NoError(t, f.service.ResetPassword(context.Background(), account.Email, code, "An0ther!Secret9"))
}

func TestOtpIssuanceIsRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	account := testAccount(t, func(a *models.Account) {
		a.Status = models.StatusInactive
	})
	accounts := newMemAccountRepo(account)
	email := &mockEmailService{}
	limiter := ratelimit.NewLimiter(client, discardLogger())
	service := NewOtpService(accounts, &mockTokenIssuer{}, &mockRevoker{}, email, limiter, discardLogger(), pkglogger.NewAuditLogger(discardLogger()), 5*time.Minute)

	policy := ratelimit.DefaultPolicies()[ratelimit.ActionOtp]
	for i := 0; i < policy.Limit; i++ {
		require.NoError(t, service.Resend(context.Background(), account.Email))
	}

	err := service.Resend(context.Background(), account.Email)
	assert.ErrorIs(t, err, models.ErrTooManyRequests)
	assert.Equal(t, policy.Limit, email.sentCount())
}

func TestForgotPasswordChecksItsOwnAction(t *testing.T) {
	account := testAccount(t)
	f := newOtpFixture(t, account)
	f.limiter.errs[ratelimit.ActionForgotPassword] = models.ErrTooManyRequests

	err := f.service.SendPasswordResetCode(context.Background(), account.Email)

	assert.ErrorIs(t, err, models.ErrTooManyRequests)
	assert.Equal(t, 0, f.email.sentCount())
	assert.Contains(t, f.limiter.checks, "forgotPassword:"+account.Email)
}

func TestForgotPasswordHonorsConfiguredLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	account := testAccount(t)
	accounts := newMemAccountRepo(account)
	email := &mockEmailService{}
	limiter := ratelimit.NewLimiter(client, discardLogger())
	service := NewOtpService(accounts, &mockTokenIssuer{}, &mockRevoker{}, email, limiter, discardLogger(), pkglogger.NewAuditLogger(discardLogger()), 5*time.Minute)

	// An admin tightening the forgot-password policy must bite immediately.
	require.NoError(t, limiter.UpdateConfig(context.Background(), map[ratelimit.Action]ratelimit.Policy{
		ratelimit.ActionForgotPassword: {Limit: 1, Window: 5 * time.Minute},
	}))

	require.NoError(t, service.SendPasswordResetCode(context.Background(), account.Email))

	err := service.SendPasswordResetCode(context.Background(), account.Email)
	assert.ErrorIs(t, err, models.ErrTooManyRequests)
	assert.Equal(t, 1, email.sentCount())
}

func TestResetPasswordSubmissionsAreRateLimited(t *testing.T) {
	account := testAccount(t)
	f := newOtpFixture(t, account)
	require.NoError(t, f.service.SendPasswordResetCode(context.Background(), account.Email))
	code := f.email.lastCode()

	f.limiter.errs[ratelimit.ActionResetPassword] = models.ErrTooManyRequests
	err := f.service.ResetPassword(context.Background(), account.Email, code, "An0ther!Secret9")
	assert.ErrorIs(t, err, models.ErrTooManyRequests)
	assert.Contains(t, f.limiter.checks, "resetPassword:"+account.Email)

	// Throttling does not consume the pending code.
	delete(f.limiter.errs, ratelimit.ActionResetPassword)
	require.NoError(t, f.service.ResetPassword(context.Background(), account.Email, code, "An0ther!Secret9"))
	assert.Contains(t, f.limiter.resets, "resetPassword:"+account.Email)
}
