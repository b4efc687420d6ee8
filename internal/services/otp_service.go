package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/ratelimit"
	pkgauth "github.com/medisync/identity/pkg/auth"
	pkglogger "github.com/medisync/identity/pkg/logger"
)

// OTP email subjects per purpose
const (
	subjectActivation    = "Activate your account"
	subjectResend        = "Your new activation code"
	subjectPasswordReset = "Reset your password"
)

// OtpService generates, stores, and validates short-lived one-time codes.
// Codes live on the account as an argon2id hash plus an expiry; validation
// fails closed on anything missing, stale, or mismatched.
type OtpService struct {
	accounts    AccountRepository
	sessions    TokenIssuer
	revoker     SessionRevoker
	email       EmailService
	limiter     RateLimiter
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	expiry      time.Duration
}

// SessionRevoker is the slice of the session manager the reset flow needs.
type SessionRevoker interface {
	RevokeAll(ctx context.Context, accountID string) error
}

// NewOtpService creates a new OtpService
func NewOtpService(
	accounts AccountRepository,
	sessions TokenIssuer,
	revoker SessionRevoker,
	email EmailService,
	limiter RateLimiter,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
	expiry time.Duration,
) *OtpService {
	return &OtpService{
		accounts:    accounts,
		sessions:    sessions,
		revoker:     revoker,
		email:       email,
		limiter:     limiter,
		logger:      logger,
		auditLogger: auditLogger,
		expiry:      expiry,
	}
}

// SendActivationCode issues an activation OTP for the account. The OTP
// limiter (per email) applies on top of whatever action limiter the caller
// already passed.
func (s *OtpService) SendActivationCode(ctx context.Context, account *models.Account) error {
	_, err := s.issue(ctx, account, subjectActivation)
	return err
}

// Resend re-issues the activation code for an unverified account. The new
// code replaces the pending one.
func (s *OtpService) Resend(ctx context.Context, email string) error {
	account, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}
	if account.Status == models.StatusActive {
		return models.ErrConflict
	}

	_, err = s.issue(ctx, account, subjectResend)
	return err
}

// SendPasswordResetCode issues a reset OTP for the account behind email.
// The forgot-password action limiter applies on top of the OTP issuance
// limiter inside issue.
func (s *OtpService) SendPasswordResetCode(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := s.limiter.Check(ctx, ratelimit.ActionForgotPassword, email); err != nil {
		return err
	}

	account, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}

	_, err = s.issue(ctx, account, subjectPasswordReset)
	return err
}

// issue generates, hashes, persists, and emails one code. The plaintext code
// is returned for internal use only and must never cross the network.
func (s *OtpService) issue(ctx context.Context, account *models.Account, subject string) (string, error) {
	if err := s.limiter.Check(ctx, ratelimit.ActionOtp, account.Email); err != nil {
		return "", err
	}

	code, err := pkgauth.GenerateOtpCode()
	if err != nil {
		s.logger.Error("failed to generate otp code", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	codeHash, err := pkgauth.HashPassword(code)
	if err != nil {
		s.logger.Error("failed to hash otp code", slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	expiresAt := time.Now().Add(s.expiry)
	account.OtpHash = &codeHash
	account.OtpExpiresAt = &expiresAt

	if _, err := s.accounts.Update(ctx, account.ID, account); err != nil {
		s.logger.Error("failed to store otp", slog.String("account_id", account.ID), slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	htmlBody, textBody := otpEmailBodies(code, int(s.expiry.Minutes()))
	if err := s.email.Send(ctx, account.Email, subject, htmlBody, textBody); err != nil {
		s.logger.Error("failed to send otp email", slog.String("account_id", account.ID), slog.Any("error", err))
		return "", models.ErrInternalServer
	}

	s.logger.Info("otp issued", slog.String("account_id", account.ID), slog.String("subject", subject))
	return code, nil
}

// Validate reports whether code matches the account's pending OTP and the
// expiry is still in the future. Any missing piece means false.
func (s *OtpService) Validate(account *models.Account, code string) bool {
	if !account.HasPendingOtp() {
		return false
	}
	if time.Now().After(*account.OtpExpiresAt) {
		return false
	}
	return pkgauth.ComparePassword(*account.OtpHash, code) == nil
}

// VerifyAccount consumes a valid activation code: the pending OTP is
// cleared, the account flips to active, and a first session is issued.
func (s *OtpService) VerifyAccount(ctx context.Context, email, code, deviceInfo, ipAddress string) (*AuthResponse, error) {
	account, err := s.lookup(ctx, email)
	if err != nil {
		return nil, err
	}

	if !s.Validate(account, code) {
		return nil, models.ErrInvalidOtp
	}

	account.OtpHash = nil
	account.OtpExpiresAt = nil
	account.Status = models.StatusActive

	if account, err = s.accounts.Update(ctx, account.ID, account); err != nil {
		s.logger.Error("failed to activate account", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	pair, err := s.sessions.Issue(ctx, account, deviceInfo, ipAddress)
	if err != nil {
		return nil, err
	}

	s.logger.Info("account verified", slog.String("account_id", account.ID))
	s.auditLogger.LogAccountAction("account_activated", account.ID, ipAddress, nil)

	return &AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Account:      accountToResponse(account),
	}, nil
}

// ResetPassword consumes a valid reset code, installs the new credential,
// clears any failure lockout, and logs the account out everywhere.
func (s *OtpService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	// Code submissions are limited per email so the 6-digit space cannot
	// be searched within one code's lifetime.
	if err := s.limiter.Check(ctx, ratelimit.ActionResetPassword, email); err != nil {
		return err
	}

	account, err := s.lookup(ctx, email)
	if err != nil {
		return err
	}

	if !s.Validate(account, code) {
		return models.ErrInvalidOtp
	}

	if err := pkgauth.ValidatePassword(newPassword); err != nil {
		return err
	}

	passwordHash, err := pkgauth.HashPassword(newPassword)
	if err != nil {
		s.logger.Error("failed to hash new password", slog.Any("error", err))
		return models.ErrInternalServer
	}

	now := time.Now()
	account.OtpHash = nil
	account.OtpExpiresAt = nil
	account.PasswordHash = passwordHash
	account.PasswordChangedAt = &now
	account.FailedLoginAttempts = 0
	if account.LockedByFailures {
		account.LockedByFailures = false
		if account.Status == models.StatusBanned {
			account.Status = models.StatusActive
		}
	}

	if _, err := s.accounts.Update(ctx, account.ID, account); err != nil {
		s.logger.Error("failed to persist password reset", slog.String("account_id", account.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	// Old sessions must not survive a credential change.
	if err := s.revoker.RevokeAll(ctx, account.ID); err != nil {
		return err
	}

	// A completed reset ends the email's guessing window.
	if err := s.limiter.Reset(ctx, ratelimit.ActionResetPassword, account.Email); err != nil {
		s.logger.Warn("failed to reset password-reset limiter", slog.Any("error", err))
	}

	s.logger.Info("password reset", slog.String("account_id", account.ID))
	s.auditLogger.LogPasswordChange(account.ID, "", true)
	return nil
}

func (s *OtpService) lookup(ctx context.Context, email string) (*models.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to get account by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return account, nil
}
