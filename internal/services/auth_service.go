package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/ratelimit"
	pkgauth "github.com/medisync/identity/pkg/auth"
	pkglogger "github.com/medisync/identity/pkg/logger"
)

// AccountRepository defines the interface for account lookup and mutation
type AccountRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	Update(ctx context.Context, id string, account *models.Account) (*models.Account, error)
}

// RateLimiter defines the interface for the fixed-window action limiter
type RateLimiter interface {
	Check(ctx context.Context, action ratelimit.Action, key string) error
	Reset(ctx context.Context, action ratelimit.Action, key string) error
}

// ActivationCodeSender issues account-activation OTPs. AuthService triggers
// it when an unverified account attempts to log in.
type ActivationCodeSender interface {
	SendActivationCode(ctx context.Context, account *models.Account) error
}

// TokenIssuer is the slice of the session manager the login flow needs.
type TokenIssuer interface {
	Issue(ctx context.Context, account *models.Account, deviceInfo, ipAddress string) (*models.TokenPair, error)
}

// AuthPolicy holds the credential and lockout policy knobs.
type AuthPolicy struct {
	LockoutThreshold   int
	PasswordMaxAgeDays int
}

// AuthService enforces the credential and lockout policy in front of the
// session manager.
type AuthService struct {
	accounts    AccountRepository
	sessions    TokenIssuer
	limiter     RateLimiter
	otp         ActivationCodeSender
	timing      *auth.TimingDelay
	logger      *slog.Logger
	auditLogger *pkglogger.AuditLogger
	policy      AuthPolicy
}

// NewAuthService creates a new AuthService
func NewAuthService(
	accounts AccountRepository,
	sessions TokenIssuer,
	limiter RateLimiter,
	otp ActivationCodeSender,
	timing *auth.TimingDelay,
	logger *slog.Logger,
	auditLogger *pkglogger.AuditLogger,
	policy AuthPolicy,
) *AuthService {
	return &AuthService{
		accounts:    accounts,
		sessions:    sessions,
		limiter:     limiter,
		otp:         otp,
		timing:      timing,
		logger:      logger,
		auditLogger: auditLogger,
		policy:      policy,
	}
}

// AccountResponse represents an account in the HTTP response
type AccountResponse struct {
	ID              string  `json:"id"`
	Email           string  `json:"email"`
	Role            string  `json:"role"`
	Status          string  `json:"status"`
	LinkedProfileID *string `json:"linked_profile_id,omitempty"`
}

// AuthResponse represents the response from auth operations
type AuthResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	Account      *AccountResponse `json:"account"`
}

// Login runs the lockout state machine and, on success, issues a token pair.
// Check order matters and is part of the contract: rate limit, existence,
// lock state, ban state, password age, then the password itself. Lock state
// is checked before the password so a locked account answers AccountLocked
// even to the correct password.
func (s *AuthService) Login(ctx context.Context, email, password, deviceInfo, ipAddress string) (*AuthResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, models.ErrInvalidCredentials
	}

	if err := s.limiter.Check(ctx, ratelimit.ActionLogin, email); err != nil {
		return nil, err
	}
	if ipAddress != "" {
		if err := s.limiter.Check(ctx, ratelimit.ActionLogin, ipAddress); err != nil {
			return nil, err
		}
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("login failed: invalid credentials",
				slog.String("email", pkglogger.SanitizedEmail(email)))
			s.audit("login_failed", "", ipAddress, "invalid_credentials")
			s.timing.Wait(false)
			return nil, models.ErrInvalidCredentials
		}
		s.logger.Error("failed to get account by email", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if account.LockedByFailures {
		s.audit("login_failed", account.ID, ipAddress, "account_locked")
		return nil, models.ErrAccountLocked
	}
	if account.BannedByAdmin {
		s.audit("login_failed", account.ID, ipAddress, "account_banned")
		return nil, models.ErrAccountBanned
	}

	if days := s.passwordAgeDays(account); days > s.policy.PasswordMaxAgeDays {
		s.audit("login_failed", account.ID, ipAddress, "password_expired")
		return nil, &models.PasswordExpiredError{Days: days}
	}

	if err := pkgauth.ComparePassword(account.PasswordHash, password); err != nil {
		return nil, s.recordFailedAttempt(ctx, account, ipAddress)
	}

	if account.FailedLoginAttempts > 0 || account.LockedByFailures {
		account.FailedLoginAttempts = 0
		account.LockedByFailures = false
		// A failure lockout flips status to banned; undo that. An account
		// still pending verification stays inactive.
		if account.Status == models.StatusBanned {
			account.Status = models.StatusActive
		}
		if account, err = s.accounts.Update(ctx, account.ID, account); err != nil {
			s.logger.Error("failed to reset failure counter", slog.String("account_id", account.ID), slog.Any("error", err))
			return nil, models.ErrInternalServer
		}
	}

	if account.Status != models.StatusActive {
		// Unverified account: trigger a fresh activation code. The sender
		// enforces its own OTP rate limit; a throttled resend still yields
		// the not-verified answer.
		if err := s.otp.SendActivationCode(ctx, account); err != nil {
			s.logger.Warn("activation code not sent on unverified login",
				slog.String("account_id", account.ID), slog.Any("error", err))
		}
		s.audit("login_failed", account.ID, ipAddress, "account_not_verified")
		return nil, models.ErrAccountNotVerified
	}

	pair, err := s.sessions.Issue(ctx, account, deviceInfo, ipAddress)
	if err != nil {
		return nil, err
	}

	// A completed login ends the email's failure window.
	if err := s.limiter.Reset(ctx, ratelimit.ActionLogin, email); err != nil {
		s.logger.Warn("failed to reset login limiter", slog.Any("error", err))
	}

	s.logger.Info("account logged in", slog.String("account_id", account.ID))
	s.audit("login_success", account.ID, ipAddress, "")

	return &AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Account:      accountToResponse(account),
	}, nil
}

// recordFailedAttempt increments the counter and locks the account at the
// threshold. Failures below the threshold get the generic
// invalid-credentials answer; the failure that trips the lock answers
// AccountLocked, same as every attempt after it.
func (s *AuthService) recordFailedAttempt(ctx context.Context, account *models.Account, ipAddress string) error {
	account.FailedLoginAttempts++

	locked := account.FailedLoginAttempts >= s.policy.LockoutThreshold
	if locked {
		account.LockedByFailures = true
		account.Status = models.StatusBanned
		s.logger.Warn("account locked by repeated failures",
			slog.String("account_id", account.ID),
			slog.Int("failed_attempts", account.FailedLoginAttempts))
	}

	if _, err := s.accounts.Update(ctx, account.ID, account); err != nil {
		s.logger.Error("failed to persist failure counter", slog.String("account_id", account.ID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	if locked {
		s.audit("login_failed", account.ID, ipAddress, "account_locked")
		s.timing.Wait(false)
		return models.ErrAccountLocked
	}

	s.audit("login_failed", account.ID, ipAddress, "invalid_credentials")
	s.timing.Wait(false)
	return models.ErrInvalidCredentials
}

// Register creates an inactive account and sends the activation code. The
// account cannot log in until the code is verified.
func (s *AuthService) Register(ctx context.Context, email, password, role, ipAddress string) (*AccountResponse, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	if err := s.limiter.Check(ctx, ratelimit.ActionRegister, email); err != nil {
		return nil, err
	}
	if ipAddress != "" {
		if err := s.limiter.Check(ctx, ratelimit.ActionRegister, ipAddress); err != nil {
			return nil, err
		}
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	switch role {
	case models.RolePatient, models.RoleDoctor, models.RoleClinic:
	case "":
		role = models.RolePatient
	default:
		return nil, models.ErrBadRequest
	}

	if _, err := s.accounts.GetByEmail(ctx, email); err == nil {
		s.logger.Info("registration failed: account already exists",
			slog.String("email", pkglogger.SanitizedEmail(email)))
		return nil, models.ErrConflict
	} else if !errors.Is(err, models.ErrNotFound) {
		s.logger.Error("failed to check for existing account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		s.logger.Error("failed to hash password", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	account, err := s.accounts.Create(ctx, &models.Account{
		Email:             email,
		PasswordHash:      hashedPassword,
		Role:              role,
		Status:            models.StatusInactive,
		PasswordChangedAt: &now,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := s.otp.SendActivationCode(ctx, account); err != nil {
		s.logger.Warn("failed to send activation code after registration",
			slog.String("account_id", account.ID), slog.Any("error", err))
	}

	s.logger.Info("account registered", slog.String("account_id", account.ID))
	s.auditLogger.LogAccountAction("account_registered", account.ID, ipAddress, nil)

	return accountToResponse(account), nil
}

func (s *AuthService) passwordAgeDays(account *models.Account) int {
	if account.PasswordChangedAt == nil {
		return 0
	}
	return int(time.Since(*account.PasswordChangedAt).Hours() / 24)
}

func (s *AuthService) audit(eventType, accountID, ipAddress, failureReason string) {
	s.auditLogger.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     eventType,
		AccountID:     accountID,
		IPAddress:     ipAddress,
		FailureReason: failureReason,
		Success:       failureReason == "",
	})
}

func accountToResponse(account *models.Account) *AccountResponse {
	return &AccountResponse{
		ID:              account.ID,
		Email:           account.Email,
		Role:            account.Role,
		Status:          account.Status,
		LinkedProfileID: account.LinkedProfileID,
	}
}
