package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Credential errors. Login never reveals whether the email or the
	// password was wrong, so both collapse into ErrInvalidCredentials.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// Account state errors
	ErrAccountLocked      = errors.New("account temporarily locked after too many failed login attempts")
	ErrAccountBanned      = errors.New("account banned by administrator")
	ErrAccountNotVerified = errors.New("account not verified")
	ErrPasswordExpired    = errors.New("password expired")

	// OTP errors
	ErrInvalidOtp = errors.New("invalid or expired verification code")

	// Token and session errors
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrTokenRevoked        = errors.New("token revoked or session not found")

	// Rate limiting
	ErrTooManyRequests = errors.New("too many requests")

	// QR login
	ErrQrAlreadyUsed = errors.New("qr login already used")
)

// PasswordExpiredError carries the exact age of a stale password.
// It matches ErrPasswordExpired under errors.Is.
type PasswordExpiredError struct {
	Days int
}

func (e *PasswordExpiredError) Error() string {
	return fmt.Sprintf("password is %d days old and must be reset", e.Days)
}

func (e *PasswordExpiredError) Is(target error) bool {
	return target == ErrPasswordExpired
}
