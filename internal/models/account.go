package models

import (
	"time"
)

// Account roles
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleClinic  = "clinic"
	RoleAdmin   = "admin"
)

// Account statuses
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
	StatusBanned   = "banned"
)

// Account is the identity record the session subsystem authenticates against.
// Profile data (names, specialties, clinic details) lives elsewhere; the
// LinkedProfileID points at it for doctor and clinic roles.
type Account struct {
	ID                  string
	Email               string
	PasswordHash        string
	Role                string // "patient", "doctor", "clinic", "admin"
	Status              string // "active", "inactive", "banned"
	LinkedProfileID     *string
	FailedLoginAttempts int
	LockedByFailures    bool // set when FailedLoginAttempts reaches the lockout threshold
	BannedByAdmin       bool
	PasswordChangedAt   *time.Time
	OtpHash             *string
	OtpExpiresAt        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasPendingOtp reports whether an unconsumed OTP is stored on the account.
func (a *Account) HasPendingOtp() bool {
	return a.OtpHash != nil && a.OtpExpiresAt != nil
}
