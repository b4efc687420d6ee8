package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/medisync/identity/internal/database"
	"github.com/medisync/identity/internal/models"
)

const accountColumns = `id, email, password_hash, role, status, linked_profile_id,
	failed_login_attempts, locked_by_failures, banned_by_admin,
	password_changed_at, otp_hash, otp_expires_at, created_at, updated_at`

type AccountRepository struct {
	db *database.DB
}

func NewAccountRepository(db *database.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// rowScanner interface for scanning account rows (single row or rows iterator)
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccountRow(scanner rowScanner) (*models.Account, error) {
	var account models.Account
	var passwordHash *string

	err := scanner.Scan(
		&account.ID, &account.Email, &passwordHash, &account.Role, &account.Status,
		&account.LinkedProfileID, &account.FailedLoginAttempts,
		&account.LockedByFailures, &account.BannedByAdmin,
		&account.PasswordChangedAt, &account.OtpHash, &account.OtpExpiresAt,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if passwordHash != nil {
		account.PasswordHash = *passwordHash
	}

	return &account, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccountRow(r.db.Pool.QueryRow(ctx, query, email))
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	account.ID = uuid.New().String()

	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	if account.Role == "" {
		account.Role = models.RolePatient
	}
	if account.Status == "" {
		account.Status = models.StatusInactive // activated via OTP verification
	}

	query := `
		INSERT INTO accounts (id, email, password_hash, role, status, linked_profile_id,
			failed_login_attempts, locked_by_failures, banned_by_admin,
			password_changed_at, otp_hash, otp_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING ` + accountColumns

	var passwordHash *string
	if account.PasswordHash != "" {
		passwordHash = &account.PasswordHash
	}

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query,
		account.ID, account.Email, passwordHash, account.Role, account.Status,
		account.LinkedProfileID, account.FailedLoginAttempts,
		account.LockedByFailures, account.BannedByAdmin,
		account.PasswordChangedAt, account.OtpHash, account.OtpExpiresAt,
		account.CreatedAt, account.UpdatedAt,
	))
}

// Update persists the mutable identity-session fields. Email and role are
// deliberately not updatable through this subsystem.
func (r *AccountRepository) Update(ctx context.Context, id string, account *models.Account) (*models.Account, error) {
	account.UpdatedAt = time.Now()

	query := `
		UPDATE accounts
		SET password_hash = $1, status = $2, failed_login_attempts = $3,
			locked_by_failures = $4, banned_by_admin = $5,
			password_changed_at = $6, otp_hash = $7, otp_expires_at = $8,
			updated_at = $9
		WHERE id = $10
		RETURNING ` + accountColumns

	var passwordHash *string
	if account.PasswordHash != "" {
		passwordHash = &account.PasswordHash
	}

	return scanAccountRow(r.db.Pool.QueryRow(ctx, query,
		passwordHash, account.Status, account.FailedLoginAttempts,
		account.LockedByFailures, account.BannedByAdmin,
		account.PasswordChangedAt, account.OtpHash, account.OtpExpiresAt,
		account.UpdatedAt, id,
	))
}
