package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/medisync/identity/internal/database"
	"github.com/medisync/identity/internal/models"
)

const sessionColumns = `id, account_id, jti, refresh_token_hash, device_info,
	ip_address, revoked, revoked_at, created_at`

type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSessionRow(scanner rowScanner) (*models.Session, error) {
	var s models.Session
	err := scanner.Scan(
		&s.ID, &s.AccountID, &s.Jti, &s.RefreshTokenHash, &s.DeviceInfo,
		&s.IPAddress, &s.Revoked, &s.RevokedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &s, nil
}

// GetActiveByJti returns the non-revoked session for (jti, accountID).
func (r *SessionRepository) GetActiveByJti(ctx context.Context, jti, accountID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions WHERE jti = $1 AND account_id = $2 AND revoked = FALSE`
	return scanSessionRow(r.db.Pool.QueryRow(ctx, query, jti, accountID))
}

// IsJtiActive reports whether the jti still maps to a non-revoked session.
// The auth middleware uses this so that revocation overrides token expiry.
func (r *SessionRepository) IsJtiActive(ctx context.Context, jti string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM sessions WHERE jti = $1 AND revoked = FALSE)`

	var active bool
	if err := r.db.Pool.QueryRow(ctx, query, jti).Scan(&active); err != nil {
		return false, database.MapPostgresError(err)
	}
	return active, nil
}

// CreateWithCap inserts a new session and, in the same transaction, revokes
// the account's oldest active sessions so at most maxActive remain
// (the new row included). maxActive=1 is the single-active-login policy.
// The second return value is how many sessions were displaced.
func (r *SessionRepository) CreateWithCap(ctx context.Context, session *models.Session, maxActive int) (*models.Session, int64, error) {
	if maxActive < 1 {
		return nil, 0, fmt.Errorf("session cap must be at least 1, got %d", maxActive)
	}

	session.ID = uuid.New().String()
	session.CreatedAt = time.Now()

	var created *models.Session
	var displaced int64
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		revokeQuery := `
			UPDATE sessions SET revoked = TRUE, revoked_at = $1
			WHERE account_id = $2 AND revoked = FALSE
			AND id NOT IN (
				SELECT id FROM sessions
				WHERE account_id = $2 AND revoked = FALSE
				ORDER BY created_at DESC
				LIMIT $3
			)`
		tag, err := tx.Exec(ctx, revokeQuery, time.Now(), session.AccountID, maxActive-1)
		if err != nil {
			return database.MapPostgresError(err)
		}
		displaced = tag.RowsAffected()

		insertQuery := `
			INSERT INTO sessions (id, account_id, jti, refresh_token_hash, device_info,
				ip_address, revoked, revoked_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7)
			RETURNING ` + sessionColumns

		created, err = scanSessionRow(tx.QueryRow(ctx, insertQuery,
			session.ID, session.AccountID, session.Jti, session.RefreshTokenHash,
			session.DeviceInfo, session.IPAddress, session.CreatedAt,
		))
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return created, displaced, nil
}

// Rotate revokes one session row and inserts its replacement under the same
// jti as a single transaction. Refresh rotation relies on the old row being
// terminally revoked before the new hash becomes live, which is what makes
// replayed refresh tokens single-use.
func (r *SessionRepository) Rotate(ctx context.Context, oldSessionID string, replacement *models.Session) (*models.Session, error) {
	replacement.ID = uuid.New().String()
	replacement.CreatedAt = time.Now()

	var created *models.Session
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		revokeQuery := `
			UPDATE sessions SET revoked = TRUE, revoked_at = $1
			WHERE id = $2 AND revoked = FALSE`
		tag, err := tx.Exec(ctx, revokeQuery, time.Now(), oldSessionID)
		if err != nil {
			return database.MapPostgresError(err)
		}
		if tag.RowsAffected() == 0 {
			// Lost a race with a concurrent rotation or revocation.
			return models.ErrInvalidRefreshToken
		}

		insertQuery := `
			INSERT INTO sessions (id, account_id, jti, refresh_token_hash, device_info,
				ip_address, revoked, revoked_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, FALSE, NULL, $7)
			RETURNING ` + sessionColumns

		created, err = scanSessionRow(tx.QueryRow(ctx, insertQuery,
			replacement.ID, replacement.AccountID, replacement.Jti,
			replacement.RefreshTokenHash, replacement.DeviceInfo,
			replacement.IPAddress, replacement.CreatedAt,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RevokeAllForAccount bulk-revokes every active session for the account.
// Returns the number of sessions revoked.
func (r *SessionRepository) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	query := `
		UPDATE sessions SET revoked = TRUE, revoked_at = $1
		WHERE account_id = $2 AND revoked = FALSE`

	tag, err := r.db.Pool.Exec(ctx, query, time.Now(), accountID)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// PruneRevoked deletes revoked sessions older than retention. Rows are only
// eligible once every token signed under their jti has itself expired, so
// pruning cannot resurrect or orphan a live token.
func (r *SessionRepository) PruneRevoked(ctx context.Context, retention time.Duration) (int64, error) {
	query := `DELETE FROM sessions WHERE revoked = TRUE AND created_at < $1`

	tag, err := r.db.Pool.Exec(ctx, query, time.Now().Add(-retention))
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// ListByAccount returns the account's sessions, newest first. Used by the
// session inspection endpoint and tests.
func (r *SessionRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM sessions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return sessions, nil
}
