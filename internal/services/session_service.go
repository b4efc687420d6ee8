package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/push"
	pkgauth "github.com/medisync/identity/pkg/auth"
)

// SessionRepository defines the interface for durable session record operations
type SessionRepository interface {
	GetActiveByJti(ctx context.Context, jti, accountID string) (*models.Session, error)
	IsJtiActive(ctx context.Context, jti string) (bool, error)
	CreateWithCap(ctx context.Context, session *models.Session, maxActive int) (*models.Session, int64, error)
	Rotate(ctx context.Context, oldSessionID string, replacement *models.Session) (*models.Session, error)
	RevokeAllForAccount(ctx context.Context, accountID string) (int64, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Session, error)
}

// SessionService is the token/session manager: it issues signed pairs,
// persists one session record per issuance, rotates on refresh, and revokes
// on logout. Every mutation that revokes and inserts runs as one transaction
// inside the repository.
type SessionService struct {
	repo        SessionRepository
	accounts    AccountRepository
	tm          *auth.TokenManager
	publisher   push.Publisher
	registry    *push.Registry
	logger      *slog.Logger
	maxSessions int
}

// NewSessionService creates a new SessionService. maxSessions is the
// concurrent-session cap per account; 1 means every login displaces the
// previous one.
func NewSessionService(
	repo SessionRepository,
	accounts AccountRepository,
	tm *auth.TokenManager,
	publisher push.Publisher,
	registry *push.Registry,
	logger *slog.Logger,
	maxSessions int,
) *SessionService {
	return &SessionService{
		repo:        repo,
		accounts:    accounts,
		tm:          tm,
		publisher:   publisher,
		registry:    registry,
		logger:      logger,
		maxSessions: maxSessions,
	}
}

// Issue mints a fresh jti, displaces sessions beyond the cap, persists the
// new session record (refresh token stored as a one-way hash), and notifies
// the account's other live connections that they were logged out.
func (s *SessionService) Issue(ctx context.Context, account *models.Account, deviceInfo, ipAddress string) (*models.TokenPair, error) {
	jti := auth.NewJti()

	pair, err := s.tm.GeneratePair(account, jti)
	if err != nil {
		s.logger.Error("failed to generate token pair", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	refreshHash, err := pkgauth.HashPassword(pair.RefreshToken)
	if err != nil {
		s.logger.Error("failed to hash refresh token", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	session := &models.Session{
		AccountID:        account.ID,
		Jti:              jti,
		RefreshTokenHash: refreshHash,
		DeviceInfo:       deviceInfo,
		IPAddress:        ipAddress,
	}

	_, displaced, err := s.repo.CreateWithCap(ctx, session, s.maxSessions)
	if err != nil {
		s.logger.Error("failed to persist session", slog.String("account_id", account.ID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	// Only sessions that actually got displaced have holders to tell; a
	// first login stays quiet.
	if displaced > 0 {
		s.notify(ctx, account.ID, "force-logout", map[string]string{"reason": "new_login"})
		s.registry.DropAccount(account.ID)
	}

	s.logger.Info("session issued", slog.String("account_id", account.ID), slog.String("jti", jti))
	return pair, nil
}

// Refresh rotates a refresh token: the presented token must verify, its jti
// must map to a non-revoked session, and its hash must match the stored one.
// The old record is revoked and replaced under the same jti in one
// transaction, so each refresh token works exactly once.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	claims, err := s.tm.VerifyRefreshToken(refreshToken)
	if err != nil {
		s.logger.Info("refresh token verification failed", slog.Any("error", err))
		return nil, models.ErrInvalidRefreshToken
	}

	session, err := s.repo.GetActiveByJti(ctx, claims.ID, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Absent or already revoked: a replayed token lands here after
			// the legitimate client rotated past it.
			s.logger.Warn("refresh with unknown or revoked session",
				slog.String("account_id", claims.Subject), slog.String("jti", claims.ID))
			return nil, models.ErrInvalidRefreshToken
		}
		s.logger.Error("failed to load session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := pkgauth.ComparePassword(session.RefreshTokenHash, refreshToken); err != nil {
		s.logger.Warn("refresh token hash mismatch",
			slog.String("account_id", claims.Subject), slog.String("jti", claims.ID))
		return nil, models.ErrInvalidRefreshToken
	}

	account, err := s.accounts.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInvalidRefreshToken
		}
		s.logger.Error("failed to load account for refresh", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if account.BannedByAdmin || account.LockedByFailures {
		return nil, models.ErrInvalidRefreshToken
	}

	// Rotation-in-place: the replacement keeps the jti so outstanding access
	// tokens from this issuance stay valid until their own expiry.
	pair, err := s.tm.GeneratePair(account, claims.ID)
	if err != nil {
		s.logger.Error("failed to generate rotated pair", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	refreshHash, err := pkgauth.HashPassword(pair.RefreshToken)
	if err != nil {
		s.logger.Error("failed to hash rotated refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	replacement := &models.Session{
		AccountID:        session.AccountID,
		Jti:              session.Jti,
		RefreshTokenHash: refreshHash,
		DeviceInfo:       session.DeviceInfo,
		IPAddress:        session.IPAddress,
	}

	if _, err := s.repo.Rotate(ctx, session.ID, replacement); err != nil {
		if errors.Is(err, models.ErrInvalidRefreshToken) {
			return nil, models.ErrInvalidRefreshToken
		}
		s.logger.Error("failed to rotate session", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	s.logger.Info("session rotated", slog.String("account_id", account.ID), slog.String("jti", claims.ID))
	return pair, nil
}

// VerifyAccess validates an access token and requires its jti to map to a
// live session. Revocation overrides expiry: an unexpired token whose
// session was revoked fails here.
func (s *SessionService) VerifyAccess(ctx context.Context, accessToken string) (*models.TokenClaims, error) {
	claims, err := s.tm.VerifyAccessToken(accessToken)
	if err != nil {
		return nil, models.ErrUnauthorized
	}

	active, err := s.repo.IsJtiActive(ctx, claims.ID)
	if err != nil {
		s.logger.Error("failed to check session liveness", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if !active {
		return nil, models.ErrTokenRevoked
	}

	return claims, nil
}

// IsJtiActive exposes session liveness for the HTTP middleware.
func (s *SessionService) IsJtiActive(ctx context.Context, jti string) (bool, error) {
	return s.repo.IsJtiActive(ctx, jti)
}

// SessionResponse is the inspection view of one session record. The
// refresh-token hash never leaves the service.
type SessionResponse struct {
	ID         string     `json:"id"`
	DeviceInfo string     `json:"device_info"`
	IPAddress  string     `json:"ip_address"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// List returns the account's recent sessions for inspection, newest first.
func (s *SessionService) List(ctx context.Context, accountID string) ([]*SessionResponse, error) {
	sessions, err := s.repo.ListByAccount(ctx, accountID, 20)
	if err != nil {
		s.logger.Error("failed to list sessions", slog.String("account_id", accountID), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	resp := make([]*SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		resp = append(resp, &SessionResponse{
			ID:         session.ID,
			DeviceInfo: session.DeviceInfo,
			IPAddress:  session.IPAddress,
			Revoked:    session.Revoked,
			RevokedAt:  session.RevokedAt,
			CreatedAt:  session.CreatedAt,
		})
	}
	return resp, nil
}

// RevokeAll logs the account out everywhere: bulk-revoke, broadcast, then
// drop the connection registry entries.
func (s *SessionService) RevokeAll(ctx context.Context, accountID string) error {
	revoked, err := s.repo.RevokeAllForAccount(ctx, accountID)
	if err != nil {
		s.logger.Error("failed to revoke sessions", slog.String("account_id", accountID), slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.notify(ctx, accountID, "logout-all", map[string]string{"reason": "logout"})
	dropped := s.registry.DropAccount(accountID)

	s.logger.Info("account logged out everywhere",
		slog.String("account_id", accountID),
		slog.Int64("sessions_revoked", revoked),
		slog.Int("connections_dropped", dropped))
	return nil
}

// notify pushes best-effort: a dead push channel must not fail the security
// operation that triggered it.
func (s *SessionService) notify(ctx context.Context, accountID, event string, payload interface{}) {
	if err := s.publisher.PublishToAccount(ctx, accountID, push.Event{Name: event, Payload: payload}); err != nil {
		s.logger.Warn("push notification failed",
			slog.String("account_id", accountID),
			slog.String("event", event),
			slog.Any("error", err))
	}
}
