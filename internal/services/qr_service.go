package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/push"
	"github.com/redis/go-redis/v9"
	qrcode "github.com/skip2/go-qrcode"
)

// QrConfig tunes the handshake TTLs and the URL embedded in the QR image.
type QrConfig struct {
	LoginURLBase string
	PendingTTL   time.Duration
	UsedTTL      time.Duration
}

// QrLoginService implements the cross-device handshake: the first device
// requests a nonce and renders it as a QR code; a second, already
// authenticated device scans and confirms it, which issues tokens for the
// first device and pushes them over the nonce's channel.
type QrLoginService struct {
	redis     redis.UniversalClient
	accounts  AccountRepository
	sessions  TokenIssuer
	publisher push.Publisher
	logger    *slog.Logger
	config    QrConfig
}

// NewQrLoginService creates a new QrLoginService
func NewQrLoginService(
	redisClient redis.UniversalClient,
	accounts AccountRepository,
	sessions TokenIssuer,
	publisher push.Publisher,
	logger *slog.Logger,
	config QrConfig,
) *QrLoginService {
	return &QrLoginService{
		redis:     redisClient,
		accounts:  accounts,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
		config:    config,
	}
}

// QrChallenge is the response to a QR login request.
type QrChallenge struct {
	Nonce    string `json:"nonce"`
	LoginURL string `json:"login_url"`
}

// EventChannel names the pub/sub channel the first device listens on.
func EventChannel(nonce string) string {
	return "qrlogin:events:" + nonce
}

func recordKey(nonce string) string {
	return "qrlogin:" + nonce
}

func claimKey(nonce string) string {
	return "qrlogin:claim:" + nonce
}

// Create resolves the target account and stores a pending record under a
// fresh nonce with the pending TTL.
func (s *QrLoginService) Create(ctx context.Context, email, ipAddress string) (*QrChallenge, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		s.logger.Error("failed to resolve qr target account", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	nonce := uuid.New().String()
	record := &models.QrPendingLogin{
		Nonce:     nonce,
		Status:    models.QrStatusPending,
		AccountID: account.ID,
		Email:     account.Email,
		IPAddress: ipAddress,
		CreatedAt: time.Now(),
	}

	if err := s.writeRecord(ctx, record, s.config.PendingTTL); err != nil {
		return nil, err
	}

	s.logger.Info("qr login created",
		slog.String("account_id", account.ID),
		slog.String("nonce", nonce))

	return &QrChallenge{
		Nonce:    nonce,
		LoginURL: s.loginURL(nonce),
	}, nil
}

// Image renders the login URL for a nonce as a PNG QR code.
func (s *QrLoginService) Image(ctx context.Context, nonce string) ([]byte, error) {
	if _, err := s.loadRecord(ctx, nonce); err != nil {
		return nil, err
	}

	png, err := qrcode.Encode(s.loginURL(nonce), qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("failed to render qr code", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return png, nil
}

// Confirm completes the handshake from the second device. Exactly one
// confirmation per nonce can win: the claim key is taken with SETNX, so
// concurrent confirmations resolve to one success and AlreadyUsed for the
// rest rather than racing on the record itself.
func (s *QrLoginService) Confirm(ctx context.Context, nonce, confirmingAccountID, deviceInfo, ipAddress string) error {
	record, err := s.loadRecord(ctx, nonce)
	if err != nil {
		return err
	}

	if record.Status != models.QrStatusPending {
		return models.ErrQrAlreadyUsed
	}

	claimed, err := s.redis.SetNX(ctx, claimKey(nonce), confirmingAccountID, s.config.PendingTTL).Result()
	if err != nil {
		s.logger.Error("failed to claim qr nonce", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if !claimed {
		return models.ErrQrAlreadyUsed
	}

	// An aborted confirmation releases the claim so the nonce stays
	// retryable while it is pending; only a completed one consumes it.
	release := func() {
		if err := s.redis.Del(ctx, claimKey(nonce)).Err(); err != nil {
			s.logger.Warn("failed to release qr claim", slog.String("nonce", nonce), slog.Any("error", err))
		}
	}

	// The confirming account must itself exist; it is a different account
	// view of the same person (the verified mobile session).
	if _, err := s.accounts.GetByID(ctx, confirmingAccountID); err != nil {
		release()
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to resolve confirming account", slog.Any("error", err))
		return models.ErrInternalServer
	}

	target, err := s.accounts.GetByID(ctx, record.AccountID)
	if err != nil {
		release()
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrNotFound
		}
		s.logger.Error("failed to resolve qr target account", slog.Any("error", err))
		return models.ErrInternalServer
	}

	pair, err := s.sessions.Issue(ctx, target, deviceInfo, ipAddress)
	if err != nil {
		release()
		return err
	}

	event := push.Event{
		Name: "authenticated",
		Payload: map[string]interface{}{
			"account":       accountToResponse(target),
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
		},
	}
	if err := s.publisher.PublishToChannel(ctx, EventChannel(nonce), event); err != nil {
		s.logger.Warn("failed to push qr authenticated event",
			slog.String("nonce", nonce), slog.Any("error", err))
	}

	// Rewrite as used with a short TTL so a late duplicate scan gets a
	// definitive answer before the record disappears.
	record.Status = models.QrStatusUsed
	if err := s.writeRecord(ctx, record, s.config.UsedTTL); err != nil {
		s.logger.Warn("failed to mark qr record used", slog.String("nonce", nonce), slog.Any("error", err))
	}

	s.logger.Info("qr login confirmed",
		slog.String("nonce", nonce),
		slog.String("target_account_id", target.ID),
		slog.String("confirmed_by", confirmingAccountID))
	return nil
}

func (s *QrLoginService) loginURL(nonce string) string {
	return fmt.Sprintf("%s?nonce=%s", s.config.LoginURLBase, nonce)
}

func (s *QrLoginService) writeRecord(ctx context.Context, record *models.QrPendingLogin, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to encode qr record", slog.Any("error", err))
		return models.ErrInternalServer
	}
	if err := s.redis.Set(ctx, recordKey(record.Nonce), payload, ttl).Err(); err != nil {
		s.logger.Error("failed to store qr record", slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

func (s *QrLoginService) loadRecord(ctx context.Context, nonce string) (*models.QrPendingLogin, error) {
	payload, err := s.redis.Get(ctx, recordKey(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		s.logger.Error("failed to load qr record", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	var record models.QrPendingLogin
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		s.logger.Error("corrupt qr record", slog.String("nonce", nonce), slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return &record, nil
}
