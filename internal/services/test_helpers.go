package services

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/push"
	"github.com/medisync/identity/internal/ratelimit"
)

// memAccountRepo is an in-memory AccountRepository for unit tests.
type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]*models.Account // by id
}

func newMemAccountRepo(seed ...*models.Account) *memAccountRepo {
	repo := &memAccountRepo{accounts: make(map[string]*models.Account)}
	for _, a := range seed {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		repo.accounts[a.ID] = a
	}
	return repo
}

func (r *memAccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email == email {
			copied := *a
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *memAccountRepo) GetByID(ctx context.Context, id string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (r *memAccountRepo) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email == account.Email {
			return nil, models.ErrConflict
		}
	}
	account.ID = uuid.New().String()
	account.CreatedAt = time.Now()
	account.UpdatedAt = account.CreatedAt
	copied := *account
	r.accounts[account.ID] = &copied
	result := copied
	return &result, nil
}

func (r *memAccountRepo) Update(ctx context.Context, id string, account *models.Account) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[id]; !ok {
		return nil, models.ErrNotFound
	}
	copied := *account
	copied.ID = id
	copied.UpdatedAt = time.Now()
	r.accounts[id] = &copied
	result := copied
	return &result, nil
}

// memSessionRepo is an in-memory SessionRepository mirroring the SQL
// semantics of the real one closely enough for service-level tests.
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*models.Session // by id
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*models.Session)}
}

func (r *memSessionRepo) GetActiveByJti(ctx context.Context, jti, accountID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Jti == jti && s.AccountID == accountID && !s.Revoked {
			copied := *s
			return &copied, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *memSessionRepo) IsJtiActive(ctx context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Jti == jti && !s.Revoked {
			return true, nil
		}
	}
	return false, nil
}

func (r *memSessionRepo) CreateWithCap(ctx context.Context, session *models.Session, maxActive int) (*models.Session, int64, error) {
	if maxActive < 1 {
		return nil, 0, fmt.Errorf("session cap must be at least 1, got %d", maxActive)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	active := make([]*models.Session, 0)
	for _, s := range r.sessions {
		if s.AccountID == session.AccountID && !s.Revoked {
			active = append(active, s)
		}
	}
	// keep the newest maxActive-1, revoke the rest
	var displaced int64
	for len(active) > maxActive-1 {
		oldest := active[0]
		idx := 0
		for i, s := range active {
			if s.CreatedAt.Before(oldest.CreatedAt) {
				oldest, idx = s, i
			}
		}
		now := time.Now()
		oldest.Revoked = true
		oldest.RevokedAt = &now
		active = append(active[:idx], active[idx+1:]...)
		displaced++
	}

	session.ID = uuid.New().String()
	session.CreatedAt = time.Now()
	copied := *session
	r.sessions[session.ID] = &copied
	result := copied
	return &result, displaced, nil
}

func (r *memSessionRepo) Rotate(ctx context.Context, oldSessionID string, replacement *models.Session) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.sessions[oldSessionID]
	if !ok || old.Revoked {
		return nil, models.ErrInvalidRefreshToken
	}
	now := time.Now()
	old.Revoked = true
	old.RevokedAt = &now

	replacement.ID = uuid.New().String()
	replacement.CreatedAt = time.Now()
	copied := *replacement
	r.sessions[replacement.ID] = &copied
	result := copied
	return &result, nil
}

func (r *memSessionRepo) RevokeAllForAccount(ctx context.Context, accountID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for _, s := range r.sessions {
		if s.AccountID == accountID && !s.Revoked {
			s.Revoked = true
			s.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) ListByAccount(ctx context.Context, accountID string, limit int) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*models.Session, 0)
	for _, s := range r.sessions {
		if s.AccountID == accountID {
			copied := *s
			sessions = append(sessions, &copied)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	if len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

func (r *memSessionRepo) activeCount(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.AccountID == accountID && !s.Revoked {
			n++
		}
	}
	return n
}

// mockEmailService records outbound messages.
type mockEmailService struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

type sentEmail struct {
	To      string
	Subject string
	Text    string
}

func (m *mockEmailService) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentEmail{To: to, Subject: subject, Text: textBody})
	return nil
}

func (m *mockEmailService) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// lastCode pulls the OTP code out of the most recent message body.
func (m *mockEmailService) lastCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return ""
	}
	return otpCodePattern.FindString(m.sent[len(m.sent)-1].Text)
}

var otpCodePattern = regexp.MustCompile(`\d{6}`)

// mockRateLimiter allows everything unless an error is programmed per action.
type mockRateLimiter struct {
	mu     sync.Mutex
	errs   map[ratelimit.Action]error
	checks []string
	resets []string
}

func newMockRateLimiter() *mockRateLimiter {
	return &mockRateLimiter{errs: make(map[ratelimit.Action]error)}
}

func (m *mockRateLimiter) Check(ctx context.Context, action ratelimit.Action, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, action.String()+":"+key)
	return m.errs[action]
}

func (m *mockRateLimiter) Reset(ctx context.Context, action ratelimit.Action, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, action.String()+":"+key)
	return nil
}

// mockPublisher records push events by channel.
type mockPublisher struct {
	mu     sync.Mutex
	events map[string][]push.Event
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{events: make(map[string][]push.Event)}
}

func (m *mockPublisher) PublishToAccount(ctx context.Context, accountID string, event push.Event) error {
	return m.PublishToChannel(ctx, push.AccountChannel(accountID), event)
}

func (m *mockPublisher) PublishToChannel(ctx context.Context, channel string, event push.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[channel] = append(m.events[channel], event)
	return nil
}

func (m *mockPublisher) eventsOn(channel string) []push.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]push.Event(nil), m.events[channel]...)
}

// mockTokenIssuer stands in for the session manager in login tests.
type mockTokenIssuer struct {
	mu    sync.Mutex
	pair  *models.TokenPair
	err   error
	calls int
}

func (m *mockTokenIssuer) Issue(ctx context.Context, account *models.Account, deviceInfo, ipAddress string) (*models.TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.pair != nil {
		return m.pair, nil
	}
	return &models.TokenPair{AccessToken: "access-" + account.ID, RefreshToken: "refresh-" + account.ID}, nil
}

func (m *mockTokenIssuer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockRevoker counts logout-everywhere requests.
type mockRevoker struct {
	mu      sync.Mutex
	revoked []string
	err     error
}

func (m *mockRevoker) RevokeAll(ctx context.Context, accountID string) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, accountID)
	return nil
}

// mockOtpSender records activation-code requests.
type mockOtpSender struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (m *mockOtpSender) SendActivationCode(ctx context.Context, account *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = append(m.sends, account.ID)
	return m.err
}

func (m *mockOtpSender) sendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sends)
}
