package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/ratelimit"
	"github.com/medisync/identity/internal/services"
)

// Function-field mocks for the handler-facing service interfaces.

type mockAuthService struct {
	LoginFunc    func(ctx context.Context, email, password, deviceInfo, ipAddress string) (*services.AuthResponse, error)
	RegisterFunc func(ctx context.Context, email, password, role, ipAddress string) (*services.AccountResponse, error)
}

func (m *mockAuthService) Login(ctx context.Context, email, password, deviceInfo, ipAddress string) (*services.AuthResponse, error) {
	return m.LoginFunc(ctx, email, password, deviceInfo, ipAddress)
}

func (m *mockAuthService) Register(ctx context.Context, email, password, role, ipAddress string) (*services.AccountResponse, error) {
	return m.RegisterFunc(ctx, email, password, role, ipAddress)
}

type mockSessionManager struct {
	RefreshFunc   func(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	RevokeAllFunc func(ctx context.Context, accountID string) error
	ListFunc      func(ctx context.Context, accountID string) ([]*services.SessionResponse, error)
}

func (m *mockSessionManager) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	return m.RefreshFunc(ctx, refreshToken)
}

func (m *mockSessionManager) RevokeAll(ctx context.Context, accountID string) error {
	return m.RevokeAllFunc(ctx, accountID)
}

func (m *mockSessionManager) List(ctx context.Context, accountID string) ([]*services.SessionResponse, error) {
	return m.ListFunc(ctx, accountID)
}

type mockOtpService struct {
	ResendFunc        func(ctx context.Context, email string) error
	SendResetFunc     func(ctx context.Context, email string) error
	VerifyAccountFunc func(ctx context.Context, email, code, deviceInfo, ipAddress string) (*services.AuthResponse, error)
	ResetPasswordFunc func(ctx context.Context, email, code, newPassword string) error
}

func (m *mockOtpService) Resend(ctx context.Context, email string) error {
	return m.ResendFunc(ctx, email)
}

func (m *mockOtpService) SendPasswordResetCode(ctx context.Context, email string) error {
	return m.SendResetFunc(ctx, email)
}

func (m *mockOtpService) VerifyAccount(ctx context.Context, email, code, deviceInfo, ipAddress string) (*services.AuthResponse, error) {
	return m.VerifyAccountFunc(ctx, email, code, deviceInfo, ipAddress)
}

func (m *mockOtpService) ResetPassword(ctx context.Context, email, code, newPassword string) error {
	return m.ResetPasswordFunc(ctx, email, code, newPassword)
}

func newHandler(svc *mockAuthService, sessions *mockSessionManager, otp *mockOtpService) *AuthHandler {
	return NewAuthHandler(svc, sessions, otp, nil)
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func authedRequest(t *testing.T, method, path string, body []byte, accountID string) *http.Request {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	claims := &models.TokenClaims{
		Type: models.TokenTypeAccess,
		Role: models.RolePatient,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: accountID,
			ID:      "jti-1",
		},
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	return req.WithContext(ctx)
}

func TestLoginHandlerSuccess(t *testing.T) {
	svc := &mockAuthService{
		LoginFunc: func(ctx context.Context, email, password, deviceInfo, ipAddress string) (*services.AuthResponse, error) {
			assert.Equal(t, "pat@example.com", email)
			return &services.AuthResponse{
				AccessToken:  "access",
				RefreshToken: "refresh",
				Account:      &services.AccountResponse{ID: "acc-1", Email: email},
			}, nil
		},
	}
	h := newHandler(svc, nil, nil)

	rec := postJSON(t, h.Login, "/auth/login", LoginRequest{Email: "pat@example.com", Password: "hunter2!"})

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp services.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "access", resp.AccessToken)
}

func TestLoginHandlerStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid credentials", models.ErrInvalidCredentials, http.StatusUnauthorized, "unauthorized"},
		{"locked", models.ErrAccountLocked, http.StatusLocked, "account_locked"},
		{"banned", models.ErrAccountBanned, http.StatusForbidden, "forbidden"},
		{"not verified", models.ErrAccountNotVerified, http.StatusForbidden, "account_not_verified"},
		{"password expired", &models.PasswordExpiredError{Days: 120}, http.StatusForbidden, "password_expired"},
		{"rate limited", models.ErrTooManyRequests, http.StatusTooManyRequests, "rate_limit_exceeded"},
		{"internal", models.ErrInternalServer, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				LoginFunc: func(ctx context.Context, email, password, deviceInfo, ipAddress string) (*services.AuthResponse, error) {
					return nil, tt.err
				},
			}
			h := newHandler(svc, nil, nil)

			rec := postJSON(t, h.Login, "/auth/login", LoginRequest{Email: "pat@example.com", Password: "hunter2!"})

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCode, resp["error"])
		})
	}
}

func TestLoginHandlerRetryAfterHeader(t *testing.T) {
	svc := &mockAuthService{
		LoginFunc: func(ctx context.Context, email, password, deviceInfo, ipAddress string) (*services.AuthResponse, error) {
			return nil, &ratelimit.RateLimitError{Action: ratelimit.ActionLogin, RetryAfter: 42 * time.Second}
		},
	}
	h := newHandler(svc, nil, nil)

	rec := postJSON(t, h.Login, "/auth/login", LoginRequest{Email: "pat@example.com", Password: "hunter2!"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestLoginHandlerRejectsInvalidBody(t *testing.T) {
	h := newHandler(&mockAuthService{}, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginHandlerRejectsMissingFields(t *testing.T) {
	h := newHandler(&mockAuthService{}, nil, nil)

	rec := postJSON(t, h.Login, "/auth/login", LoginRequest{Email: "not-an-email", Password: ""})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterHandlerHidesConflicts(t *testing.T) {
	for _, err := range []error{nil, models.ErrConflict} {
		svc := &mockAuthService{
			RegisterFunc: func(ctx context.Context, email, password, role, ipAddress string) (*services.AccountResponse, error) {
				if err != nil {
					return nil, err
				}
				return &services.AccountResponse{ID: "acc-1"}, nil
			},
		}
		h := newHandler(svc, nil, nil)

		rec := postJSON(t, h.Register, "/auth/register", RegisterRequest{Email: "pat@example.com", Password: "Tr1cky!Passw0rd"})

		// New registrations and duplicates answer identically.
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestRegisterHandlerRejectsUnknownRole(t *testing.T) {
	h := newHandler(&mockAuthService{}, nil, nil)

	rec := postJSON(t, h.Register, "/auth/register", RegisterRequest{Email: "pat@example.com", Password: "Tr1cky!Passw0rd", Role: "superuser"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshHandler(t *testing.T) {
	sessions := &mockSessionManager{
		RefreshFunc: func(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
			if refreshToken != "good-token" {
				return nil, models.ErrInvalidRefreshToken
			}
			return &models.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
		},
	}
	h := newHandler(nil, sessions, nil)

	rec := postJSON(t, h.Refresh, "/auth/refresh", RefreshRequest{RefreshToken: "good-token"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h.Refresh, "/auth/refresh", RefreshRequest{RefreshToken: "stale-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutHandler(t *testing.T) {
	var revokedID string
	sessions := &mockSessionManager{
		RevokeAllFunc: func(ctx context.Context, accountID string) error {
			revokedID = accountID
			return nil
		},
	}
	h := newHandler(nil, sessions, nil)

	req := authedRequest(t, http.MethodPost, "/auth/logout", nil, "acc-1")
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "acc-1", revokedID)
}

func TestLogoutHandlerWithoutClaims(t *testing.T) {
	h := newHandler(nil, &mockSessionManager{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSessionsHandler(t *testing.T) {
	sessions := &mockSessionManager{
		ListFunc: func(ctx context.Context, accountID string) ([]*services.SessionResponse, error) {
			assert.Equal(t, "acc-1", accountID)
			return []*services.SessionResponse{{ID: "sess-1", DeviceInfo: "ios"}}, nil
		},
	}
	h := newHandler(nil, sessions, nil)

	req := authedRequest(t, http.MethodGet, "/auth/sessions", nil, "acc-1")
	rec := httptest.NewRecorder()
	h.Sessions(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp []*services.SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "sess-1", resp[0].ID)
}

func TestVerifyHandler(t *testing.T) {
	otp := &mockOtpService{
		VerifyAccountFunc: func(ctx context.Context, email, code, deviceInfo, ipAddress string) (*services.AuthResponse, error) {
			if code != "123456" {
				return nil, models.ErrInvalidOtp
			}
			return &services.AuthResponse{AccessToken: "a", RefreshToken: "r"}, nil
		},
	}
	h := newHandler(nil, nil, otp)

	rec := postJSON(t, h.Verify, "/auth/verify", VerifyRequest{Email: "pat@example.com", Code: "123456"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h.Verify, "/auth/verify", VerifyRequest{Email: "pat@example.com", Code: "654321"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Non-numeric codes never reach the service.
	rec = postJSON(t, h.Verify, "/auth/verify", VerifyRequest{Email: "pat@example.com", Code: "abcdef"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForgotPasswordHandlerHidesUnknownEmails(t *testing.T) {
	for _, err := range []error{nil, models.ErrNotFound} {
		otp := &mockOtpService{
			SendResetFunc: func(ctx context.Context, email string) error { return err },
		}
		h := newHandler(nil, nil, otp)

		rec := postJSON(t, h.ForgotPassword, "/auth/password/forgot", ForgotPasswordRequest{Email: "pat@example.com"})
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestResetPasswordHandler(t *testing.T) {
	otp := &mockOtpService{
		ResetPasswordFunc: func(ctx context.Context, email, code, newPassword string) error {
			if code != "123456" {
				return models.ErrInvalidOtp
			}
			return nil
		},
	}
	h := newHandler(nil, nil, otp)

	rec := postJSON(t, h.ResetPassword, "/auth/password/reset", ResetPasswordRequest{
		Email: "pat@example.com", Code: "123456", NewPassword: "An0ther!Secret9",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, h.ResetPassword, "/auth/password/reset", ResetPasswordRequest{
		Email: "pat@example.com", Code: "999999", NewPassword: "An0ther!Secret9",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
