package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/ratelimit"
	"github.com/medisync/identity/internal/services"
	pkgauth "github.com/medisync/identity/pkg/auth"
	pkghttp "github.com/medisync/identity/pkg/http"
)

// AuthServiceInterface defines the interface for credential checks and
// registration
type AuthServiceInterface interface {
	Login(ctx context.Context, email, password, deviceInfo, ipAddress string) (*services.AuthResponse, error)
	Register(ctx context.Context, email, password, role, ipAddress string) (*services.AccountResponse, error)
}

// SessionManagerInterface defines the interface for token lifecycle ops
type SessionManagerInterface interface {
	Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	RevokeAll(ctx context.Context, accountID string) error
	List(ctx context.Context, accountID string) ([]*services.SessionResponse, error)
}

// OtpServiceInterface defines the interface for one-time-code flows
type OtpServiceInterface interface {
	Resend(ctx context.Context, email string) error
	SendPasswordResetCode(ctx context.Context, email string) error
	VerifyAccount(ctx context.Context, email, code, deviceInfo, ipAddress string) (*services.AuthResponse, error)
	ResetPassword(ctx context.Context, email, code, newPassword string) error
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionManagerInterface
	otp      OtpServiceInterface
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, sessions SessionManagerInterface, otp OtpServiceInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		otp:      otp,
		ipConfig: ipConfig,
	}
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest represents the request body for registration
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=patient doctor clinic"`
}

// RefreshRequest represents the request body for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// VerifyRequest represents the request body for account activation
type VerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// ResendOtpRequest represents the request body for re-sending a code
type ResendOtpRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ForgotPasswordRequest represents the request body for requesting a reset code
type ForgotPasswordRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetPasswordRequest represents the request body for completing a reset
type ResetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"new_password" validate:"required"`
}

// Login handles account login
// @Summary Account login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} services.AuthResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	deviceInfo := pkghttp.DeviceInfo(r)

	authResp, err := h.service.Login(r.Context(), req.Email, req.Password, deviceInfo, ipAddress)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authResp)
}

// Register handles account registration
// @Summary Account registration
// @Accept json
// @Param request body RegisterRequest true "Register request"
// @Produce json
// @Success 202
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	_, err := h.service.Register(r.Context(), req.Email, req.Password, req.Role, ipAddress)
	if err != nil {
		var rle *ratelimit.RateLimitError
		var pve *pkgauth.PasswordValidationError

		switch {
		case errors.As(err, &rle):
			pkghttp.WriteTooManyRequestsRetryAfter(w, "Too many registration attempts. Please try again later.", rle.RetryAfter)
			return
		case errors.As(err, &pve):
			pkghttp.WriteError(w, http.StatusBadRequest, "weak_password", pve.Error())
			return
		case errors.Is(err, models.ErrBadRequest):
			pkghttp.WriteBadRequest(w, "Invalid role")
			return
		case errors.Is(err, models.ErrConflict):
			// Fall through to the generic 202 below; a distinguishable
			// conflict answer would leak which emails are registered.
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Registration received. Check your email for an activation code.",
	})
}

// Refresh handles refresh-token rotation
// @Summary Rotate a refresh token
// @Accept json
// @Param request body RefreshRequest true "Refresh request"
// @Produce json
// @Success 200 {object} models.TokenPair
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrInvalidRefreshToken) {
			pkghttp.WriteUnauthorized(w, "Invalid refresh token")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// Logout revokes the caller's sessions, which kills outstanding tokens
// @Summary Account logout
// @Security BearerAuth
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	if err := h.sessions.RevokeAll(r.Context(), claims.Subject); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Sessions lists the caller's recent sessions
// @Summary List own sessions
// @Security BearerAuth
// @Produce json
// @Success 200 {array} services.SessionResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/sessions [get]
func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	sessions, err := h.sessions.List(r.Context(), claims.Subject)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, sessions)
}

// Verify handles account activation with an emailed code
// @Summary Verify account with OTP
// @Accept json
// @Param request body VerifyRequest true "Verify request"
// @Produce json
// @Success 200 {object} services.AuthResponse
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/verify [post]
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)
	deviceInfo := pkghttp.DeviceInfo(r)

	authResp, err := h.otp.VerifyAccount(r.Context(), req.Email, req.Code, deviceInfo, ipAddress)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidOtp), errors.Is(err, models.ErrNotFound):
			// Unknown email and wrong code answer alike.
			pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_code", "Invalid or expired code")
		case errors.Is(err, models.ErrTooManyRequests):
			pkghttp.WriteTooManyRequests(w, "Too many attempts. Please try again later.")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, authResp)
}

// ResendOtp re-issues the activation code for an unverified account
// @Summary Resend activation code
// @Accept json
// @Param request body ResendOtpRequest true "Resend request"
// @Success 202
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/otp/resend [post]
func (h *AuthHandler) ResendOtp(w http.ResponseWriter, r *http.Request) {
	var req ResendOtpRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.otp.Resend(r.Context(), req.Email); err != nil {
		var rle *ratelimit.RateLimitError
		if errors.As(err, &rle) {
			pkghttp.WriteTooManyRequestsRetryAfter(w, "Too many codes requested. Please try again later.", rle.RetryAfter)
			return
		}
		// NotFound and already-active fall through: the generic 202 keeps
		// account existence private.
		if !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrConflict) {
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an unverified account exists with this email, a new code has been sent.",
	})
}

// ForgotPassword issues a password-reset code
// @Summary Request password reset code
// @Accept json
// @Param request body ForgotPasswordRequest true "Forgot password request"
// @Success 202
// @Failure 429 {object} pkghttp.ErrorResponse
// @Router /auth/password/forgot [post]
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req ForgotPasswordRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.otp.SendPasswordResetCode(r.Context(), req.Email); err != nil {
		var rle *ratelimit.RateLimitError
		if errors.As(err, &rle) {
			pkghttp.WriteTooManyRequestsRetryAfter(w, "Too many codes requested. Please try again later.", rle.RetryAfter)
			return
		}
		if !errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteInternalError(w, "Internal server error")
			return
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an account exists with this email, a reset code has been sent.",
	})
}

// ResetPassword completes a password reset with the emailed code
// @Summary Reset password with OTP
// @Accept json
// @Param request body ResetPasswordRequest true "Reset password request"
// @Success 204
// @Failure 401 {object} pkghttp.ErrorResponse
// @Router /auth/password/reset [post]
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.otp.ResetPassword(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		var pve *pkgauth.PasswordValidationError

		switch {
		case errors.Is(err, models.ErrInvalidOtp), errors.Is(err, models.ErrNotFound):
			pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_code", "Invalid or expired code")
		case errors.As(err, &pve):
			pkghttp.WriteError(w, http.StatusBadRequest, "weak_password", pve.Error())
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeAuthError maps login-flow errors to status codes. Invalid
// credentials, unknown accounts, and wrong passwords all share the same
// answer.
func writeAuthError(w http.ResponseWriter, err error) {
	var rle *ratelimit.RateLimitError
	var expired *models.PasswordExpiredError

	switch {
	case errors.As(err, &rle):
		pkghttp.WriteTooManyRequestsRetryAfter(w, "Too many attempts. Please try again later.", rle.RetryAfter)
	case errors.Is(err, models.ErrTooManyRequests):
		pkghttp.WriteTooManyRequests(w, "Too many attempts. Please try again later.")
	case errors.Is(err, models.ErrAccountLocked):
		pkghttp.WriteError(w, http.StatusLocked, "account_locked", "Account temporarily locked after too many failed login attempts")
	case errors.Is(err, models.ErrAccountBanned):
		pkghttp.WriteForbidden(w, "Account is banned")
	case errors.As(err, &expired):
		pkghttp.WriteError(w, http.StatusForbidden, "password_expired", expired.Error())
	case errors.Is(err, models.ErrAccountNotVerified):
		pkghttp.WriteError(w, http.StatusForbidden, "account_not_verified", "Account not verified. A new activation code has been sent.")
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteUnauthorized(w, "Invalid email or password")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
