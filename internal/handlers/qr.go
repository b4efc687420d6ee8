package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medisync/identity/internal/auth"
	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/push"
	"github.com/medisync/identity/internal/services"
	pkghttp "github.com/medisync/identity/pkg/http"
)

// QrServiceInterface defines the interface for the cross-device login flow
type QrServiceInterface interface {
	Create(ctx context.Context, email, ipAddress string) (*services.QrChallenge, error)
	Image(ctx context.Context, nonce string) ([]byte, error)
	Confirm(ctx context.Context, nonce, confirmingAccountID, deviceInfo, ipAddress string) error
}

// EventSubscriber bridges pub/sub channels into event streams.
type EventSubscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan push.Event, error)
}

// QrHandler handles the QR cross-device login endpoints
type QrHandler struct {
	service    QrServiceInterface
	subscriber EventSubscriber
	registry   *push.Registry
	ipConfig   *pkghttp.IPConfig
}

// NewQrHandler creates a new QrHandler
func NewQrHandler(service QrServiceInterface, subscriber EventSubscriber, registry *push.Registry, ipConfig *pkghttp.IPConfig) *QrHandler {
	return &QrHandler{
		service:    service,
		subscriber: subscriber,
		registry:   registry,
		ipConfig:   ipConfig,
	}
}

// CreateQrRequest represents the request body for starting a QR login
type CreateQrRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ConfirmQrRequest represents the request body for confirming a QR login
type ConfirmQrRequest struct {
	Nonce string `json:"nonce" validate:"required,uuid"`
}

// Create starts a QR login handshake for the given email
// @Summary Create QR login challenge
// @Accept json
// @Param request body CreateQrRequest true "Create request"
// @Produce json
// @Success 201 {object} services.QrChallenge
// @Failure 404 {object} pkghttp.ErrorResponse
// @Router /auth/qr [post]
func (h *QrHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateQrRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	ipAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	challenge, err := h.service.Create(r.Context(), req.Email, ipAddress)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "No account with this email")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, challenge)
}

// Image renders the nonce's login URL as a PNG QR code
// @Summary QR code image for a pending login
// @Produce png
// @Success 200
// @Failure 404 {object} pkghttp.ErrorResponse
// @Router /auth/qr/{nonce}/image [get]
func (h *QrHandler) Image(w http.ResponseWriter, r *http.Request) {
	nonce := chi.URLParam(r, "nonce")
	if nonce == "" {
		pkghttp.WriteBadRequest(w, "Missing nonce")
		return
	}

	png, err := h.service.Image(r.Context(), nonce)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Unknown or expired QR login")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// Confirm completes the handshake from an authenticated second device
// @Summary Confirm a QR login
// @Security BearerAuth
// @Accept json
// @Param request body ConfirmQrRequest true "Confirm request"
// @Success 204
// @Failure 409 {object} pkghttp.ErrorResponse
// @Router /auth/qr/confirm [post]
func (h *QrHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ConfirmQrRequest

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

	if err := h.service.Confirm(r.Context(), req.Nonce, claims.Subject, deviceInfo, ipAddress); err != nil {
		switch {
		case errors.Is(err, models.ErrQrAlreadyUsed):
			pkghttp.WriteConflict(w, "QR login already confirmed")
		case errors.Is(err, models.ErrNotFound):
			pkghttp.WriteNotFound(w, "Unknown or expired QR login")
		default:
			pkghttp.WriteInternalError(w, "Internal server error")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Events streams handshake events for a nonce as server-sent events. The
// unauthenticated first device holds this open until the `authenticated`
// event delivers its tokens, the record expires, or the client goes away.
// @Summary QR login event stream
// @Produce text/event-stream
// @Success 200
// @Router /auth/qr/{nonce}/events [get]
func (h *QrHandler) Events(w http.ResponseWriter, r *http.Request) {
	nonce := chi.URLParam(r, "nonce")
	if nonce == "" {
		pkghttp.WriteBadRequest(w, "Missing nonce")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		pkghttp.WriteInternalError(w, "Streaming not supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	events, err := h.subscriber.Subscribe(ctx, services.EventChannel(nonce))
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	connID := uuid.New().String()
	h.registry.Register("qr:"+nonce, connID)
	defer h.registry.Unregister("qr:"+nonce, connID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(event.Payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Name, payload)
			flusher.Flush()
			if event.Name == "authenticated" {
				// Tokens delivered; the stream's job is done.
				return
			}
		}
	}
}
