package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medisync/identity/internal/models"
	"github.com/medisync/identity/internal/push"
	"github.com/medisync/identity/internal/services"
)

type mockQrService struct {
	CreateFunc  func(ctx context.Context, email, ipAddress string) (*services.QrChallenge, error)
	ImageFunc   func(ctx context.Context, nonce string) ([]byte, error)
	ConfirmFunc func(ctx context.Context, nonce, confirmingAccountID, deviceInfo, ipAddress string) error
}

func (m *mockQrService) Create(ctx context.Context, email, ipAddress string) (*services.QrChallenge, error) {
	return m.CreateFunc(ctx, email, ipAddress)
}

func (m *mockQrService) Image(ctx context.Context, nonce string) ([]byte, error) {
	return m.ImageFunc(ctx, nonce)
}

func (m *mockQrService) Confirm(ctx context.Context, nonce, confirmingAccountID, deviceInfo, ipAddress string) error {
	return m.ConfirmFunc(ctx, nonce, confirmingAccountID, deviceInfo, ipAddress)
}

type mockSubscriber struct {
	events chan push.Event
}

func (m *mockSubscriber) Subscribe(ctx context.Context, channel string) (<-chan push.Event, error) {
	return m.events, nil
}

func TestQrCreateHandler(t *testing.T) {
	svc := &mockQrService{
		CreateFunc: func(ctx context.Context, email, ipAddress string) (*services.QrChallenge, error) {
			return &services.QrChallenge{Nonce: "nonce-1", LoginURL: "https://login.example.com/qr?nonce=nonce-1"}, nil
		},
	}
	h := NewQrHandler(svc, nil, push.NewRegistry(), nil)

	rec := postJSON(t, h.Create, "/auth/qr", CreateQrRequest{Email: "pat@example.com"})

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp services.QrChallenge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "nonce-1", resp.Nonce)
}

func TestQrCreateHandlerUnknownEmail(t *testing.T) {
	svc := &mockQrService{
		CreateFunc: func(ctx context.Context, email, ipAddress string) (*services.QrChallenge, error) {
			return nil, models.ErrNotFound
		},
	}
	h := NewQrHandler(svc, nil, push.NewRegistry(), nil)

	rec := postJSON(t, h.Create, "/auth/qr", CreateQrRequest{Email: "nobody@example.com"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQrImageHandler(t *testing.T) {
	svc := &mockQrService{
		ImageFunc: func(ctx context.Context, nonce string) ([]byte, error) {
			return []byte("\x89PNGfake"), nil
		},
	}
	h := NewQrHandler(svc, nil, push.NewRegistry(), nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/qr/nonce-1/image", nil)
	rec := httptest.NewRecorder()

	router := chi.NewRouter()
	router.Get("/auth/qr/{nonce}/image", h.Image)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestQrConfirmHandler(t *testing.T) {
	var gotNonce, gotConfirmer string
	svc := &mockQrService{
		ConfirmFunc: func(ctx context.Context, nonce, confirmingAccountID, deviceInfo, ipAddress string) error {
			gotNonce, gotConfirmer = nonce, confirmingAccountID
			return nil
		},
	}
	h := NewQrHandler(svc, nil, push.NewRegistry(), nil)

	body, err := json.Marshal(ConfirmQrRequest{Nonce: "8b7f2f5e-97b4-4d0a-9f4e-2f6a1c3d5e7f"})
	require.NoError(t, err)

	req := authedRequest(t, http.MethodPost, "/auth/qr/confirm", body, "acc-2")
	rec := httptest.NewRecorder()
	h.Confirm(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "8b7f2f5e-97b4-4d0a-9f4e-2f6a1c3d5e7f", gotNonce)
	assert.Equal(t, "acc-2", gotConfirmer)
}

func TestQrConfirmHandlerAlreadyUsed(t *testing.T) {
	svc := &mockQrService{
		ConfirmFunc: func(ctx context.Context, nonce, confirmingAccountID, deviceInfo, ipAddress string) error {
			return models.ErrQrAlreadyUsed
		},
	}
	h := NewQrHandler(svc, nil, push.NewRegistry(), nil)

	body, err := json.Marshal(ConfirmQrRequest{Nonce: "8b7f2f5e-97b4-4d0a-9f4e-2f6a1c3d5e7f"})
	require.NoError(t, err)

	req := authedRequest(t, http.MethodPost, "/auth/qr/confirm", body, "acc-2")
	rec := httptest.NewRecorder()
	h.Confirm(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQrConfirmHandlerRequiresAuth(t *testing.T) {
	h := NewQrHandler(&mockQrService{}, nil, push.NewRegistry(), nil)

	req := httptest.NewRequest(http.MethodPost, "/auth/qr/confirm", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	h.Confirm(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQrEventsStreamDeliversTokens(t *testing.T) {
	sub := &mockSubscriber{events: make(chan push.Event, 1)}
	sub.events <- push.Event{
		Name:    "authenticated",
		Payload: map[string]string{"access_token": "a", "refresh_token": "r"},
	}

	h := NewQrHandler(&mockQrService{}, sub, push.NewRegistry(), nil)

	req := httptest.NewRequest(http.MethodGet, "/auth/qr/nonce-1/events", nil)
	rec := httptest.NewRecorder()

	router := chi.NewRouter()
	router.Get("/auth/qr/{nonce}/events", h.Events)
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: authenticated")
	assert.Contains(t, rec.Body.String(), "access_token")
}
