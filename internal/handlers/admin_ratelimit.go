package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/medisync/identity/internal/ratelimit"
	pkghttp "github.com/medisync/identity/pkg/http"
)

// RateLimitAdminInterface defines the interface for limiter administration
type RateLimitAdminInterface interface {
	CurrentConfig(ctx context.Context) (map[ratelimit.Action]ratelimit.Policy, error)
	UpdateConfig(ctx context.Context, policies map[ratelimit.Action]ratelimit.Policy) error
	Reset(ctx context.Context, action ratelimit.Action, key string) error
	CurrentStatus(ctx context.Context, action ratelimit.Action, key string) (*ratelimit.Status, error)
}

// RateLimitAdminHandler exposes the limiter's policy and counters to admins
type RateLimitAdminHandler struct {
	limiter RateLimitAdminInterface
}

// NewRateLimitAdminHandler creates a new RateLimitAdminHandler
func NewRateLimitAdminHandler(limiter RateLimitAdminInterface) *RateLimitAdminHandler {
	return &RateLimitAdminHandler{limiter: limiter}
}

// PolicyResponse represents one action's policy in API form
type PolicyResponse struct {
	Limit         int `json:"limit"`
	WindowSeconds int `json:"window_seconds"`
}

// UpdatePoliciesRequest represents the request body for a policy update
type UpdatePoliciesRequest map[string]PolicyResponse

// ResetRequest represents the request body for clearing a counter
type ResetRequest struct {
	Action string `json:"action" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

// GetConfig returns the effective policy per action
// @Summary Current rate-limit policies
// @Security BearerAuth
// @Produce json
// @Success 200 {object} map[string]PolicyResponse
// @Router /admin/rate-limits [get]
func (h *RateLimitAdminHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	policies, err := h.limiter.CurrentConfig(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	resp := make(map[string]PolicyResponse, len(policies))
	for action, policy := range policies {
		resp[action.String()] = PolicyResponse{
			Limit:         policy.Limit,
			WindowSeconds: int(policy.Window.Seconds()),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// UpdateConfig overrides policies for the named actions
// @Summary Update rate-limit policies
// @Security BearerAuth
// @Accept json
// @Param request body UpdatePoliciesRequest true "Policies keyed by action"
// @Success 204
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /admin/rate-limits [put]
func (h *RateLimitAdminHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdatePoliciesRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req) == 0 {
		pkghttp.WriteBadRequest(w, "No policies given")
		return
	}

	policies := make(map[ratelimit.Action]ratelimit.Policy, len(req))
	for name, policy := range req {
		action, err := ratelimit.ParseAction(name)
		if err != nil {
			pkghttp.WriteBadRequest(w, "Unknown action: "+name)
			return
		}
		if policy.Limit < 1 || policy.WindowSeconds < 1 {
			pkghttp.WriteBadRequest(w, "Limit and window must be at least 1")
			return
		}
		policies[action] = ratelimit.Policy{
			Limit:  policy.Limit,
			Window: time.Duration(policy.WindowSeconds) * time.Second,
		}
	}

	if err := h.limiter.UpdateConfig(r.Context(), policies); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Reset clears the counter for one (action, key) pair
// @Summary Reset a rate-limit counter
// @Security BearerAuth
// @Accept json
// @Param request body ResetRequest true "Counter to clear"
// @Success 204
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /admin/rate-limits/reset [post]
func (h *RateLimitAdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	action, err := ratelimit.ParseAction(req.Action)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Unknown action: "+req.Action)
		return
	}

	if err := h.limiter.Reset(r.Context(), action, req.Key); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Status reports the live counter for one (action, key) pair
// @Summary Rate-limit counter status
// @Security BearerAuth
// @Produce json
// @Param action query string true "Action name"
// @Param key query string true "Counter key (email or IP)"
// @Success 200 {object} ratelimit.Status
// @Failure 400 {object} pkghttp.ErrorResponse
// @Router /admin/rate-limits/status [get]
func (h *RateLimitAdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	actionName := r.URL.Query().Get("action")
	key := r.URL.Query().Get("key")
	if actionName == "" || key == "" {
		pkghttp.WriteBadRequest(w, "Both action and key are required")
		return
	}

	action, err := ratelimit.ParseAction(actionName)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Unknown action: "+actionName)
		return
	}

	status, err := h.limiter.CurrentStatus(r.Context(), action, key)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, status)
}
