package models

import "time"

// QR pending-login statuses
const (
	QrStatusPending = "pending"
	QrStatusUsed    = "used"
)

// QrPendingLogin is the ephemeral record behind a cross-device QR login.
// It lives in the keyed store under the nonce with a short TTL; after
// confirmation it is rewritten to "used" with an even shorter TTL so a late
// duplicate scan gets a definitive "already used" instead of a not-found.
type QrPendingLogin struct {
	Nonce     string    `json:"nonce"`
	Status    string    `json:"status"` // "pending" or "used"
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	IPAddress string    `json:"ip_address"`
	CreatedAt time.Time `json:"created_at"`
}
