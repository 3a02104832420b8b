package models

import (
	"time"

	"github.com/canvas-market/internal/types"
)

// PaymentSession represents one attempt to pay for a placement.
// At most one non-terminal session may exist per placement; a terminal FAILED
// session may be superseded by a fresh session for the same placement.
type PaymentSession struct {
	ID          string              `json:"id" db:"id"` // UUID
	PlacementID int64               `json:"placementId" db:"placement_id"`
	Sender      string              `json:"sender" db:"sender"`
	Recipient   string              `json:"recipient" db:"recipient"`
	Amount      string              `json:"amount" db:"amount"` // decimal string, token-denominated
	Token       types.TokenSymbol   `json:"token" db:"token"`
	Status      types.SessionStatus `json:"status" db:"status"`
	Signature   *string             `json:"signature,omitempty" db:"signature"` // nil until submitted
	Nonce       string              `json:"nonce" db:"nonce"`                   // request idempotence key
	Attempts    int                 `json:"attempts" db:"attempts"`
	ConfirmedAt *time.Time          `json:"confirmedAt,omitempty" db:"confirmed_at"`
	ExpiresAt   time.Time           `json:"expiresAt" db:"expires_at"`
	CreatedAt   time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time           `json:"updatedAt" db:"updated_at"`
}

// Expired reports whether the session has outlived its timeout window
func (s *PaymentSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
