package models

import (
	"time"

	"github.com/canvas-market/internal/types"
)

// Placement represents a claimed rectangle on the canvas.
// The rectangle [x, x+width) x [y, y+height) must not overlap any other
// placement whose status is in the live set.
type Placement struct {
	ID              int64                 `json:"id" db:"id"`
	X               int                   `json:"x" db:"x"`
	Y               int                   `json:"y" db:"y"`
	Width           int                   `json:"width" db:"width"`
	Height          int                   `json:"height" db:"height"`
	ImageURL        string                `json:"imageUrl" db:"image_url"`
	Status          types.PlacementStatus `json:"status" db:"status"`
	Wallet          string                `json:"wallet" db:"wallet"`
	Cost            string                `json:"cost" db:"cost"` // decimal string, token-denominated
	Token           types.TokenSymbol     `json:"token" db:"token"`
	PaymentAttempts int                   `json:"paymentAttempts" db:"payment_attempts"`
	CreatedAt       time.Time             `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time             `json:"updatedAt" db:"updated_at"`
}

// Rect returns the placement's rectangle
func (p *Placement) Rect() types.Rect {
	return types.Rect{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height}
}
