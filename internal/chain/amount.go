// Package chain drives Solana payment transactions: building and submitting
// transfers, confirming them, and independently verifying them against the
// blockchain before any local record is trusted.
package chain

import (
	"fmt"

	"github.com/canvas-market/internal/config"
	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// TokenInfo describes a payment token and its on-chain representation
type TokenInfo struct {
	Symbol   types.TokenSymbol
	Decimals int32
	Native   bool             // true for SOL, false for SPL tokens
	Mint     solana.PublicKey // zero for the native token
	Rate     decimal.Decimal  // price per pixel, token-denominated
}

// TokenRegistry resolves token symbols to their chain metadata
type TokenRegistry struct {
	tokens map[types.TokenSymbol]TokenInfo
}

// NewTokenRegistry builds the registry from payment configuration
func NewTokenRegistry(cfg *config.PaymentConfig) (*TokenRegistry, error) {
	solRate, err := decimal.NewFromString(cfg.SOLRatePerPixel)
	if err != nil {
		return nil, fmt.Errorf("invalid SOL rate %q: %w", cfg.SOLRatePerPixel, err)
	}
	usdcRate, err := decimal.NewFromString(cfg.USDCRatePerPixel)
	if err != nil {
		return nil, fmt.Errorf("invalid USDC rate %q: %w", cfg.USDCRatePerPixel, err)
	}
	usdcMint, err := solana.PublicKeyFromBase58(cfg.USDCMint)
	if err != nil {
		return nil, fmt.Errorf("invalid USDC mint %q: %w", cfg.USDCMint, err)
	}

	return &TokenRegistry{
		tokens: map[types.TokenSymbol]TokenInfo{
			types.TokenSOL: {
				Symbol:   types.TokenSOL,
				Decimals: 9,
				Native:   true,
				Rate:     solRate,
			},
			types.TokenUSDC: {
				Symbol:   types.TokenUSDC,
				Decimals: 6,
				Native:   false,
				Mint:     usdcMint,
				Rate:     usdcRate,
			},
		},
	}, nil
}

// Lookup resolves a token symbol
func (r *TokenRegistry) Lookup(symbol types.TokenSymbol) (TokenInfo, error) {
	info, ok := r.tokens[symbol]
	if !ok {
		return TokenInfo{}, apperrors.NewValidationError(
			fmt.Sprintf("unsupported payment token: %s", symbol),
			map[string]interface{}{"token": symbol},
		)
	}
	return info, nil
}

// CostForPixels computes the display cost for a pixel count, truncated to
// the token's decimal precision. Truncation, never rounding: the system must
// never charge more than pixels x rate.
func (t TokenInfo) CostForPixels(pixels int) decimal.Decimal {
	return t.Rate.Mul(decimal.NewFromInt(int64(pixels))).Truncate(t.Decimals)
}

// ToBaseUnits converts a token-denominated amount to the chain's smallest
// integer unit (lamports for SOL), truncating any excess precision.
func (t TokenInfo) ToBaseUnits(amount decimal.Decimal) (uint64, error) {
	base := amount.Truncate(t.Decimals).Shift(t.Decimals)
	if base.IsNegative() {
		return 0, fmt.Errorf("amount %s is negative", amount)
	}
	if !base.IsInteger() {
		return 0, fmt.Errorf("amount %s does not fit %d decimals", amount, t.Decimals)
	}
	return uint64(base.IntPart()), nil
}

// FromBaseUnits converts smallest-unit amounts back to display precision
func (t TokenInfo) FromBaseUnits(base uint64) decimal.Decimal {
	return decimal.NewFromUint64(base).Shift(-t.Decimals)
}

// ParseAmount parses a decimal string amount for this token
func (t TokenInfo) ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, apperrors.NewValidationError(
			fmt.Sprintf("invalid amount %q", s),
			map[string]interface{}{"amount": s},
		)
	}
	return amount, nil
}
