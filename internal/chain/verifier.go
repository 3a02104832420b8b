package chain

import (
	"context"
	"strconv"

	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Verifier performs independent on-chain verification of a submitted
// payment. It never trusts what the client claims about a signature:
// the transaction is fetched from the chain and the recipient's actual
// credit is compared against the amount the session requires.
type Verifier struct {
	client    RPCClient
	recipient solana.PublicKey
	registry  *TokenRegistry
}

// NewVerifier creates a transaction verifier
func NewVerifier(client RPCClient, recipient solana.PublicKey, registry *TokenRegistry) *Verifier {
	return &Verifier{
		client:    client,
		recipient: recipient,
		registry:  registry,
	}
}

// Verify fetches the transaction behind the signature and checks that it
// succeeded and credited the recipient with exactly the expected amount.
// Network fees are paid by the sender on top of the transfer, so the
// comparison is exact, not approximate. Verification is read-only and
// safe to repeat for the same signature.
func (v *Verifier) Verify(ctx context.Context, sig solana.Signature, symbol types.TokenSymbol, expectedAmount decimal.Decimal) error {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"signature": sig.String(),
		"token":     symbol,
	})

	tokenInfo, err := v.registry.Lookup(symbol)
	if err != nil {
		return err
	}

	expectedBase, err := tokenInfo.ToBaseUnits(expectedAmount)
	if err != nil {
		return apperrors.NewValidationError(err.Error(), nil)
	}

	detail, err := v.client.GetTransaction(ctx, sig)
	if err != nil {
		return apperrors.NewNetworkError("failed to fetch transaction", err)
	}
	if detail == nil {
		return apperrors.NewNotFoundError("transaction", sig.String())
	}
	if detail.Err != nil {
		return apperrors.NewBlockchainError("transaction failed on chain", detail.Err)
	}

	var credited uint64
	if tokenInfo.Native {
		credited, err = v.nativeCredit(detail)
	} else {
		credited, err = v.tokenCredit(detail, tokenInfo.Mint)
	}
	if err != nil {
		return err
	}

	if credited != expectedBase {
		logger.WithFields(map[string]interface{}{
			"expected": expectedBase,
			"credited": credited,
		}).Warn("Transaction amount does not match payment session")
		return apperrors.NewBlockchainError("transfer amount does not match the payment session", map[string]interface{}{
			"expected": tokenInfo.FromBaseUnits(expectedBase).String(),
			"credited": tokenInfo.FromBaseUnits(credited).String(),
		})
	}

	logger.Debug("Transaction verified against payment session")
	return nil
}

// nativeCredit computes the lamports gained by the recipient account,
// using the balance snapshots the runtime records around execution.
func (v *Verifier) nativeCredit(detail *TransactionDetail) (uint64, error) {
	for i, key := range detail.AccountKeys {
		if !key.Equals(v.recipient) {
			continue
		}
		if i >= len(detail.PreBalances) || i >= len(detail.PostBalances) {
			return 0, apperrors.NewBlockchainError("transaction balance metadata is incomplete", nil)
		}
		pre := detail.PreBalances[i]
		post := detail.PostBalances[i]
		if post < pre {
			return 0, nil
		}
		return post - pre, nil
	}
	return 0, apperrors.NewBlockchainError("transaction does not touch the recipient account", nil)
}

// tokenCredit computes the base-unit gain on the recipient's token account
// for the given mint. A missing pre-balance entry means the associated
// account was created by this transaction and started at zero.
func (v *Verifier) tokenCredit(detail *TransactionDetail, mint solana.PublicKey) (uint64, error) {
	pre := uint64(0)
	post := uint64(0)
	found := false

	for _, balance := range detail.PreTokenBalances {
		if balance.Owner == nil || !balance.Owner.Equals(v.recipient) || !balance.Mint.Equals(mint) {
			continue
		}
		amount, err := parseTokenAmount(balance.UiTokenAmount.Amount)
		if err != nil {
			return 0, err
		}
		pre = amount
	}

	for _, balance := range detail.PostTokenBalances {
		if balance.Owner == nil || !balance.Owner.Equals(v.recipient) || !balance.Mint.Equals(mint) {
			continue
		}
		amount, err := parseTokenAmount(balance.UiTokenAmount.Amount)
		if err != nil {
			return 0, err
		}
		post = amount
		found = true
	}

	if !found {
		return 0, apperrors.NewBlockchainError("transaction does not credit the recipient token account", nil)
	}
	if post < pre {
		return 0, nil
	}
	return post - pre, nil
}

func parseTokenAmount(raw string) (uint64, error) {
	amount, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewBlockchainError("transaction token balance is malformed", err.Error())
	}
	return amount, nil
}
