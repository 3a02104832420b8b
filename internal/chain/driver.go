package chain

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
)

// Driver builds, signs, submits, and confirms payment transfers.
// Every attempt fetches fresh chain state: a stale blockhash is a common
// cause of "transaction already processed" failures on retry.
type Driver struct {
	client         RPCClient
	recipient      solana.PublicKey
	registry       *TokenRegistry
	confirmTimeout time.Duration
	pollInterval   time.Duration
}

// DriverConfig holds configuration for the transaction driver
type DriverConfig struct {
	Client         RPCClient
	Recipient      solana.PublicKey
	Registry       *TokenRegistry
	ConfirmTimeout time.Duration // default 180s
	PollInterval   time.Duration // default 2s
}

// NewDriver creates a transaction driver
func NewDriver(cfg *DriverConfig) *Driver {
	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout == 0 {
		confirmTimeout = 180 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 2 * time.Second
	}

	return &Driver{
		client:         cfg.Client,
		recipient:      cfg.Recipient,
		registry:       cfg.Registry,
		confirmTimeout: confirmTimeout,
		pollInterval:   pollInterval,
	}
}

// ExecuteRequest describes one transfer attempt
type ExecuteRequest struct {
	Amount decimal.Decimal // token-denominated display amount
	Token  types.TokenSymbol
	Payer  solana.PublicKey
	Signer Signer
}

// ExecuteResult carries the submitted transaction's identity
type ExecuteResult struct {
	Signature solana.Signature
	BaseUnits uint64
}

// Execute runs a single payment attempt end to end: balance pre-check,
// fresh blockhash, build, sign, submit, confirm. Failures are typed
// (INSUFFICIENT_FUNDS, USER_REJECTED, BLOCKCHAIN_ERROR, NETWORK_ERROR,
// TIMEOUT) so the session manager can decide what each one means for the
// placement.
func (d *Driver) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"payer": req.Payer.String(),
		"token": req.Token,
	})

	tokenInfo, err := d.registry.Lookup(req.Token)
	if err != nil {
		return nil, err
	}

	if !req.Amount.IsPositive() {
		return nil, apperrors.NewValidationError("transfer amount must be positive", map[string]interface{}{
			"amount": req.Amount.String(),
		})
	}

	baseUnits, err := tokenInfo.ToBaseUnits(req.Amount)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error(), nil)
	}

	// Balance check happens before the signer is contacted; a user should
	// never be prompted for a transfer that cannot succeed.
	if err := d.checkBalance(ctx, req.Payer, tokenInfo, baseUnits); err != nil {
		return nil, err
	}

	blockhash, err := d.client.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to fetch recent blockhash", err)
	}

	tx, err := d.buildTransfer(req.Payer, tokenInfo, baseUnits, blockhash)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build transfer transaction", err)
	}

	signed, err := req.Signer.Sign(ctx, tx)
	if err != nil {
		if errors.Is(err, ErrSignatureRejected) {
			logger.Info("Payment signature rejected by wallet")
			return nil, apperrors.NewUserRejectedError()
		}
		return nil, apperrors.NewInternalError("wallet signing failed", err)
	}

	sig, err := d.client.SendTransaction(ctx, signed)
	if err != nil {
		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			return nil, apperrors.NewBlockchainError("transaction was rejected by the network", rpcErr.Message)
		}
		return nil, apperrors.NewNetworkError("failed to submit transaction", err)
	}

	logger.WithField("signature", sig.String()).Info("Payment transaction submitted")

	if err := d.awaitConfirmation(ctx, sig); err != nil {
		return nil, err
	}

	logger.WithField("signature", sig.String()).Info("Payment transaction confirmed")
	return &ExecuteResult{Signature: sig, BaseUnits: baseUnits}, nil
}

func (d *Driver) checkBalance(ctx context.Context, payer solana.PublicKey, tokenInfo TokenInfo, baseUnits uint64) error {
	var available uint64
	var err error

	if tokenInfo.Native {
		available, err = d.client.GetBalance(ctx, payer)
	} else {
		var source solana.PublicKey
		source, _, err = solana.FindAssociatedTokenAddress(payer, tokenInfo.Mint)
		if err != nil {
			return apperrors.NewInternalError("failed to derive token account", err)
		}
		available, err = d.client.GetTokenAccountBalance(ctx, source)
	}
	if err != nil {
		return apperrors.NewNetworkError("failed to check payer balance", err)
	}

	if available < baseUnits {
		return apperrors.NewInsufficientFundsError(
			tokenInfo.FromBaseUnits(baseUnits).String(),
			tokenInfo.FromBaseUnits(available).String(),
			tokenInfo.Symbol,
		)
	}
	return nil
}

func (d *Driver) buildTransfer(payer solana.PublicKey, tokenInfo TokenInfo, baseUnits uint64, blockhash solana.Hash) (*solana.Transaction, error) {
	var instruction solana.Instruction

	if tokenInfo.Native {
		instruction = system.NewTransferInstruction(baseUnits, payer, d.recipient).Build()
	} else {
		source, _, err := solana.FindAssociatedTokenAddress(payer, tokenInfo.Mint)
		if err != nil {
			return nil, err
		}
		destination, _, err := solana.FindAssociatedTokenAddress(d.recipient, tokenInfo.Mint)
		if err != nil {
			return nil, err
		}
		instruction = token.NewTransferCheckedInstruction(
			baseUnits,
			uint8(tokenInfo.Decimals),
			source,
			tokenInfo.Mint,
			destination,
			payer,
			nil,
		).Build()
	}

	return solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash,
		solana.TransactionPayer(payer),
	)
}

// awaitConfirmation polls the signature status until confirmation or the
// timeout. An ambiguous ending (poll errors, deadline reached) triggers one
// manual transaction lookup before failure is declared: the worst outcome is
// a payment that succeeded without the caller ever learning it.
func (d *Driver) awaitConfirmation(ctx context.Context, sig solana.Signature) error {
	deadline := time.Now().Add(d.confirmTimeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	var lastPollErr error

	for time.Now().Before(deadline) {
		status, err := d.client.GetSignatureStatus(ctx, sig)
		if err != nil {
			lastPollErr = err
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return apperrors.NewNetworkError("confirmation cancelled", ctx.Err())
			}
		}
		lastPollErr = nil

		if status != nil {
			if status.Err != nil {
				return apperrors.NewBlockchainError("transaction failed on chain", status.Err)
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return apperrors.NewNetworkError("confirmation cancelled", ctx.Err())
		}
	}

	// Deadline reached. Re-check by direct lookup in case polling missed an
	// accepted transaction.
	detail, err := d.client.GetTransaction(ctx, sig)
	if err == nil && detail != nil {
		if detail.Err == nil {
			return nil
		}
		return apperrors.NewBlockchainError("transaction failed on chain", detail.Err)
	}

	if lastPollErr != nil {
		return apperrors.NewNetworkError("confirmation polling failed", lastPollErr)
	}
	return apperrors.NewTimeoutError("transaction confirmation timed out")
}
