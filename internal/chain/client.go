package chain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/canvas-market/internal/circuitbreaker"
	"github.com/canvas-market/internal/logging"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPCClient is the blockchain RPC surface the driver and verifier depend on.
// Narrowed to an interface so payment logic can be tested against a fake
// endpoint.
type RPCClient interface {
	// GetBalance returns the account's lamport balance
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// GetTokenAccountBalance returns the SPL token balance of a token account
	// in base units
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error)

	// GetLatestBlockhash fetches a fresh blockhash. Must be called
	// immediately before requesting a signature; blockhashes are never
	// reused across attempts.
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)

	// SendTransaction submits a signed transaction to the network
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// GetSignatureStatus returns the confirmation status for a signature,
	// or nil if the network has not seen it
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error)

	// GetTransaction fetches a confirmed transaction with metadata by
	// signature, or nil if it does not exist on chain
	GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionDetail, error)
}

// TransactionDetail is the slice of a confirmed transaction the payment
// flow inspects: execution outcome plus the balance snapshots surrounding
// it. Balance slices are indexed by position in AccountKeys.
type TransactionDetail struct {
	Slot              uint64
	Err               interface{}
	AccountKeys       []solana.PublicKey
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []rpc.TokenBalance
	PostTokenBalances []rpc.TokenBalance
}

// Client implements RPCClient over one or two RPC endpoints with failover.
// Strategy follows the endpoint pool used for chain scanning: stick with the
// primary until it fails, switch to the fallback, and return after a cooldown.
type Client struct {
	endpoints []string
	clients   []*rpc.Client
	breakers  []*circuitbreaker.CircuitBreaker

	mu           sync.RWMutex
	currentIndex int
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
}

// ClientConfig holds configuration for creating an RPC client
type ClientConfig struct {
	Primary      string
	Fallback     string // optional
	CooldownTime time.Duration
}

// NewClient creates an RPC client with optional fallback endpoint
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil || cfg.Primary == "" {
		return nil, fmt.Errorf("a primary RPC endpoint is required")
	}

	endpoints := []string{cfg.Primary}
	if cfg.Fallback != "" {
		endpoints = append(endpoints, cfg.Fallback)
	}

	cooldownTime := cfg.CooldownTime
	if cooldownTime == 0 {
		cooldownTime = 60 * time.Second
	}

	c := &Client{
		endpoints:    endpoints,
		clients:      make([]*rpc.Client, len(endpoints)),
		breakers:     make([]*circuitbreaker.CircuitBreaker, len(endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cooldownTime,
	}
	for i, endpoint := range endpoints {
		c.clients[i] = rpc.New(endpoint)
		c.breakers[i] = circuitbreaker.NewCircuitBreaker(
			circuitbreaker.DefaultConfig(fmt.Sprintf("solana-rpc-%d", i)))
	}

	return c, nil
}

// call runs fn against the current endpoint, failing over to the next
// available one on transport-level errors. JSON-RPC errors come from a
// healthy endpoint and are returned as-is.
func (c *Client) call(ctx context.Context, fn func(client *rpc.Client) error) error {
	var lastErr error

	for i := 0; i < len(c.endpoints); i++ {
		index := c.pickEndpoint()
		breaker := c.breakers[index]

		err := breaker.Execute(ctx, func() error {
			return fn(c.clients[index])
		})
		if err == nil {
			return nil
		}

		var rpcErr *jsonrpc.RPCError
		if errors.As(err, &rpcErr) {
			// The endpoint answered; this is a chain-level error
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		lastErr = err
		c.markUnavailable(index)
	}

	return lastErr
}

func (c *Client) pickEndpoint() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentIndex
}

func (c *Client) markUnavailable(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cooldowns[index] = time.Now()
	logging.WithFields(map[string]interface{}{
		"endpoint": index,
		"url":      c.endpoints[index],
	}).Warn("RPC endpoint unavailable, switching")

	for i := 1; i <= len(c.endpoints); i++ {
		next := (index + i) % len(c.endpoints)
		if until, cooling := c.cooldowns[next]; !cooling || time.Since(until) > c.cooldownTime {
			c.currentIndex = next
			return
		}
	}
	// Everything is cooling down; stay put and let the breaker pace retries
	c.currentIndex = index
}

// GetBalance implements RPCClient
func (c *Client) GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var balance uint64
	err := c.call(ctx, func(client *rpc.Client) error {
		out, err := client.GetBalance(ctx, account, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		balance = out.Value
		return nil
	})
	return balance, err
}

// GetTokenAccountBalance implements RPCClient
func (c *Client) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var balance uint64
	err := c.call(ctx, func(client *rpc.Client) error {
		out, err := client.GetTokenAccountBalance(ctx, account, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if out.Value == nil {
			balance = 0
			return nil
		}
		parsed, err := strconv.ParseUint(out.Value.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("unparseable token balance %q: %w", out.Value.Amount, err)
		}
		balance = parsed
		return nil
	})
	return balance, err
}

// GetLatestBlockhash implements RPCClient
func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var blockhash solana.Hash
	err := c.call(ctx, func(client *rpc.Client) error {
		out, err := client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		blockhash = out.Value.Blockhash
		return nil
	})
	return blockhash, err
}

// SendTransaction implements RPCClient
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, func(client *rpc.Client) error {
		out, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return err
		}
		sig = out
		return nil
	})
	return sig, err
}

// GetSignatureStatus implements RPCClient
func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	var status *rpc.SignatureStatusesResult
	err := c.call(ctx, func(client *rpc.Client) error {
		out, err := client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}
		if len(out.Value) > 0 {
			status = out.Value[0]
		}
		return nil
	})
	return status, err
}

// GetTransaction implements RPCClient
func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionDetail, error) {
	var detail *TransactionDetail
	err := c.call(ctx, func(client *rpc.Client) error {
		out, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Commitment: rpc.CommitmentConfirmed,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			detail = nil
			return nil
		}
		if err != nil {
			return err
		}
		detail, err = flattenTransaction(out)
		return err
	})
	return detail, err
}

// flattenTransaction unwraps the RPC envelope into the fields the
// verifier reads. Decoding happens here so callers never see the raw
// wire representation.
func flattenTransaction(out *rpc.GetTransactionResult) (*TransactionDetail, error) {
	detail := &TransactionDetail{Slot: out.Slot}
	if out.Meta != nil {
		detail.Err = out.Meta.Err
		detail.PreBalances = out.Meta.PreBalances
		detail.PostBalances = out.Meta.PostBalances
		detail.PreTokenBalances = out.Meta.PreTokenBalances
		detail.PostTokenBalances = out.Meta.PostTokenBalances
	}
	if out.Transaction != nil {
		tx, err := out.Transaction.GetTransaction()
		if err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		detail.AccountKeys = tx.Message.AccountKeys
	}
	return detail, nil
}
