// Package types provides common type definitions for the canvas market system.
package types

// PlacementStatus represents the payment state of a claimed canvas rectangle
type PlacementStatus string

const (
	// PlacementPendingPayment represents a placement created at upload time, before any payment exists
	PlacementPendingPayment PlacementStatus = "PENDING_PAYMENT"
	// PlacementInitialized represents a placement whose payment session has been created
	PlacementInitialized PlacementStatus = "INITIALIZED"
	// PlacementPending represents a placement whose payment is awaiting submission
	PlacementPending PlacementStatus = "PENDING"
	// PlacementProcessing represents a placement whose payment transaction is in flight
	PlacementProcessing PlacementStatus = "PROCESSING"
	// PlacementPaymentRetry represents a placement whose payment failed below the retry ceiling
	PlacementPaymentRetry PlacementStatus = "PAYMENT_RETRY"
	// PlacementConfirmed represents a fully paid placement; immutable from here on
	PlacementConfirmed PlacementStatus = "CONFIRMED"
	// PlacementPaymentFailed represents a terminal payment failure; the rectangle is released
	PlacementPaymentFailed PlacementStatus = "PAYMENT_FAILED"
	// PlacementPaymentTimeout represents a payment abandoned past the timeout window
	PlacementPaymentTimeout PlacementStatus = "PAYMENT_TIMEOUT"
	// PlacementNotInitiated represents an explicit user cancellation before payment
	PlacementNotInitiated PlacementStatus = "NOT_INITIATED"
)

// LivePlacementStatuses is the set of statuses that reserve canvas space.
// A rectangle overlapping any placement in one of these states is unavailable.
var LivePlacementStatuses = []PlacementStatus{
	PlacementPendingPayment,
	PlacementInitialized,
	PlacementPending,
	PlacementProcessing,
	PlacementPaymentRetry,
	PlacementConfirmed,
}

// IsLive reports whether the status reserves canvas space
func (s PlacementStatus) IsLive() bool {
	for _, live := range LivePlacementStatuses {
		if s == live {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the placement can no longer change state
func (s PlacementStatus) IsTerminal() bool {
	switch s {
	case PlacementConfirmed, PlacementPaymentFailed, PlacementPaymentTimeout, PlacementNotInitiated:
		return true
	default:
		return false
	}
}

// SessionStatus represents the state of a single payment attempt
type SessionStatus string

const (
	// SessionInitialized represents a freshly created payment session
	SessionInitialized SessionStatus = "INITIALIZED"
	// SessionPending represents a session awaiting transaction submission
	SessionPending SessionStatus = "PENDING"
	// SessionProcessing represents a session with a submitted, unconfirmed transaction
	SessionProcessing SessionStatus = "PROCESSING"
	// SessionConfirmed represents a session whose transaction was verified on chain
	SessionConfirmed SessionStatus = "CONFIRMED"
	// SessionFailed represents a terminal payment failure
	SessionFailed SessionStatus = "FAILED"
	// SessionTimeout represents a session resolved by the reconciliation sweeper
	SessionTimeout SessionStatus = "TIMEOUT"
)

// ActiveSessionStatuses is the set of non-terminal session statuses.
// At most one session per placement may hold one of these.
var ActiveSessionStatuses = []SessionStatus{
	SessionInitialized,
	SessionPending,
	SessionProcessing,
}

// IsTerminal reports whether the session can no longer change state
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionConfirmed, SessionFailed, SessionTimeout:
		return true
	default:
		return false
	}
}

// TokenSymbol identifies a payment token
type TokenSymbol string

const (
	// TokenSOL represents the native Solana token
	TokenSOL TokenSymbol = "SOL"
	// TokenUSDC represents the USDC SPL token
	TokenUSDC TokenSymbol = "USDC"
)

// SolanaNetwork identifies the target cluster
type SolanaNetwork string

const (
	// NetworkMainnet represents mainnet-beta
	NetworkMainnet SolanaNetwork = "mainnet"
	// NetworkDevnet represents the devnet cluster
	NetworkDevnet SolanaNetwork = "devnet"
	// NetworkTestnet represents the testnet cluster
	NetworkTestnet SolanaNetwork = "testnet"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
