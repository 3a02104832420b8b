package service

import (
	"context"
	"time"

	"github.com/canvas-market/internal/chain"
	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/metrics"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/storage"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionRepository interface for payment session data operations
type SessionRepository interface {
	Create(ctx context.Context, session *models.PaymentSession) error
	GetByID(ctx context.Context, id string) (*models.PaymentSession, error)
	GetByNonce(ctx context.Context, nonce string) (*models.PaymentSession, error)
	GetBySignature(ctx context.Context, signature string) (*models.PaymentSession, error)
	GetActiveByPlacement(ctx context.Context, placementID int64) (*models.PaymentSession, error)
	MarkPending(ctx context.Context, id string) error
	AttachSignature(ctx context.Context, id, signature string) error
	MarkRetry(ctx context.Context, id string, maxAttempts int) error
	Finalize(ctx context.Context, id string, sessionStatus types.SessionStatus, placementStatus types.PlacementStatus) error
	FindExpired(ctx context.Context, now time.Time) ([]*models.PaymentSession, error)
}

// TransactionVerifier checks a submitted signature against the chain
type TransactionVerifier interface {
	Verify(ctx context.Context, sig solana.Signature, symbol types.TokenSymbol, expectedAmount decimal.Decimal) error
}

// TransactionDriver executes a transfer end to end
type TransactionDriver interface {
	Execute(ctx context.Context, req *chain.ExecuteRequest) (*chain.ExecuteResult, error)
}

// PaymentService owns the payment session state machine. Only this service
// moves sessions between states; every transition is guarded in the
// repository so concurrent calls resolve to exactly one winner.
type PaymentService struct {
	sessions   SessionRepository
	placements PlacementRepository
	holds      HoldStore
	verifier   TransactionVerifier
	driver     TransactionDriver
	recipient  string
	maxRetries int
	timeout    time.Duration
	metrics    *metrics.PaymentMetrics
}

// NewPaymentService creates a payment service
func NewPaymentService(
	sessions SessionRepository,
	placements PlacementRepository,
	holds HoldStore,
	verifier TransactionVerifier,
	driver TransactionDriver,
	recipient string,
	maxRetries int,
	timeout time.Duration,
) *PaymentService {
	return &PaymentService{
		sessions:   sessions,
		placements: placements,
		holds:      holds,
		verifier:   verifier,
		driver:     driver,
		recipient:  recipient,
		maxRetries: maxRetries,
		timeout:    timeout,
		metrics:    metrics.Payments(),
	}
}

// InitializePaymentInput represents input for creating a payment session
type InitializePaymentInput struct {
	PlacementID int64             `json:"placementId"`
	Token       types.TokenSymbol `json:"token,omitempty"`
	Sender      string            `json:"senderWallet"`
	Nonce       string            `json:"nonce,omitempty"`
}

// Initialize creates a payment session for a reserved placement. The amount
// always comes from the placement's stored cost, never from the request.
// A repeated request carrying the same nonce returns the existing session
// unchanged; a placement with an active session gets a conflict.
func (s *PaymentService) Initialize(ctx context.Context, input *InitializePaymentInput) (*models.PaymentSession, error) {
	logger := logging.FromContext(ctx).WithField("placementId", input.PlacementID)

	if err := storage.ValidateWallet(input.Sender); err != nil {
		return nil, err
	}

	placement, err := s.placements.GetByID(ctx, input.PlacementID)
	if err != nil {
		return nil, err
	}
	if placement == nil {
		return nil, apperrors.NewNotFoundError("placement", input.PlacementID)
	}
	if placement.Status == types.PlacementConfirmed {
		return nil, apperrors.NewInvalidStateError("placement is already paid", map[string]interface{}{
			"placementId": placement.ID,
		})
	}
	if placement.Status.IsTerminal() {
		return nil, apperrors.NewInvalidStateError("placement is no longer payable", map[string]interface{}{
			"placementId": placement.ID,
			"status":      placement.Status,
		})
	}
	if input.Token != "" && input.Token != placement.Token {
		return nil, apperrors.NewValidationError("token does not match the placement", map[string]interface{}{
			"placementToken": placement.Token,
			"requested":      input.Token,
		})
	}

	nonce := input.Nonce
	if nonce != "" {
		existing, err := s.sessions.GetByNonce(ctx, nonce)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.WithField("sessionId", existing.ID).Debug("Initialize replay, returning existing session")
			return existing, nil
		}
	} else {
		nonce = uuid.NewString()
	}

	session := &models.PaymentSession{
		ID:          uuid.NewString(),
		PlacementID: placement.ID,
		Sender:      input.Sender,
		Recipient:   s.recipient,
		Amount:      placement.Cost,
		Token:       placement.Token,
		Status:      types.SessionInitialized,
		Nonce:       nonce,
		ExpiresAt:   time.Now().UTC().Add(s.timeout),
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		// Two initialize calls carrying the same nonce can race past the
		// lookup above; the nonce index decides, and the loser returns the
		// winner's session.
		if apperrors.IsCode(err, "CONFLICT") && input.Nonce != "" {
			if existing, lookupErr := s.sessions.GetByNonce(ctx, nonce); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := s.placements.UpdateStatus(ctx, placement.ID, types.PlacementInitialized); err != nil {
		logger.WithError(err).Error("Failed to mark placement initialized")
	}

	s.metrics.ObserveSessionStarted(string(session.Token))
	logger.WithFields(map[string]interface{}{
		"sessionId": session.ID,
		"amount":    session.Amount,
		"token":     session.Token,
	}).Info("Payment session initialized")
	return session, nil
}

// GetSession returns a session by ID
func (s *PaymentService) GetSession(ctx context.Context, id string) (*models.PaymentSession, error) {
	return s.sessions.GetByID(ctx, id)
}

// RecordSubmission attaches a submitted transaction signature to the session
// and moves it to PROCESSING. Re-reporting the same signature is a no-op;
// reporting a different one while the first is in flight is a conflict.
func (s *PaymentService) RecordSubmission(ctx context.Context, sessionID, signature string) (*models.PaymentSession, error) {
	logger := logging.FromContext(ctx).WithField("sessionId", sessionID)

	if _, err := solana.SignatureFromBase58(signature); err != nil {
		return nil, apperrors.NewValidationError("signature is not a valid transaction signature", map[string]interface{}{
			"signature": signature,
		})
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.NewInvalidStateError("session is already settled", map[string]interface{}{
			"sessionId": sessionID,
			"status":    session.Status,
		})
	}
	if session.Signature != nil {
		if *session.Signature == signature {
			return session, nil
		}
		return nil, apperrors.NewConflictError("a different transaction is already submitted for this session", map[string]interface{}{
			"sessionId": sessionID,
		})
	}

	if session.Status == types.SessionInitialized {
		if err := s.sessions.MarkPending(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	if err := s.sessions.AttachSignature(ctx, sessionID, signature); err != nil {
		return nil, err
	}
	if err := s.placements.UpdateStatus(ctx, session.PlacementID, types.PlacementProcessing); err != nil {
		logger.WithError(err).Error("Failed to mark placement processing")
	}

	session.Signature = &signature
	session.Status = types.SessionProcessing
	logger.WithField("signature", signature).Info("Transaction submission recorded")
	return session, nil
}

// Finalize settles a session. The submitted transaction is always verified
// against the chain first; whatever outcome the client reports is ignored.
// A second finalize of a settled session returns INVALID_STATE.
func (s *PaymentService) Finalize(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	logger := logging.FromContext(ctx).WithField("sessionId", sessionID)

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.NewInvalidStateError("session is already settled", map[string]interface{}{
			"sessionId": sessionID,
			"status":    session.Status,
		})
	}
	if session.Signature == nil {
		return nil, apperrors.NewInvalidStateError("no transaction has been submitted for this session", map[string]interface{}{
			"sessionId": sessionID,
		})
	}

	sig, err := solana.SignatureFromBase58(*session.Signature)
	if err != nil {
		return nil, apperrors.NewInternalError("stored signature is malformed", err)
	}
	amount, err := decimal.NewFromString(session.Amount)
	if err != nil {
		return nil, apperrors.NewInternalError("stored amount is malformed", err)
	}

	if verifyErr := s.verifier.Verify(ctx, sig, session.Token, amount); verifyErr != nil {
		return s.handleVerifyFailure(ctx, session, verifyErr)
	}

	if err := s.sessions.Finalize(ctx, sessionID, types.SessionConfirmed, types.PlacementConfirmed); err != nil {
		return nil, err
	}
	s.releaseHold(ctx, session.PlacementID)
	s.metrics.ObserveOutcome(string(session.Token), "confirmed")
	s.metrics.ObserveConfirmLatency(time.Since(session.CreatedAt))

	logger.WithField("signature", *session.Signature).Info("Payment confirmed and placement settled")
	return s.sessions.GetByID(ctx, sessionID)
}

// handleVerifyFailure decides what a verification failure means for the
// session. Transient lookup problems change nothing; a transaction the chain
// rejected consumes a retry, and an exhausted budget settles the placement
// as failed.
func (s *PaymentService) handleVerifyFailure(ctx context.Context, session *models.PaymentSession, verifyErr error) (*models.PaymentSession, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"sessionId": session.ID,
	})

	// The transaction may simply not be visible yet, or the RPC endpoint is
	// down. Neither consumes a retry; the caller can finalize again.
	if apperrors.IsRetryable(verifyErr) || apperrors.IsCode(verifyErr, "NOT_FOUND") {
		return nil, verifyErr
	}

	logger.WithError(verifyErr).Warn("Payment verification failed")

	if session.Attempts < s.maxRetries {
		if err := s.sessions.MarkRetry(ctx, session.ID, s.maxRetries); err != nil {
			return nil, err
		}
		if err := s.placements.UpdateStatus(ctx, session.PlacementID, types.PlacementPaymentRetry); err != nil {
			logger.WithError(err).Error("Failed to mark placement for retry")
		}
		s.metrics.ObserveOutcome(string(session.Token), "retry")
		return nil, verifyErr
	}

	if err := s.sessions.Finalize(ctx, session.ID, types.SessionFailed, types.PlacementPaymentFailed); err != nil {
		return nil, err
	}
	s.releaseHold(ctx, session.PlacementID)
	s.metrics.ObserveOutcome(string(session.Token), "failed")
	s.metrics.ObserveRelease("payment_failed")
	logger.Info("Payment retries exhausted, placement released")
	return nil, verifyErr
}

// Retry returns a failed sub-ceiling attempt to PENDING with the counter
// incremented. Past the ceiling the repository answers with a conflict.
func (s *PaymentService) Retry(ctx context.Context, sessionID string) (*models.PaymentSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.NewInvalidStateError("session is already settled", map[string]interface{}{
			"sessionId": sessionID,
			"status":    session.Status,
		})
	}

	if err := s.sessions.MarkRetry(ctx, sessionID, s.maxRetries); err != nil {
		return nil, err
	}
	if err := s.placements.UpdateStatus(ctx, session.PlacementID, types.PlacementPending); err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to mark placement pending")
	}
	return s.sessions.GetByID(ctx, sessionID)
}

// ExecutePayment drives a session's transfer server-side with a local
// signer. Rejection and insufficient funds leave the session untouched so
// the user can act and try again; a transaction the chain rejected goes
// through the same retry accounting as a client-submitted one.
func (s *PaymentService) ExecutePayment(ctx context.Context, sessionID string, signer chain.Signer) (*models.PaymentSession, error) {
	logger := logging.FromContext(ctx).WithField("sessionId", sessionID)

	if s.driver == nil {
		return nil, apperrors.NewInternalError("no transaction driver is configured", nil)
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, apperrors.NewInvalidStateError("session is already settled", map[string]interface{}{
			"sessionId": sessionID,
			"status":    session.Status,
		})
	}
	if session.Signature != nil {
		return nil, apperrors.NewConflictError("a transaction is already submitted for this session", map[string]interface{}{
			"sessionId": sessionID,
		})
	}

	payer, err := solana.PublicKeyFromBase58(session.Sender)
	if err != nil {
		return nil, apperrors.NewInternalError("stored sender wallet is malformed", err)
	}
	amount, err := decimal.NewFromString(session.Amount)
	if err != nil {
		return nil, apperrors.NewInternalError("stored amount is malformed", err)
	}

	if session.Status == types.SessionInitialized {
		if err := s.sessions.MarkPending(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	result, execErr := s.driver.Execute(ctx, &chain.ExecuteRequest{
		Amount: amount,
		Token:  session.Token,
		Payer:  payer,
		Signer: signer,
	})
	if execErr != nil {
		// Rejection and empty wallets are the user's call to make; neither
		// consumes the retry budget or moves the session.
		if apperrors.IsCode(execErr, "USER_REJECTED") || apperrors.IsCode(execErr, "INSUFFICIENT_FUNDS") {
			s.metrics.ObserveOutcome(string(session.Token), "user_action")
			return nil, execErr
		}
		if apperrors.IsRetryable(execErr) {
			return nil, execErr
		}
		return s.handleVerifyFailure(ctx, session, execErr)
	}

	if err := s.sessions.AttachSignature(ctx, sessionID, result.Signature.String()); err != nil {
		return nil, err
	}
	if err := s.placements.UpdateStatus(ctx, session.PlacementID, types.PlacementProcessing); err != nil {
		logger.WithError(err).Error("Failed to mark placement processing")
	}

	// The driver saw a confirmation; settle through the same independent
	// verification path as a client-reported outcome.
	return s.Finalize(ctx, sessionID)
}

func (s *PaymentService) releaseHold(ctx context.Context, placementID int64) {
	placement, err := s.placements.GetByID(ctx, placementID)
	if err != nil || placement == nil {
		return
	}
	if err := s.holds.ReleaseHold(ctx, placement.Wallet); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to release reservation hold")
	}
}
