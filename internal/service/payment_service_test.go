package service

import (
	"context"
	"testing"

	"github.com/canvas-market/internal/chain"
	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) initializeSession(t *testing.T, placementID int64) *models.PaymentSession {
	t.Helper()
	session, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: placementID,
		Sender:      solana.NewWallet().PublicKey().String(),
	})
	require.NoError(t, err)
	return session
}

func testSignature(b byte) string {
	return solana.Signature{b}.String()
}

func TestInitializeCreatesSession(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 100, 100)

	session := f.initializeSession(t, placement.ID)

	assert.Equal(t, types.SessionInitialized, session.Status)
	assert.Equal(t, placement.Cost, session.Amount, "amount always comes from the placement, never the request")
	assert.Equal(t, f.recipient, session.Recipient)
	assert.Equal(t, placement.Token, session.Token)
	assert.NotEmpty(t, session.Nonce)

	stored, err := f.placements.GetByID(context.Background(), placement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementInitialized, stored.Status)
}

func TestInitializeNonceIdempotent(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	sender := solana.NewWallet().PublicKey().String()

	first, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: placement.ID,
		Sender:      sender,
		Nonce:       "11111111-2222-3333-4444-555555555555",
	})
	require.NoError(t, err)

	second, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: placement.ID,
		Sender:      sender,
		Nonce:       "11111111-2222-3333-4444-555555555555",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "replayed initialize must return the existing session")
}

func TestInitializeSecondActiveSessionConflicts(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	f.initializeSession(t, placement.ID)

	_, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: placement.ID,
		Sender:      solana.NewWallet().PublicKey().String(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))
}

func TestInitializeConfirmedPlacementRejected(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	f.placements.placements[placement.ID].Status = types.PlacementConfirmed

	_, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: placement.ID,
		Sender:      solana.NewWallet().PublicKey().String(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestInitializeTokenMismatchRejected(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)

	_, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: placement.ID,
		Token:       types.TokenUSDC,
		Sender:      solana.NewWallet().PublicKey().String(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "VALIDATION_ERROR"))
}

func TestInitializeUnknownPlacement(t *testing.T) {
	f := newFixture(t)

	_, err := f.paymentSvc.Initialize(context.Background(), &InitializePaymentInput{
		PlacementID: 42,
		Sender:      solana.NewWallet().PublicKey().String(),
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "NOT_FOUND"))
}

func TestRecordSubmission(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	sig := testSignature(1)

	updated, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, sig)
	require.NoError(t, err)
	assert.Equal(t, types.SessionProcessing, updated.Status)
	require.NotNil(t, updated.Signature)
	assert.Equal(t, sig, *updated.Signature)

	stored, err := f.placements.GetByID(context.Background(), placement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementProcessing, stored.Status)
}

func TestRecordSubmissionIdempotent(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	sig := testSignature(1)

	_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, sig)
	require.NoError(t, err)

	again, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, sig)
	require.NoError(t, err, "re-reporting the same signature is a no-op")
	assert.Equal(t, sig, *again.Signature)

	_, err = f.paymentSvc.RecordSubmission(context.Background(), session.ID, testSignature(2))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))
}

func TestRecordSubmissionMalformedSignature(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)

	_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, "nope")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "VALIDATION_ERROR"))
}

func TestFinalizeConfirmsVerifiedPayment(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, testSignature(1))
	require.NoError(t, err)

	settled, err := f.paymentSvc.Finalize(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionConfirmed, settled.Status)
	assert.NotNil(t, settled.ConfirmedAt)
	assert.Equal(t, 1, f.verifier.calls, "finalize must verify on chain")

	stored, err := f.placements.GetByID(context.Background(), placement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementConfirmed, stored.Status)
}

func TestFinalizeIsNotRepeatable(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, testSignature(1))
	require.NoError(t, err)

	_, err = f.paymentSvc.Finalize(context.Background(), session.ID)
	require.NoError(t, err)

	_, err = f.paymentSvc.Finalize(context.Background(), session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestFinalizeRequiresSubmission(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)

	_, err := f.paymentSvc.Finalize(context.Background(), session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "INVALID_STATE"))
}

func TestFinalizeChainFailureConsumesRetry(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, testSignature(1))
	require.NoError(t, err)

	f.verifier.err = apperrors.NewBlockchainError("transaction failed on chain", "custom error")

	_, err = f.paymentSvc.Finalize(context.Background(), session.ID)
	require.Error(t, err)

	updated, getErr := f.paymentSvc.GetSession(context.Background(), session.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.SessionPending, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
	assert.Nil(t, updated.Signature, "next attempt must submit a fresh transaction")

	stored, getErr := f.placements.GetByID(context.Background(), placement.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.PlacementPaymentRetry, stored.Status)
}

func TestFinalizeExhaustedRetriesSettlesFailed(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	f.verifier.err = apperrors.NewBlockchainError("transaction failed on chain", "custom error")

	for attempt := byte(1); attempt <= 3; attempt++ {
		_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, testSignature(attempt))
		require.NoError(t, err)
		_, err = f.paymentSvc.Finalize(context.Background(), session.ID)
		require.Error(t, err)
	}

	settled, err := f.paymentSvc.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, settled.Status)

	stored, err := f.placements.GetByID(context.Background(), placement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementPaymentFailed, stored.Status)

	// The failed rectangle no longer reserves canvas space.
	result, err := f.placementSvc.CheckAvailability(context.Background(),
		types.Rect{X: 100, Y: 100, Width: 50, Height: 50}, nil)
	require.NoError(t, err)
	assert.True(t, result.Available)
}

func TestFinalizeNetworkErrorLeavesStateAlone(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	_, err := f.paymentSvc.RecordSubmission(context.Background(), session.ID, testSignature(1))
	require.NoError(t, err)

	f.verifier.err = apperrors.NewNetworkError("rpc down", assert.AnError)

	_, err = f.paymentSvc.Finalize(context.Background(), session.ID)
	require.Error(t, err)

	updated, getErr := f.paymentSvc.GetSession(context.Background(), session.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.SessionProcessing, updated.Status, "a transient lookup failure must not consume a retry")
	assert.Equal(t, 0, updated.Attempts)
	assert.NotNil(t, updated.Signature)
}

func TestRetryPastCeilingConflicts(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	f.sessions.sessions[session.ID].Attempts = 2

	_, err := f.paymentSvc.Retry(context.Background(), session.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "CONFLICT"))
}

func TestRetryIncrementsAttempts(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)

	retried, err := f.paymentSvc.Retry(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
}

func TestExecutePaymentConfirms(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	payer := solana.NewWallet()
	f.sessions.sessions[session.ID].Sender = payer.PublicKey().String()

	sig, err := solana.SignatureFromBase58(testSignature(5))
	require.NoError(t, err)
	f.driver.result = &chain.ExecuteResult{Signature: sig, BaseUnits: 250_000_000}

	settled, err := f.paymentSvc.ExecutePayment(context.Background(), session.ID, noopSigner{payer.PublicKey()})
	require.NoError(t, err)
	assert.Equal(t, types.SessionConfirmed, settled.Status)
	assert.Equal(t, 1, f.driver.calls)
	assert.Equal(t, 1, f.verifier.calls, "driver confirmation is still independently verified")

	stored, err := f.placements.GetByID(context.Background(), placement.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlacementConfirmed, stored.Status)
}

func TestExecutePaymentUserRejectionNonTerminal(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	payer := solana.NewWallet()
	f.sessions.sessions[session.ID].Sender = payer.PublicKey().String()
	f.driver.err = apperrors.NewUserRejectedError()

	_, err := f.paymentSvc.ExecutePayment(context.Background(), session.ID, noopSigner{payer.PublicKey()})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, "USER_REJECTED"))

	updated, getErr := f.paymentSvc.GetSession(context.Background(), session.ID)
	require.NoError(t, getErr)
	assert.False(t, updated.Status.IsTerminal(), "rejection must leave the session open")
	assert.Equal(t, 0, updated.Attempts, "rejection must not consume the retry budget")
}

func TestExecutePaymentChainFailureConsumesRetry(t *testing.T) {
	f := newFixture(t)
	placement := f.reserve(t, 100, 100, 50, 50)
	session := f.initializeSession(t, placement.ID)
	payer := solana.NewWallet()
	f.sessions.sessions[session.ID].Sender = payer.PublicKey().String()
	f.driver.err = apperrors.NewBlockchainError("transaction failed on chain", "custom")

	_, err := f.paymentSvc.ExecutePayment(context.Background(), session.ID, noopSigner{payer.PublicKey()})
	require.Error(t, err)

	updated, getErr := f.paymentSvc.GetSession(context.Background(), session.ID)
	require.NoError(t, getErr)
	assert.Equal(t, types.SessionPending, updated.Status)
	assert.Equal(t, 1, updated.Attempts)
}
