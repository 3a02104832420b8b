package service

import (
	"context"
	"time"

	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/metrics"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/retry"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// SweepService reconciles sessions and placements that outlived their
// payment window. It is the only component that settles abandoned state;
// nothing here depends on a client ever returning.
type SweepService struct {
	sessions    SessionRepository
	placements  PlacementRepository
	holds       HoldStore
	verifier    TransactionVerifier
	staleWindow time.Duration
	retryCfg    *retry.Config
	metrics     *metrics.PaymentMetrics
}

// NewSweepService creates a sweep service
func NewSweepService(
	sessions SessionRepository,
	placements PlacementRepository,
	holds HoldStore,
	verifier TransactionVerifier,
	staleWindow time.Duration,
) *SweepService {
	return &SweepService{
		sessions:    sessions,
		placements:  placements,
		holds:       holds,
		verifier:    verifier,
		staleWindow: staleWindow,
		retryCfg: &retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
		metrics: metrics.Payments(),
	}
}

// SweepReport summarizes one reconciliation pass
type SweepReport struct {
	ExpiredSessions int `json:"expiredSessions"`
	ConfirmedLate   int `json:"confirmedLate"`
	TimedOut        int `json:"timedOut"`
	StaleReleased   int `json:"staleReleased"`
}

// Sweep settles every expired session and releases orphaned reservations.
// A session with a submitted transaction gets one last chance: the chain is
// consulted, and a payment that actually landed is confirmed even though the
// client disappeared. Everything else times out and frees its rectangle.
func (s *SweepService) Sweep(ctx context.Context) (*SweepReport, error) {
	logger := logging.FromContext(ctx)
	now := time.Now().UTC()
	report := &SweepReport{}

	expired, err := s.sessions.FindExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	report.ExpiredSessions = len(expired)

	for _, session := range expired {
		s.settleExpired(ctx, session, report)
	}

	stale, err := s.placements.FindStaleUnpaid(ctx, now.Add(-s.staleWindow))
	if err != nil {
		return nil, err
	}
	for _, placement := range stale {
		err := s.placements.UpdateStatusIf(ctx, placement.ID,
			[]types.PlacementStatus{types.PlacementPendingPayment}, types.PlacementNotInitiated)
		if err != nil {
			// A concurrent initialize or cancel won the race; nothing to do.
			if apperrors.IsCode(err, "INVALID_STATE") {
				continue
			}
			logger.WithError(err).WithField("placementId", placement.ID).Error("Failed to release stale placement")
			continue
		}
		s.releaseHold(ctx, placement.Wallet)
		report.StaleReleased++
	}

	s.metrics.ObserveSweep(map[string]int{
		"confirmed_late": report.ConfirmedLate,
		"timed_out":      report.TimedOut,
		"stale_released": report.StaleReleased,
	})

	if report.ExpiredSessions > 0 || report.StaleReleased > 0 {
		logger.WithFields(map[string]interface{}{
			"expiredSessions": report.ExpiredSessions,
			"confirmedLate":   report.ConfirmedLate,
			"timedOut":        report.TimedOut,
			"staleReleased":   report.StaleReleased,
		}).Info("Reconciliation sweep completed")
	}
	return report, nil
}

func (s *SweepService) settleExpired(ctx context.Context, session *models.PaymentSession, report *SweepReport) {
	logger := logging.FromContext(ctx).WithField("sessionId", session.ID)

	if session.Signature != nil {
		confirmed, skip := s.lastChanceVerify(ctx, session)
		if skip {
			return
		}
		if confirmed {
			if err := s.sessions.Finalize(ctx, session.ID, types.SessionConfirmed, types.PlacementConfirmed); err != nil {
				if !apperrors.IsCode(err, "INVALID_STATE") {
					logger.WithError(err).Error("Failed to confirm expired session")
				}
				return
			}
			s.releaseHoldByPlacement(ctx, session.PlacementID)
			s.metrics.ObserveOutcome(string(session.Token), "confirmed")
			report.ConfirmedLate++
			logger.Info("Expired session confirmed on final verification")
			return
		}
	}

	if err := s.sessions.Finalize(ctx, session.ID, types.SessionTimeout, types.PlacementPaymentTimeout); err != nil {
		if !apperrors.IsCode(err, "INVALID_STATE") {
			logger.WithError(err).Error("Failed to time out expired session")
		}
		return
	}
	s.releaseHoldByPlacement(ctx, session.PlacementID)
	s.metrics.ObserveOutcome(string(session.Token), "timeout")
	s.metrics.ObserveRelease("payment_timeout")
	report.TimedOut++
}

// lastChanceVerify reports (confirmed, skip). skip means the chain could not
// be consulted; the session is left alone for the next sweep rather than
// timed out on a transient error.
func (s *SweepService) lastChanceVerify(ctx context.Context, session *models.PaymentSession) (bool, bool) {
	logger := logging.FromContext(ctx).WithField("sessionId", session.ID)

	sig, err := solana.SignatureFromBase58(*session.Signature)
	if err != nil {
		logger.WithError(err).Error("Stored signature is malformed")
		return false, false
	}
	amount, err := decimal.NewFromString(session.Amount)
	if err != nil {
		logger.WithError(err).Error("Stored amount is malformed")
		return false, false
	}

	result := retry.WithBackoff(ctx, s.retryCfg, apperrors.IsRetryable, func(ctx context.Context, attempt int) error {
		return s.verifier.Verify(ctx, sig, session.Token, amount)
	})
	if result.Success {
		return true, false
	}
	if apperrors.IsRetryable(result.LastError) {
		logger.WithError(result.LastError).Warn("Chain unavailable during sweep, deferring session")
		return false, true
	}
	return false, false
}

func (s *SweepService) releaseHoldByPlacement(ctx context.Context, placementID int64) {
	placement, err := s.placements.GetByID(ctx, placementID)
	if err != nil || placement == nil {
		return
	}
	s.releaseHold(ctx, placement.Wallet)
}

func (s *SweepService) releaseHold(ctx context.Context, wallet string) {
	if err := s.holds.ReleaseHold(ctx, wallet); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to release reservation hold")
	}
}
