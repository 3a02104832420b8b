package service

import (
	"context"
	"time"

	"github.com/canvas-market/internal/chain"
	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/logging"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/storage"
	"github.com/canvas-market/internal/types"
)

// Repository interfaces for dependency injection

// PlacementRepository interface for placement data operations
type PlacementRepository interface {
	Reserve(ctx context.Context, placement *models.Placement) error
	GetByID(ctx context.Context, id int64) (*models.Placement, error)
	FindByPosition(ctx context.Context, x, y int) (*models.Placement, error)
	FindOverlapping(ctx context.Context, rect types.Rect, excludeID *int64) ([]*models.Placement, error)
	ListLive(ctx context.Context) ([]*models.Placement, error)
	UpdateStatus(ctx context.Context, id int64, status types.PlacementStatus) error
	UpdateStatusIf(ctx context.Context, id int64, from []types.PlacementStatus, to types.PlacementStatus) error
	IncrementAttempts(ctx context.Context, id int64) error
	FindStaleUnpaid(ctx context.Context, cutoff time.Time) ([]*models.Placement, error)
}

// HoldStore tracks per-wallet pending reservation pressure in redis
type HoldStore interface {
	AcquireHold(ctx context.Context, wallet string, max int) (bool, error)
	ReleaseHold(ctx context.Context, wallet string) error
}

// PlacementService handles area reservation on the shared canvas
type PlacementService struct {
	placements PlacementRepository
	sessions   SessionRepository
	holds      HoldStore
	registry   *chain.TokenRegistry
	canvas     types.CanvasSpec
	maxPending int
}

// NewPlacementService creates a placement service
func NewPlacementService(
	placements PlacementRepository,
	sessions SessionRepository,
	holds HoldStore,
	registry *chain.TokenRegistry,
	canvas types.CanvasSpec,
	maxPending int,
) *PlacementService {
	return &PlacementService{
		placements: placements,
		sessions:   sessions,
		holds:      holds,
		registry:   registry,
		canvas:     canvas,
		maxPending: maxPending,
	}
}

// ReservePlacementInput represents input for claiming a rectangle
type ReservePlacementInput struct {
	X        int               `json:"x"`
	Y        int               `json:"y"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	ImageURL string            `json:"imageUrl"`
	Wallet   string            `json:"wallet"`
	Token    types.TokenSymbol `json:"token"`
}

// AvailabilityResult reports whether a rectangle can be claimed
type AvailabilityResult struct {
	Available  bool   `json:"available"`
	BlockingID *int64 `json:"blockingPlacementId,omitempty"`
}

// CheckAvailability validates the rectangle and reports whether it overlaps
// any live placement. The answer is advisory: the authoritative overlap check
// happens again inside Reserve under the reservation lock.
func (s *PlacementService) CheckAvailability(ctx context.Context, rect types.Rect, excludeID *int64) (*AvailabilityResult, error) {
	if err := s.canvas.Validate(rect); err != nil {
		return nil, err
	}

	overlapping, err := s.placements.FindOverlapping(ctx, rect, excludeID)
	if err != nil {
		return nil, err
	}
	if len(overlapping) > 0 {
		return &AvailabilityResult{Available: false, BlockingID: &overlapping[0].ID}, nil
	}
	return &AvailabilityResult{Available: true}, nil
}

// Reserve claims a rectangle for the wallet. Geometry, wallet, and token are
// validated server-side and the cost is computed here; nothing the client
// sends about price is trusted. The check-and-insert runs atomically in the
// repository, so of two racing overlapping requests exactly one wins.
func (s *PlacementService) Reserve(ctx context.Context, input *ReservePlacementInput) (*models.Placement, error) {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"wallet": input.Wallet,
		"x":      input.X,
		"y":      input.Y,
	})

	rect := types.Rect{X: input.X, Y: input.Y, Width: input.Width, Height: input.Height}
	if err := s.canvas.Validate(rect); err != nil {
		return nil, err
	}
	if err := storage.ValidateWallet(input.Wallet); err != nil {
		return nil, err
	}
	if input.ImageURL == "" {
		return nil, apperrors.NewValidationError("imageUrl is required", nil)
	}

	tokenInfo, err := s.registry.Lookup(input.Token)
	if err != nil {
		return nil, err
	}
	cost := tokenInfo.CostForPixels(rect.Pixels())

	acquired, err := s.holds.AcquireHold(ctx, input.Wallet, s.maxPending)
	if err != nil {
		// Redis being down must not block reservations; postgres still
		// enforces the overlap invariant.
		logger.WithError(err).Warn("Reservation hold check unavailable, proceeding without it")
	} else if !acquired {
		return nil, apperrors.NewConflictError("too many pending placements for this wallet", map[string]interface{}{
			"wallet": input.Wallet,
			"max":    s.maxPending,
		})
	}

	placement := &models.Placement{
		X:        input.X,
		Y:        input.Y,
		Width:    input.Width,
		Height:   input.Height,
		ImageURL: input.ImageURL,
		Status:   types.PlacementPendingPayment,
		Wallet:   input.Wallet,
		Cost:     cost.String(),
		Token:    tokenInfo.Symbol,
	}

	if err := s.placements.Reserve(ctx, placement); err != nil {
		if acquired {
			if releaseErr := s.holds.ReleaseHold(ctx, input.Wallet); releaseErr != nil {
				logger.WithError(releaseErr).Warn("Failed to release reservation hold")
			}
		}
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"placementId": placement.ID,
		"cost":        placement.Cost,
		"token":       placement.Token,
	}).Info("Placement reserved")
	return placement, nil
}

// Get returns a placement by ID
func (s *PlacementService) Get(ctx context.Context, id int64) (*models.Placement, error) {
	placement, err := s.placements.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if placement == nil {
		return nil, apperrors.NewNotFoundError("placement", id)
	}
	return placement, nil
}

// GetByPosition returns the live placement covering the pixel, if any
func (s *PlacementService) GetByPosition(ctx context.Context, x, y int) (*models.Placement, error) {
	if x < 0 || y < 0 || x >= s.canvas.Size || y >= s.canvas.Size {
		return nil, apperrors.NewValidationError("position is outside the canvas", map[string]interface{}{
			"x": x, "y": y,
		})
	}
	placement, err := s.placements.FindByPosition(ctx, x, y)
	if err != nil {
		return nil, err
	}
	if placement == nil {
		return nil, apperrors.NewNotFoundError("placement at position", map[string]interface{}{"x": x, "y": y})
	}
	return placement, nil
}

// ListLive returns all placements currently reserving canvas space
func (s *PlacementService) ListLive(ctx context.Context) ([]*models.Placement, error) {
	return s.placements.ListLive(ctx)
}

// Cancel releases a placement before its payment completes. The area frees
// up immediately: a cancelled rectangle never waits for the sweeper. A
// confirmed placement cannot be cancelled.
func (s *PlacementService) Cancel(ctx context.Context, id int64) (*models.Placement, error) {
	logger := logging.FromContext(ctx).WithField("placementId", id)

	placement, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if placement.Status.IsTerminal() {
		return nil, apperrors.NewInvalidStateError("placement is already settled", map[string]interface{}{
			"placementId": id,
			"status":      placement.Status,
		})
	}

	active, err := s.sessions.GetActiveByPlacement(ctx, id)
	if err != nil {
		return nil, err
	}
	if active != nil {
		// One transaction settles both rows; a concurrent finalize loses
		// against the status guard and surfaces as INVALID_STATE.
		if err := s.sessions.Finalize(ctx, active.ID, types.SessionFailed, types.PlacementNotInitiated); err != nil {
			return nil, err
		}
	} else {
		nonTerminal := []types.PlacementStatus{
			types.PlacementPendingPayment,
			types.PlacementInitialized,
			types.PlacementPending,
			types.PlacementProcessing,
			types.PlacementPaymentRetry,
		}
		if err := s.placements.UpdateStatusIf(ctx, id, nonTerminal, types.PlacementNotInitiated); err != nil {
			return nil, err
		}
	}

	if err := s.holds.ReleaseHold(ctx, placement.Wallet); err != nil {
		logger.WithError(err).Warn("Failed to release reservation hold")
	}

	placement.Status = types.PlacementNotInitiated
	logger.Info("Placement cancelled, area released")
	return placement, nil
}
