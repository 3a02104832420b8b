package service

import (
	"context"
	"time"

	"github.com/canvas-market/internal/chain"
	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/types"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Mock repositories for testing. They enforce the same guards as the real
// repositories so state machine tests exercise the actual race semantics.

type mockPlacementRepo struct {
	placements map[int64]*models.Placement
	nextID     int64
}

func newMockPlacementRepo() *mockPlacementRepo {
	return &mockPlacementRepo{placements: make(map[int64]*models.Placement)}
}

func (m *mockPlacementRepo) Reserve(ctx context.Context, placement *models.Placement) error {
	for _, existing := range m.placements {
		if existing.Status.IsLive() && existing.Rect().Overlaps(placement.Rect()) {
			return apperrors.NewConflictError("requested area overlaps an existing placement", map[string]interface{}{
				"blockingPlacementId": existing.ID,
			})
		}
	}
	m.nextID++
	placement.ID = m.nextID
	placement.CreatedAt = time.Now().UTC()
	placement.UpdatedAt = placement.CreatedAt
	m.placements[placement.ID] = placement
	return nil
}

func (m *mockPlacementRepo) GetByID(ctx context.Context, id int64) (*models.Placement, error) {
	if p, ok := m.placements[id]; ok {
		return p, nil
	}
	return nil, apperrors.NewNotFoundError("placement", id)
}

func (m *mockPlacementRepo) FindByPosition(ctx context.Context, x, y int) (*models.Placement, error) {
	point := types.Rect{X: x, Y: y, Width: 1, Height: 1}
	for _, p := range m.placements {
		if p.Status.IsLive() && p.Rect().Overlaps(point) {
			return p, nil
		}
	}
	return nil, nil
}

func (m *mockPlacementRepo) FindOverlapping(ctx context.Context, rect types.Rect, excludeID *int64) ([]*models.Placement, error) {
	var result []*models.Placement
	for _, p := range m.placements {
		if excludeID != nil && p.ID == *excludeID {
			continue
		}
		if p.Status.IsLive() && p.Rect().Overlaps(rect) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockPlacementRepo) ListLive(ctx context.Context) ([]*models.Placement, error) {
	var result []*models.Placement
	for _, p := range m.placements {
		if p.Status.IsLive() {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *mockPlacementRepo) UpdateStatus(ctx context.Context, id int64, status types.PlacementStatus) error {
	p, ok := m.placements[id]
	if !ok {
		return apperrors.NewNotFoundError("placement", id)
	}
	p.Status = status
	return nil
}

func (m *mockPlacementRepo) UpdateStatusIf(ctx context.Context, id int64, from []types.PlacementStatus, to types.PlacementStatus) error {
	p, ok := m.placements[id]
	if !ok {
		return apperrors.NewNotFoundError("placement", id)
	}
	for _, allowed := range from {
		if p.Status == allowed {
			p.Status = to
			return nil
		}
	}
	return apperrors.NewInvalidStateError("placement state changed concurrently", nil)
}

func (m *mockPlacementRepo) IncrementAttempts(ctx context.Context, id int64) error {
	p, ok := m.placements[id]
	if !ok {
		return apperrors.NewNotFoundError("placement", id)
	}
	p.PaymentAttempts++
	return nil
}

func (m *mockPlacementRepo) FindStaleUnpaid(ctx context.Context, cutoff time.Time) ([]*models.Placement, error) {
	var result []*models.Placement
	for _, p := range m.placements {
		if p.Status == types.PlacementPendingPayment && p.CreatedAt.Before(cutoff) {
			result = append(result, p)
		}
	}
	return result, nil
}

type mockSessionRepo struct {
	sessions   map[string]*models.PaymentSession
	placements *mockPlacementRepo
}

func newMockSessionRepo(placements *mockPlacementRepo) *mockSessionRepo {
	return &mockSessionRepo{
		sessions:   make(map[string]*models.PaymentSession),
		placements: placements,
	}
}

func (m *mockSessionRepo) Create(ctx context.Context, session *models.PaymentSession) error {
	for _, existing := range m.sessions {
		if existing.Nonce == session.Nonce {
			return apperrors.NewConflictError("duplicate initialize request", map[string]interface{}{
				"nonce": session.Nonce,
			})
		}
		if existing.PlacementID == session.PlacementID && !existing.Status.IsTerminal() {
			return apperrors.NewConflictError("an active payment session already exists for this placement", map[string]interface{}{
				"placementId": session.PlacementID,
			})
		}
	}
	session.CreatedAt = time.Now().UTC()
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = session
	return nil
}

func (m *mockSessionRepo) GetByID(ctx context.Context, id string) (*models.PaymentSession, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, apperrors.NewNotFoundError("payment session", id)
}

func (m *mockSessionRepo) GetByNonce(ctx context.Context, nonce string) (*models.PaymentSession, error) {
	for _, s := range m.sessions {
		if s.Nonce == nonce {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) GetBySignature(ctx context.Context, signature string) (*models.PaymentSession, error) {
	for _, s := range m.sessions {
		if s.Signature != nil && *s.Signature == signature {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) GetActiveByPlacement(ctx context.Context, placementID int64) (*models.PaymentSession, error) {
	for _, s := range m.sessions {
		if s.PlacementID == placementID && !s.Status.IsTerminal() {
			return s, nil
		}
	}
	return nil, nil
}

func (m *mockSessionRepo) MarkPending(ctx context.Context, id string) error {
	s, ok := m.sessions[id]
	if !ok || s.Status != types.SessionInitialized {
		return apperrors.NewInvalidStateError("session is not in INITIALIZED state", nil)
	}
	s.Status = types.SessionPending
	return nil
}

func (m *mockSessionRepo) AttachSignature(ctx context.Context, id, signature string) error {
	for _, other := range m.sessions {
		if other.ID != id && other.Signature != nil && *other.Signature == signature {
			return apperrors.NewConflictError("signature is already attached to another session", nil)
		}
	}
	s, ok := m.sessions[id]
	if !ok || s.Signature != nil || s.Status.IsTerminal() {
		return apperrors.NewInvalidStateError("session cannot accept a signature in its current state", nil)
	}
	s.Signature = &signature
	s.Status = types.SessionProcessing
	return nil
}

func (m *mockSessionRepo) MarkRetry(ctx context.Context, id string, maxAttempts int) error {
	s, ok := m.sessions[id]
	if !ok || s.Status.IsTerminal() || s.Attempts >= maxAttempts {
		return apperrors.NewConflictError("session has exhausted its retry budget or is terminal", nil)
	}
	s.Status = types.SessionPending
	s.Signature = nil
	s.Attempts++
	return nil
}

func (m *mockSessionRepo) Finalize(ctx context.Context, id string, sessionStatus types.SessionStatus, placementStatus types.PlacementStatus) error {
	s, ok := m.sessions[id]
	if !ok || s.Status.IsTerminal() {
		return apperrors.NewInvalidStateError("session is already terminal", nil)
	}
	p, okP := m.placements.placements[s.PlacementID]
	if !okP || p.Status == types.PlacementConfirmed {
		return apperrors.NewInvalidStateError("placement is already confirmed", nil)
	}
	s.Status = sessionStatus
	if sessionStatus == types.SessionConfirmed {
		now := time.Now().UTC()
		s.ConfirmedAt = &now
	}
	p.Status = placementStatus
	return nil
}

func (m *mockSessionRepo) FindExpired(ctx context.Context, now time.Time) ([]*models.PaymentSession, error) {
	var result []*models.PaymentSession
	for _, s := range m.sessions {
		if !s.Status.IsTerminal() && s.Expired(now) {
			result = append(result, s)
		}
	}
	return result, nil
}

type mockHoldStore struct {
	counts     map[string]int
	acquireErr error
	releaseErr error
}

func newMockHoldStore() *mockHoldStore {
	return &mockHoldStore{counts: make(map[string]int)}
}

func (m *mockHoldStore) AcquireHold(ctx context.Context, wallet string, max int) (bool, error) {
	if m.acquireErr != nil {
		return false, m.acquireErr
	}
	if m.counts[wallet] >= max {
		return false, nil
	}
	m.counts[wallet]++
	return true, nil
}

func (m *mockHoldStore) ReleaseHold(ctx context.Context, wallet string) error {
	if m.releaseErr != nil {
		return m.releaseErr
	}
	if m.counts[wallet] > 0 {
		m.counts[wallet]--
	}
	return nil
}

type mockVerifier struct {
	err   error
	calls int
}

func (m *mockVerifier) Verify(ctx context.Context, sig solana.Signature, symbol types.TokenSymbol, expectedAmount decimal.Decimal) error {
	m.calls++
	return m.err
}

type noopSigner struct {
	key solana.PublicKey
}

func (s noopSigner) PublicKey() solana.PublicKey { return s.key }

func (s noopSigner) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	return tx, nil
}

type mockDriver struct {
	result *chain.ExecuteResult
	err    error
	calls  int
}

func (m *mockDriver) Execute(ctx context.Context, req *chain.ExecuteRequest) (*chain.ExecuteResult, error) {
	m.calls++
	return m.result, m.err
}
