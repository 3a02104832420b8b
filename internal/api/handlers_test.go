package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/canvas-market/internal/chain"
	"github.com/canvas-market/internal/config"
	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/service"
	"github.com/canvas-market/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlacementService struct {
	availability *service.AvailabilityResult
	placement    *models.Placement
	placements   []*models.Placement
	err          error

	lastReserve *service.ReservePlacementInput
	lastCancel  int64
}

func (s *stubPlacementService) CheckAvailability(_ context.Context, rect types.Rect, excludeID *int64) (*service.AvailabilityResult, error) {
	return s.availability, s.err
}

func (s *stubPlacementService) Reserve(_ context.Context, input *service.ReservePlacementInput) (*models.Placement, error) {
	s.lastReserve = input
	return s.placement, s.err
}

func (s *stubPlacementService) Get(_ context.Context, id int64) (*models.Placement, error) {
	return s.placement, s.err
}

func (s *stubPlacementService) GetByPosition(_ context.Context, x, y int) (*models.Placement, error) {
	return s.placement, s.err
}

func (s *stubPlacementService) ListLive(_ context.Context) ([]*models.Placement, error) {
	return s.placements, s.err
}

func (s *stubPlacementService) Cancel(_ context.Context, id int64) (*models.Placement, error) {
	s.lastCancel = id
	return s.placement, s.err
}

type stubPaymentService struct {
	session *models.PaymentSession
	err     error

	lastInitialize *service.InitializePaymentInput
	lastSignature  string
}

func (s *stubPaymentService) Initialize(_ context.Context, input *service.InitializePaymentInput) (*models.PaymentSession, error) {
	s.lastInitialize = input
	return s.session, s.err
}

func (s *stubPaymentService) GetSession(_ context.Context, id string) (*models.PaymentSession, error) {
	return s.session, s.err
}

func (s *stubPaymentService) RecordSubmission(_ context.Context, sessionID, signature string) (*models.PaymentSession, error) {
	s.lastSignature = signature
	return s.session, s.err
}

func (s *stubPaymentService) Finalize(_ context.Context, sessionID string) (*models.PaymentSession, error) {
	return s.session, s.err
}

func (s *stubPaymentService) Retry(_ context.Context, sessionID string) (*models.PaymentSession, error) {
	return s.session, s.err
}

type stubSweepService struct {
	report *service.SweepReport
	err    error
}

func (s *stubSweepService) Sweep(_ context.Context) (*service.SweepReport, error) {
	return s.report, s.err
}

type testServer struct {
	server     *Server
	placements *stubPlacementService
	payments   *stubPaymentService
	sweeps     *stubSweepService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	registry, err := chain.NewTokenRegistry(&config.PaymentConfig{
		USDCMint:         "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		SOLRatePerPixel:  "0.0001",
		USDCRatePerPixel: "0.01",
	})
	require.NoError(t, err)

	placements := &stubPlacementService{}
	payments := &stubPaymentService{}
	sweeps := &stubSweepService{}

	cfg := &ServerConfig{
		Host:               "127.0.0.1",
		Port:               "0",
		RateLimitPerMinute: 600,
		RateLimitBurst:     100,
	}

	return &testServer{
		server:     NewServer(cfg, placements, payments, sweeps, registry),
		placements: placements,
		payments:   payments,
		sweeps:     sweeps,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ServiceError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func samplePlacement() *models.Placement {
	now := time.Now().UTC()
	return &models.Placement{
		ID:        42,
		X:         100,
		Y:         200,
		Width:     50,
		Height:    50,
		ImageURL:  "https://cdn.example.com/tile.png",
		Status:    types.PlacementPendingPayment,
		Wallet:    "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Cost:      "0.25",
		Token:     types.TokenSOL,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func sampleSession() *models.PaymentSession {
	now := time.Now().UTC()
	return &models.PaymentSession{
		ID:          "3f1c2a54-7a1e-4b9f-9a31-5a87c3a0f111",
		PlacementID: 42,
		Sender:      "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Recipient:   "7S3P4HxJpyyigGzodYwHtCxZyUQe9JiBMHyRWXArAaKv",
		Amount:      "0.25",
		Token:       types.TokenSOL,
		Status:      types.SessionInitialized,
		Nonce:       "nonce-1",
		ExpiresAt:   now.Add(3 * time.Minute),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAvailabilityEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.availability = &service.AvailabilityResult{Available: true}

	rec := ts.do(t, http.MethodGet, "/api/canvas/availability?x=0&y=0&width=100&height=100", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var result service.AvailabilityResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Available)
}

func TestAvailabilityRejectsMissingParams(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/canvas/availability?x=0&y=0", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
}

func TestAvailabilityRejectsNonNumeric(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/canvas/availability?x=abc&y=0&width=100&height=100", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReservePlacement(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.placement = samplePlacement()

	rec := ts.do(t, http.MethodPost, "/api/placements", map[string]interface{}{
		"x": 100, "y": 200, "width": 50, "height": 50,
		"imageUrl": "https://cdn.example.com/tile.png",
		"wallet":   "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		"token":    "SOL",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, ts.placements.lastReserve)
	assert.Equal(t, 100, ts.placements.lastReserve.X)
	assert.Equal(t, types.TokenSOL, ts.placements.lastReserve.Token)
}

func TestReservePlacementDefaultsToSOL(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.placement = samplePlacement()

	rec := ts.do(t, http.MethodPost, "/api/placements", map[string]interface{}{
		"x": 0, "y": 0, "width": 10, "height": 10,
		"imageUrl": "https://cdn.example.com/tile.png",
		"wallet":   "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, ts.placements.lastReserve)
	assert.Equal(t, types.TokenSOL, ts.placements.lastReserve.Token)
}

func TestReservePlacementConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.err = apperrors.NewConflictError("requested area overlaps an existing placement", nil)

	rec := ts.do(t, http.MethodPost, "/api/placements", map[string]interface{}{
		"x": 0, "y": 0, "width": 10, "height": 10,
		"imageUrl": "https://cdn.example.com/tile.png",
		"wallet":   "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, rec).Code)
}

func TestReservePlacementRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/placements", map[string]interface{}{
		"x": 0, "y": 0, "width": 10, "height": 10, "bogus": true,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPlacements(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.placements = []*models.Placement{samplePlacement()}

	rec := ts.do(t, http.MethodGet, "/api/placements", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Placements []*models.Placement `json:"placements"`
		Count      int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Placements, 1)
	assert.Equal(t, int64(42), body.Placements[0].ID)
}

func TestGetPlacement(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.placement = samplePlacement()

	rec := ts.do(t, http.MethodGet, "/api/placements/42", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetPlacementNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.err = apperrors.NewNotFoundError("placement", int64(99))

	rec := ts.do(t, http.MethodGet, "/api/placements/99", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestGetPlacementRejectsBadID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/placements/not-a-number", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlacementByPosition(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.placement = samplePlacement()

	rec := ts.do(t, http.MethodGet, "/api/placements/position?x=120&y=210", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelPlacement(t *testing.T) {
	ts := newTestServer(t)
	cancelled := samplePlacement()
	cancelled.Status = types.PlacementNotInitiated
	ts.placements.placement = cancelled

	rec := ts.do(t, http.MethodDelete, "/api/placements/42", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), ts.placements.lastCancel)
}

func TestCancelConfirmedPlacement(t *testing.T) {
	ts := newTestServer(t)
	ts.placements.err = apperrors.NewInvalidStateError("placement is already settled", nil)

	rec := ts.do(t, http.MethodDelete, "/api/placements/42", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_STATE", decodeError(t, rec).Code)
}

func TestInitializePayment(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.session = sampleSession()

	rec := ts.do(t, http.MethodPost, "/api/payments", map[string]interface{}{
		"placementId":  42,
		"senderWallet": "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		"nonce":        "nonce-1",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, ts.payments.lastInitialize)
	assert.Equal(t, int64(42), ts.payments.lastInitialize.PlacementID)
	assert.Equal(t, "nonce-1", ts.payments.lastInitialize.Nonce)
}

func TestGetPayment(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.session = sampleSession()

	rec := ts.do(t, http.MethodGet, "/api/payments/"+ts.payments.session.ID, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var session models.PaymentSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, types.SessionInitialized, session.Status)
}

func TestRecordSubmission(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.session = sampleSession()

	rec := ts.do(t, http.MethodPost, "/api/payments/abc/submission", map[string]interface{}{
		"signature": "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW", ts.payments.lastSignature)
}

func TestRecordSubmissionRequiresSignature(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/payments/abc/submission", map[string]interface{}{
		"signature": "",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFinalizePayment(t *testing.T) {
	ts := newTestServer(t)
	confirmed := sampleSession()
	confirmed.Status = types.SessionConfirmed
	ts.payments.session = confirmed

	rec := ts.do(t, http.MethodPost, "/api/payments/abc/finalize", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var session models.PaymentSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, types.SessionConfirmed, session.Status)
}

func TestFinalizePaymentIgnoresClientOutcome(t *testing.T) {
	ts := newTestServer(t)
	confirmed := sampleSession()
	confirmed.Status = types.SessionConfirmed
	ts.payments.session = confirmed

	rec := ts.do(t, http.MethodPost, "/api/payments/abc/finalize", map[string]interface{}{
		"clientOutcome": "failed",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetryPayment(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.session = sampleSession()

	rec := ts.do(t, http.MethodPost, "/api/payments/abc/retry", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRetryPaymentExhausted(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.err = apperrors.NewInvalidStateError("payment attempts exhausted", nil)

	rec := ts.do(t, http.MethodPost, "/api/payments/abc/retry", nil)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPaymentQR(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.session = sampleSession()

	rec := ts.do(t, http.MethodGet, "/api/payments/abc/qr", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.True(t, rec.Body.Len() > 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, rec.Body.Bytes()[:4])
}

func TestPaymentQRForTokenSession(t *testing.T) {
	ts := newTestServer(t)
	session := sampleSession()
	session.Token = types.TokenUSDC
	session.Amount = "25.5"
	ts.payments.session = session

	rec := ts.do(t, http.MethodGet, "/api/payments/abc/qr", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
}

func TestSweepEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.sweeps.report = &service.SweepReport{ExpiredSessions: 2, TimedOut: 1, ConfirmedLate: 1}

	rec := ts.do(t, http.MethodPost, "/api/sweep", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var report service.SweepReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.ExpiredSessions)
}

func TestRateLimitExceeded(t *testing.T) {
	registry, err := chain.NewTokenRegistry(&config.PaymentConfig{
		USDCMint:         "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		SOLRatePerPixel:  "0.0001",
		USDCRatePerPixel: "0.01",
	})
	require.NoError(t, err)

	placements := &stubPlacementService{placements: []*models.Placement{}}
	server := NewServer(&ServerConfig{
		Host:               "127.0.0.1",
		Port:               "0",
		RateLimitPerMinute: 60,
		RateLimitBurst:     2,
	}, placements, &stubPaymentService{}, &stubSweepService{}, registry)

	var limited bool
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/placements", nil)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, rec).Code)
			break
		}
	}
	assert.True(t, limited, "expected the burst budget to run out")
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/placements", nil)
	req.Header.Set("Origin", "https://canvas.example.com")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))
}
