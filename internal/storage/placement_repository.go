package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/types"
	"github.com/jackc/pgx/v5"
)

// Solana wallet address pattern (base58, 32-44 characters)
var walletAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// canvasReservationLockKey serializes overlap-check-plus-insert across
// concurrent reservation requests. One canvas, one key.
const canvasReservationLockKey = int64(7_425_001)

// ValidateWallet validates a Solana wallet address format
func ValidateWallet(wallet string) error {
	if !walletAddressRegex.MatchString(wallet) {
		return apperrors.NewValidationError(
			fmt.Sprintf("invalid wallet address format: %s", wallet),
			map[string]interface{}{"wallet": wallet},
		)
	}
	return nil
}

// PlacementRepository handles placement persistence. It exclusively owns
// placement rows; session finalization goes through SessionRepository which
// updates both tables in one transaction.
type PlacementRepository struct {
	db *PostgresDB
}

// NewPlacementRepository creates a new placement repository
func NewPlacementRepository(db *PostgresDB) *PlacementRepository {
	return &PlacementRepository{db: db}
}

const placementColumns = `
	id, x, y, width, height, image_url, status, wallet,
	cost::text, token, payment_attempts, created_at, updated_at
`

func scanPlacement(row pgx.Row) (*models.Placement, error) {
	var p models.Placement
	err := row.Scan(
		&p.ID, &p.X, &p.Y, &p.Width, &p.Height, &p.ImageURL, &p.Status,
		&p.Wallet, &p.Cost, &p.Token, &p.PaymentAttempts, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Reserve atomically checks the candidate rectangle against all live
// placements and inserts the new row. The advisory transaction lock makes
// the check+insert effectively atomic: of two racing requests for
// overlapping rectangles, exactly one succeeds and the other gets CONFLICT.
func (r *PlacementRepository) Reserve(ctx context.Context, placement *models.Placement) error {
	if err := ValidateWallet(placement.Wallet); err != nil {
		return err
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("begin reserve", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, canvasReservationLockKey); err != nil {
		return apperrors.NewDatabaseError("acquire reservation lock", err)
	}

	var blockingID int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM placements
		WHERE status = ANY($1)
		  AND x < $2 + $4 AND x + width > $2
		  AND y < $3 + $5 AND y + height > $3
		LIMIT 1
	`, livePlacementStatusStrings(), placement.X, placement.Y, placement.Width, placement.Height).Scan(&blockingID)

	if err == nil {
		return apperrors.NewConflictError("requested area overlaps an existing placement", map[string]interface{}{
			"blockingPlacementId": blockingID,
		})
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewDatabaseError("overlap check", err)
	}

	now := time.Now().UTC()
	placement.Status = types.PlacementPendingPayment
	placement.CreatedAt = now
	placement.UpdatedAt = now

	err = tx.QueryRow(ctx, `
		INSERT INTO placements (x, y, width, height, image_url, status, wallet, cost, token, payment_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $10)
		RETURNING id
	`, placement.X, placement.Y, placement.Width, placement.Height, placement.ImageURL,
		placement.Status, placement.Wallet, placement.Cost, placement.Token, now).Scan(&placement.ID)
	if err != nil {
		return apperrors.NewDatabaseError("insert placement", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit reserve", err)
	}
	return nil
}

// GetByID retrieves a placement by its identifier
func (r *PlacementRepository) GetByID(ctx context.Context, id int64) (*models.Placement, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+placementColumns+` FROM placements WHERE id = $1`, id)
	p, err := scanPlacement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("placement", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get placement", err)
	}
	return p, nil
}

// FindByPosition returns the live placement covering the given pixel, if any
func (r *PlacementRepository) FindByPosition(ctx context.Context, x, y int) (*models.Placement, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+placementColumns+` FROM placements
		WHERE status = ANY($1)
		  AND x <= $2 AND x + width > $2
		  AND y <= $3 AND y + height > $3
		LIMIT 1
	`, livePlacementStatusStrings(), x, y)
	p, err := scanPlacement(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("find by position", err)
	}
	return p, nil
}

// FindOverlapping returns all live placements overlapping the rectangle,
// optionally excluding one placement id (used when re-checking an existing
// reservation).
func (r *PlacementRepository) FindOverlapping(ctx context.Context, rect types.Rect, excludeID *int64) ([]*models.Placement, error) {
	exclude := int64(0)
	if excludeID != nil {
		exclude = *excludeID
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+placementColumns+` FROM placements
		WHERE status = ANY($1)
		  AND id <> $6
		  AND x < $2 + $4 AND x + width > $2
		  AND y < $3 + $5 AND y + height > $3
		ORDER BY id
	`, livePlacementStatusStrings(), rect.X, rect.Y, rect.Width, rect.Height, exclude)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find overlapping", err)
	}
	defer rows.Close()

	return collectPlacements(rows)
}

// ListLive returns all placements currently reserving canvas space
func (r *PlacementRepository) ListLive(ctx context.Context) ([]*models.Placement, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+placementColumns+` FROM placements
		WHERE status = ANY($1)
		ORDER BY id
	`, livePlacementStatusStrings())
	if err != nil {
		return nil, apperrors.NewDatabaseError("list live placements", err)
	}
	defer rows.Close()

	return collectPlacements(rows)
}

// UpdateStatus moves a placement to the given status
func (r *PlacementRepository) UpdateStatus(ctx context.Context, id int64, status types.PlacementStatus) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE placements SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return apperrors.NewDatabaseError("update placement status", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("placement", id)
	}
	return nil
}

// UpdateStatusIf transitions a placement only from one of the expected
// statuses. Zero affected rows means the caller lost a status race or the
// placement is already terminal; that is surfaced as INVALID_STATE.
func (r *PlacementRepository) UpdateStatusIf(ctx context.Context, id int64, from []types.PlacementStatus, to types.PlacementStatus) error {
	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE placements SET status = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($2)
	`, id, fromStrs, to)
	if err != nil {
		return apperrors.NewDatabaseError("conditional placement update", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewInvalidStateError(
			fmt.Sprintf("placement %d is not in an eligible state for transition to %s", id, to),
			map[string]interface{}{"placementId": id, "to": to},
		)
	}
	return nil
}

// IncrementAttempts bumps the payment attempt counter
func (r *PlacementRepository) IncrementAttempts(ctx context.Context, id int64) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE placements SET payment_attempts = payment_attempts + 1, updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return apperrors.NewDatabaseError("increment payment attempts", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("placement", id)
	}
	return nil
}

// FindStaleUnpaid returns PENDING_PAYMENT placements older than the cutoff
// with no active payment session. These are uploads abandoned before payment
// was ever initiated; the sweeper resolves them to NOT_INITIATED.
func (r *PlacementRepository) FindStaleUnpaid(ctx context.Context, cutoff time.Time) ([]*models.Placement, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+placementColumns+` FROM placements p
		WHERE p.status = $1
		  AND p.created_at < $2
		  AND NOT EXISTS (
			SELECT 1 FROM payment_sessions s
			WHERE s.placement_id = p.id
			  AND s.status IN ('INITIALIZED', 'PENDING', 'PROCESSING')
		  )
		ORDER BY p.id
	`, types.PlacementPendingPayment, cutoff)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find stale unpaid placements", err)
	}
	defer rows.Close()

	return collectPlacements(rows)
}

func collectPlacements(rows pgx.Rows) ([]*models.Placement, error) {
	var placements []*models.Placement
	for rows.Next() {
		p, err := scanPlacement(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan placement", err)
		}
		placements = append(placements, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate placements", err)
	}
	return placements, nil
}

func livePlacementStatusStrings() []string {
	statuses := make([]string, len(types.LivePlacementStatuses))
	for i, s := range types.LivePlacementStatuses {
		statuses[i] = string(s)
	}
	return statuses
}
