package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/canvas-market/internal/errors"
	"github.com/canvas-market/internal/models"
	"github.com/canvas-market/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// SessionRepository handles payment session persistence. It exclusively owns
// session rows and coordinates with the placements table for transitions
// that affect placement visibility (finalize runs both updates in one
// transaction).
type SessionRepository struct {
	db *PostgresDB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *PostgresDB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `
	id, placement_id, sender, recipient, amount::text, token, status,
	signature, nonce, attempts, confirmed_at, expires_at, created_at, updated_at
`

func scanSession(row pgx.Row) (*models.PaymentSession, error) {
	var s models.PaymentSession
	err := row.Scan(
		&s.ID, &s.PlacementID, &s.Sender, &s.Recipient, &s.Amount, &s.Token,
		&s.Status, &s.Signature, &s.Nonce, &s.Attempts, &s.ConfirmedAt,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new payment session. The partial unique index on
// placement_id rejects a second active session for the same placement; the
// nonce index rejects a replayed initialize request.
func (r *SessionRepository) Create(ctx context.Context, session *models.PaymentSession) error {
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO payment_sessions
			(id, placement_id, sender, recipient, amount, token, status, nonce, attempts, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, session.ID, session.PlacementID, session.Sender, session.Recipient,
		session.Amount, session.Token, session.Status, session.Nonce,
		session.Attempts, session.ExpiresAt, now)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case "idx_sessions_nonce":
			return apperrors.NewConflictError("duplicate initialize request", map[string]interface{}{
				"nonce": session.Nonce,
			})
		default:
			return apperrors.NewConflictError("an active payment session already exists for this placement", map[string]interface{}{
				"placementId": session.PlacementID,
			})
		}
	}
	if err != nil {
		return apperrors.NewDatabaseError("create session", err)
	}
	return nil
}

// GetByID retrieves a session by its identifier
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.PaymentSession, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("payment session", id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get session", err)
	}
	return s, nil
}

// GetByNonce retrieves the session created by a previous initialize request
// carrying the same idempotence nonce
func (r *SessionRepository) GetByNonce(ctx context.Context, nonce string) (*models.PaymentSession, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE nonce = $1`, nonce)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get session by nonce", err)
	}
	return s, nil
}

// GetBySignature retrieves the session a transaction signature is attached to
func (r *SessionRepository) GetBySignature(ctx context.Context, signature string) (*models.PaymentSession, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE signature = $1`, signature)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get session by signature", err)
	}
	return s, nil
}

// GetActiveByPlacement retrieves the single non-terminal session for a
// placement, if one exists
func (r *SessionRepository) GetActiveByPlacement(ctx context.Context, placementID int64) (*models.PaymentSession, error) {
	row := r.db.Pool().QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE placement_id = $1 AND status = ANY($2)
	`, placementID, activeSessionStatusStrings())
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get active session", err)
	}
	return s, nil
}

// MarkPending moves a freshly initialized session to PENDING
func (r *SessionRepository) MarkPending(ctx context.Context, id string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE payment_sessions SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, types.SessionPending, types.SessionInitialized)
	if err != nil {
		return apperrors.NewDatabaseError("mark session pending", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewInvalidStateError(
			fmt.Sprintf("session %s is not in INITIALIZED state", id), nil)
	}
	return nil
}

// AttachSignature records the submitted transaction signature and moves the
// session to PROCESSING. The guard only fires from non-terminal states with
// no signature attached; idempotence and superseding-signature conflicts are
// decided by the caller against the loaded session.
func (r *SessionRepository) AttachSignature(ctx context.Context, id, signature string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE payment_sessions
		SET signature = $2, status = $3, updated_at = now()
		WHERE id = $1 AND signature IS NULL AND status = ANY($4)
	`, id, signature, types.SessionProcessing, activeSessionStatusStrings())

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.NewConflictError("signature is already attached to another session", map[string]interface{}{
			"signature": signature,
		})
	}
	if err != nil {
		return apperrors.NewDatabaseError("attach signature", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewInvalidStateError(
			fmt.Sprintf("session %s cannot accept a signature in its current state", id), nil)
	}
	return nil
}

// MarkRetry returns a sub-ceiling failed attempt to PENDING with the attempt
// counter incremented. The previous signature is cleared so the next attempt
// submits a fresh transaction.
func (r *SessionRepository) MarkRetry(ctx context.Context, id string, maxAttempts int) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE payment_sessions
		SET status = $2, signature = NULL, attempts = attempts + 1, updated_at = now()
		WHERE id = $1 AND status = ANY($3) AND attempts < $4
	`, id, types.SessionPending, activeSessionStatusStrings(), maxAttempts)
	if err != nil {
		return apperrors.NewDatabaseError("mark session retry", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError(
			fmt.Sprintf("session %s has exhausted its retry budget or is terminal", id),
			map[string]interface{}{"sessionId": id, "maxAttempts": maxAttempts},
		)
	}
	return nil
}

// Finalize moves a session to a terminal status and updates the linked
// placement in the same transaction. The status guards make concurrent
// finalize calls race safely: exactly one wins, the losers get INVALID_STATE.
func (r *SessionRepository) Finalize(ctx context.Context, id string, sessionStatus types.SessionStatus, placementStatus types.PlacementStatus) error {
	if !sessionStatus.IsTerminal() {
		return apperrors.NewValidationError(
			fmt.Sprintf("finalize requires a terminal status, got %s", sessionStatus), nil)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewDatabaseError("begin finalize", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck // no-op after commit

	var placementID int64
	var confirmedAt interface{}
	if sessionStatus == types.SessionConfirmed {
		confirmedAt = time.Now().UTC()
	}

	err = tx.QueryRow(ctx, `
		UPDATE payment_sessions
		SET status = $2, confirmed_at = COALESCE($3, confirmed_at), updated_at = now()
		WHERE id = $1 AND status = ANY($4)
		RETURNING placement_id
	`, id, sessionStatus, confirmedAt, activeSessionStatusStrings()).Scan(&placementID)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.NewInvalidStateError(
			fmt.Sprintf("session %s is already terminal", id),
			map[string]interface{}{"sessionId": id},
		)
	}
	if err != nil {
		return apperrors.NewDatabaseError("finalize session", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE placements SET status = $2, updated_at = now()
		WHERE id = $1 AND status <> $3
	`, placementID, placementStatus, types.PlacementConfirmed)
	if err != nil {
		return apperrors.NewDatabaseError("finalize placement", err)
	}
	if tag.RowsAffected() == 0 {
		// A CONFIRMED placement is immutable; refusing here rolls back the
		// session update as well.
		return apperrors.NewInvalidStateError(
			fmt.Sprintf("placement %d is already confirmed", placementID),
			map[string]interface{}{"placementId": placementID},
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewDatabaseError("commit finalize", err)
	}
	return nil
}

// FindExpired returns non-terminal sessions whose deadline has passed.
// Used by the reconciliation sweeper.
func (r *SessionRepository) FindExpired(ctx context.Context, now time.Time) ([]*models.PaymentSession, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY created_at
	`, activeSessionStatusStrings(), now)
	if err != nil {
		return nil, apperrors.NewDatabaseError("find expired sessions", err)
	}
	defer rows.Close()

	var sessions []*models.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate sessions", err)
	}
	return sessions, nil
}

func activeSessionStatusStrings() []string {
	statuses := make([]string, len(types.ActiveSessionStatuses))
	for i, s := range types.ActiveSessionStatuses {
		statuses[i] = string(s)
	}
	return statuses
}
