package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// PendingRepo persists pending invitations. At most one pending row exists per
// (account, kind); the partial unique index is the guard.
type PendingRepo interface {
	InsertPending(ctx context.Context, p models.PendingAction) error
	LatestPending(ctx context.Context, accountID string, kind models.PendingKind) (*models.PendingAction, error)
	ClosePending(ctx context.Context, id string, status models.PendingStatus, at time.Time) (bool, error)
	IncrementPendingRetry(ctx context.Context, id string, expectedRetry int) (bool, error)
	SetPendingDelivery(ctx context.Context, id, deliveryID string) error
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

var _ PendingRepo = (*Store)(nil)

const pendingColumns = `id, account_id, kind, status, payload, scheduled_delivery_id, retry_count, created_at, updated_at, resolved_at`

// InsertPending returns ErrConflict when a pending row of the same kind exists.
func (s *Store) InsertPending(ctx context.Context, p models.PendingAction) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO pending_actions (id, account_id, kind, status, payload, scheduled_delivery_id, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		p.ID, p.AccountID, p.Kind, models.PendingStatusPending, p.Payload, p.ScheduledDeliveryID,
		utc(p.CreatedAt), utc(now),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert pending %s for %s: %w", p.Kind, p.AccountID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert pending %s for %s: %w", p.Kind, p.AccountID, err)
	}
	slog.Debug("Store.InsertPending", "id", p.ID, "kind", p.Kind, "account_id", p.AccountID)
	return nil
}

// LatestPending returns the newest pending row of kind, or nil when none exists.
func (s *Store) LatestPending(ctx context.Context, accountID string, kind models.PendingKind) (*models.PendingAction, error) {
	var rows []models.PendingAction
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+pendingColumns+` FROM pending_actions
		WHERE account_id = ? AND kind = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`),
		accountID, kind, models.PendingStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("latest pending %s: %w", kind, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ClosePending moves a pending row to a terminal status if it is still pending.
func (s *Store) ClosePending(ctx context.Context, id string, status models.PendingStatus, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_actions SET status = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		status, utc(at), utc(at), id, models.PendingStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("close pending %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close pending rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) IncrementPendingRetry(ctx context.Context, id string, expectedRetry int) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_actions SET retry_count = retry_count + 1, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count = ?`),
		utc(time.Now()), id, models.PendingStatusPending, expectedRetry,
	)
	if err != nil {
		return false, fmt.Errorf("increment pending retry %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment pending retry rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) SetPendingDelivery(ctx context.Context, id, deliveryID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE pending_actions SET scheduled_delivery_id = ?, updated_at = ? WHERE id = ?`),
		deliveryID, utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("set pending delivery %s: %w", id, err)
	}
	return nil
}

// ExpirePendingBefore expires every pending row created before cutoff.
func (s *Store) ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error) {
	now := utc(time.Now())
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pending_actions SET status = ?, resolved_at = ?, updated_at = ?
		WHERE status = ? AND created_at < ?`),
		models.PendingStatusExpired, now, now, models.PendingStatusPending, utc(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("expire pending actions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.ExpirePendingBefore", "expired", n)
	}
	return int(n), nil
}
