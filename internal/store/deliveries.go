package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// DefaultDeliveryMaxAttempts bounds how often a failed delivery is retried.
const DefaultDeliveryMaxAttempts = 3

// DeliveryRepo persists future-scheduled sends. The defer affordance writes
// here instead of holding a handler open.
type DeliveryRepo interface {
	// EnqueueDelivery inserts a new delivery. If dedupeKey is non-empty and a
	// non-terminal delivery with that key exists, its id is returned instead.
	EnqueueDelivery(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error)
	// ClaimDueDeliveries marks up to limit queued deliveries due at now as running.
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDelivery, error)
	CompleteDelivery(ctx context.Context, id string) error
	// FailDelivery reschedules at nextRunAt, or fails permanently once max_attempts is reached.
	FailDelivery(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error
	CancelDelivery(ctx context.Context, id string) error
	// RequeueStaleDeliveries resets deliveries stuck in running since before staleBefore.
	RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error)
	GetDelivery(ctx context.Context, id string) (*models.ScheduledDelivery, error)
}

var _ DeliveryRepo = (*Store)(nil)

const deliveryColumns = `id, kind, run_at, payload, status, attempt, max_attempts, last_error, locked_at, dedupe_key, created_at, updated_at`

func (s *Store) EnqueueDelivery(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		if id, err := s.activeDeliveryByKey(ctx, dedupeKey); err == nil {
			slog.Debug("Store.EnqueueDelivery: dedupe hit", "dedupeKey", dedupeKey, "existingID", id)
			return id, nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	id := uuid.NewString()
	now := utc(time.Now())
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO scheduled_deliveries (id, kind, run_at, payload, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`),
		id, kind, utc(runAt), payload, models.DeliveryQueued, DefaultDeliveryMaxAttempts, nilIfEmpty(dedupeKey), now, now,
	)
	if isUniqueViolation(err) && dedupeKey != "" {
		// A concurrent writer enqueued the same key between the check and the insert.
		return s.activeDeliveryByKey(ctx, dedupeKey)
	}
	if err != nil {
		return "", fmt.Errorf("enqueue delivery failed: %w", err)
	}
	slog.Debug("Store.EnqueueDelivery", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *Store) activeDeliveryByKey(ctx context.Context, dedupeKey string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, s.q(`
		SELECT id FROM scheduled_deliveries WHERE dedupe_key = ? AND status IN (?, ?)`),
		dedupeKey, models.DeliveryQueued, models.DeliveryRunning,
	)
	if err != nil {
		return "", fmt.Errorf("dedupe check failed: %w", notFound(err))
	}
	return id, nil
}

func (s *Store) ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDelivery, error) {
	now = utc(now)
	var due []models.ScheduledDelivery
	err := s.db.SelectContext(ctx, &due, s.q(`
		SELECT `+deliveryColumns+` FROM scheduled_deliveries
		WHERE status = ? AND run_at <= ? ORDER BY run_at ASC LIMIT ?`),
		models.DeliveryQueued, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries query failed: %w", err)
	}

	// Each claim is conditional so two workers never run the same delivery.
	claimed := due[:0]
	for _, d := range due {
		res, err := s.db.ExecContext(ctx, s.q(`
			UPDATE scheduled_deliveries SET status = ?, locked_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			models.DeliveryRunning, now, now, d.ID, models.DeliveryQueued,
		)
		if err != nil {
			return nil, fmt.Errorf("mark delivery running failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		d.Status = models.DeliveryRunning
		locked := now
		d.LockedAt = &locked
		claimed = append(claimed, d)
	}
	return claimed, nil
}

func (s *Store) CompleteDelivery(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE scheduled_deliveries SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		models.DeliveryDone, utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("complete delivery failed: %w", err)
	}
	return nil
}

func (s *Store) FailDelivery(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	now := utc(time.Now())
	var cur struct {
		Attempt     int `db:"attempt"`
		MaxAttempts int `db:"max_attempts"`
	}
	if err := s.db.GetContext(ctx, &cur,
		s.q(`SELECT attempt, max_attempts FROM scheduled_deliveries WHERE id = ?`), id); err != nil {
		return fmt.Errorf("fail delivery lookup failed: %w", notFound(err))
	}

	attempt := cur.Attempt + 1
	var err error
	if attempt >= cur.MaxAttempts {
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE scheduled_deliveries SET status = ?, attempt = ?, last_error = ?, locked_at = NULL, updated_at = ?
			WHERE id = ?`),
			models.DeliveryFailed, attempt, errMsg, now, id)
	} else {
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE scheduled_deliveries SET status = ?, attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ?
			WHERE id = ?`),
			models.DeliveryQueued, attempt, errMsg, utc(nextRunAt), now, id)
	}
	if err != nil {
		return fmt.Errorf("fail delivery update failed: %w", err)
	}
	return nil
}

// RescheduleDelivery puts a claimed delivery back in the queue for runAt
// without counting an attempt.
func (s *Store) RescheduleDelivery(ctx context.Context, id string, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE scheduled_deliveries SET status = ?, run_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`),
		models.DeliveryQueued, utc(runAt), utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule delivery failed: %w", err)
	}
	return nil
}

func (s *Store) CancelDelivery(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE scheduled_deliveries SET status = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
		models.DeliveryCanceled, utc(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("cancel delivery failed: %w", err)
	}
	return nil
}

func (s *Store) RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE scheduled_deliveries SET status = ?, locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at < ?`),
		models.DeliveryQueued, utc(time.Now()), models.DeliveryRunning, utc(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale deliveries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleDeliveries", "requeued", n)
	}
	return int(n), nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*models.ScheduledDelivery, error) {
	var d models.ScheduledDelivery
	err := s.db.GetContext(ctx, &d, s.q(`SELECT `+deliveryColumns+` FROM scheduled_deliveries WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get delivery failed: %w", notFound(err))
	}
	return &d, nil
}
