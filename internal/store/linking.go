package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/jmoiron/sqlx"
)

// LinkTransition is a conditional link-request update. The write only applies
// when the row still has FromStatus and FromAttempts.
type LinkTransition struct {
	Phone            string
	FromStatus       models.LinkRequestStatus
	FromAttempts     int
	ToStatus         models.LinkRequestStatus
	ToAttempts       int
	LastEmailAttempt string
}

// LinkRepo owns link requests, link tokens and the phone transfer.
type LinkRepo interface {
	EnsureLinkRequest(ctx context.Context, phone string, now time.Time) (*models.LinkRequest, error)
	TransitionLinkRequest(ctx context.Context, t LinkTransition) (bool, error)
	TouchLinkPrompt(ctx context.Context, phone string, at time.Time) error
	ResetLinkRequest(ctx context.Context, phone string) error
	ResetStaleSupportRequests(ctx context.Context, before time.Time) (int, error)
	CreateLinkToken(ctx context.Context, tok models.LinkToken) error
	ExpireLinkTokens(ctx context.Context, now time.Time) (int, error)
	TransferPhone(ctx context.Context, tokenID, phone string, now time.Time) (*models.PhoneTransfer, error)
}

var _ LinkRepo = (*Store)(nil)

const linkRequestColumns = `phone, status, attempts, last_prompted_at, last_email_attempt, linked_account_id, created_at, updated_at`

// EnsureLinkRequest returns the link request for phone, creating a pending one if absent.
func (s *Store) EnsureLinkRequest(ctx context.Context, phone string, now time.Time) (*models.LinkRequest, error) {
	if _, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO link_requests (phone, status, attempts, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT (phone) DO NOTHING`),
		phone, models.LinkStatusPending, utc(now), utc(now),
	); err != nil {
		return nil, fmt.Errorf("ensure link request: %w", err)
	}
	return s.GetLinkRequest(ctx, phone)
}

func (s *Store) GetLinkRequest(ctx context.Context, phone string) (*models.LinkRequest, error) {
	var lr models.LinkRequest
	err := s.db.GetContext(ctx, &lr, s.q(`SELECT `+linkRequestColumns+` FROM link_requests WHERE phone = ?`), phone)
	if err != nil {
		return nil, fmt.Errorf("get link request: %w", notFound(err))
	}
	return &lr, nil
}

func (s *Store) TransitionLinkRequest(ctx context.Context, t LinkTransition) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE link_requests
		SET status = ?, attempts = ?, last_email_attempt = COALESCE(?, last_email_attempt), updated_at = ?
		WHERE phone = ? AND status = ? AND attempts = ?`),
		t.ToStatus, t.ToAttempts, nilIfEmpty(t.LastEmailAttempt), utc(time.Now()),
		t.Phone, t.FromStatus, t.FromAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("transition link request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition link request rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("Store.TransitionLinkRequest: lost race", "phone", t.Phone, "from", t.FromStatus, "to", t.ToStatus)
	}
	return n > 0, nil
}

func (s *Store) TouchLinkPrompt(ctx context.Context, phone string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE link_requests SET last_prompted_at = ?, updated_at = ? WHERE phone = ?`),
		utc(at), utc(at), phone,
	)
	if err != nil {
		return fmt.Errorf("touch link prompt: %w", err)
	}
	return nil
}

// ResetLinkRequest lets an operator reopen a phone stuck in support_required.
func (s *Store) ResetLinkRequest(ctx context.Context, phone string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE link_requests SET status = ?, attempts = 0, updated_at = ?
		WHERE phone = ? AND status IN (?, ?)`),
		models.LinkStatusPending, utc(time.Now()), phone, models.LinkStatusSupportRequired, models.LinkStatusConfirmEmail,
	)
	if err != nil {
		return fmt.Errorf("reset link request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reset link request rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reset link request %s: %w", phone, ErrNotFound)
	}
	slog.Info("Store.ResetLinkRequest: phone reopened for linking", "phone", phone)
	return nil
}

// ResetStaleSupportRequests reopens support_required phones untouched since before.
func (s *Store) ResetStaleSupportRequests(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE link_requests SET status = ?, attempts = 0, updated_at = ?
		WHERE status = ? AND updated_at < ?`),
		models.LinkStatusPending, utc(time.Now()), models.LinkStatusSupportRequired, utc(before),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale support requests: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.ResetStaleSupportRequests", "reset", n)
	}
	return int(n), nil
}

func (s *Store) CreateLinkToken(ctx context.Context, tok models.LinkToken) error {
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO link_tokens (id, account_id, purpose, requested_by_phone, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		tok.ID, tok.AccountID, tok.Purpose, tok.RequestedByPhone, models.TokenStatusActive,
		utc(tok.ExpiresAt), utc(tok.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create link token: %w", err)
	}
	return nil
}

func (s *Store) GetLinkToken(ctx context.Context, id string) (*models.LinkToken, error) {
	var tok models.LinkToken
	err := s.db.GetContext(ctx, &tok, s.q(`
		SELECT id, account_id, purpose, requested_by_phone, status, expires_at, consumed_at, consumed_by_phone, created_at
		FROM link_tokens WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get link token: %w", notFound(err))
	}
	return &tok, nil
}

// ExpireLinkTokens marks active tokens past their expiry as expired.
func (s *Store) ExpireLinkTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE link_tokens SET status = ? WHERE status = ? AND expires_at <= ?`),
		models.TokenStatusExpired, models.TokenStatusActive, utc(now),
	)
	if err != nil {
		return 0, fmt.Errorf("expire link tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// TransferPhone consumes an active, unexpired token and moves phone to the
// token's account in one transaction. Every other claim on the phone is
// cleared first, so the verified-phone index never sees two owners. A token
// that is not usable fails the whole transfer with ErrTokenNotUsable.
func (s *Store) TransferPhone(ctx context.Context, tokenID, phone string, now time.Time) (*models.PhoneTransfer, error) {
	now = utc(now)
	var out models.PhoneTransfer
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE link_tokens SET status = ?, consumed_at = ?, consumed_by_phone = ?
			WHERE id = ? AND status = ? AND expires_at > ?`),
			models.TokenStatusConsumed, now, phone, tokenID, models.TokenStatusActive, now,
		)
		if err != nil {
			return fmt.Errorf("consume link token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("consume link token rows affected: %w", err)
		}
		if n == 0 {
			return ErrTokenNotUsable
		}

		if err := tx.GetContext(ctx, &out.AccountID,
			tx.Rebind(`SELECT account_id FROM link_tokens WHERE id = ?`), tokenID); err != nil {
			return fmt.Errorf("read token owner: %w", err)
		}
		out.Phone = phone

		var prev struct {
			ID    string `db:"id"`
			Email string `db:"email"`
		}
		err = tx.GetContext(ctx, &prev, tx.Rebind(`
			SELECT id, email FROM accounts WHERE phone = ? AND phone_verified = ? AND id <> ?`),
			phone, true, out.AccountID)
		switch {
		case err == nil:
			out.PreviousAccountID = prev.ID
			out.PreviousEmail = prev.Email
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("read previous holder: %w", err)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE accounts SET phone = NULL, phone_verified = ?, updated_at = ? WHERE phone = ? AND id <> ?`),
			false, now, phone, out.AccountID); err != nil {
			return fmt.Errorf("evict previous holders: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE accounts SET phone = ?, phone_verified = ?, updated_at = ? WHERE id = ?`),
			phone, true, now, out.AccountID); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("assign phone: %w", ErrConflict)
			}
			return fmt.Errorf("assign phone: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO link_requests (phone, status, attempts, linked_account_id, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?, ?)
			ON CONFLICT (phone) DO UPDATE SET
				status = excluded.status,
				linked_account_id = excluded.linked_account_id,
				updated_at = excluded.updated_at`),
			phone, models.LinkStatusLinked, out.AccountID, now, now); err != nil {
			return fmt.Errorf("mark link request linked: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotUsable) {
			slog.Warn("Store.TransferPhone: token not usable", "phone", phone)
		}
		return nil, err
	}
	slog.Info("Store.TransferPhone: phone transferred", "phone", phone, "account_id", out.AccountID,
		"previous_account_id", out.PreviousAccountID)
	return &out, nil
}
