package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// OnboardingUpdate is the full onboarding snapshot written by the state machine.
type OnboardingUpdate struct {
	State    models.OnboardingState
	Deferred models.DeferredSteps
	Attempts int
}

// AccountRepo is the account surface used by identity resolution and the state machine.
type AccountRepo interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	AccountsByPhone(ctx context.Context, phone string) ([]models.Account, error)
	VerifyPhone(ctx context.Context, accountID, phone string) error
	UpdateOnboarding(ctx context.Context, accountID string, expectedVersion int, upd OnboardingUpdate) (bool, error)
	SetMotivationScore(ctx context.Context, accountID string, score int) error
	MarkFirstTouched(ctx context.Context, accountID string, at time.Time) error
	SetOptedOut(ctx context.Context, accountID string, at *time.Time) error
	HasActivePlan(ctx context.Context, accountID string) (bool, error)
}

var _ AccountRepo = (*Store)(nil)

const accountColumns = `id, email, display_name, phone, phone_verified, onboarding_state, onboarding_version,
	onboarding_attempts, deferred_steps, motivation_score, bilan_opt_in, opted_out_at, first_touched_at,
	created_at, updated_at`

// UpsertAccount inserts or refreshes an account pushed by the web application.
// Onboarding columns are owned by the message core and are not overwritten.
// A nil phone keeps the stored one; a different phone replaces it and drops its
// verification.
func (s *Store) UpsertAccount(ctx context.Context, a models.Account) error {
	now := utc(time.Now())
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO accounts (id, email, display_name, phone, phone_verified, onboarding_state, onboarding_version,
			onboarding_attempts, deferred_steps, bilan_opt_in, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			phone = COALESCE(excluded.phone, accounts.phone),
			phone_verified = CASE
				WHEN excluded.phone IS NULL OR excluded.phone = accounts.phone THEN accounts.phone_verified
				ELSE excluded.phone_verified
			END,
			bilan_opt_in = excluded.bilan_opt_in,
			updated_at = excluded.updated_at`),
		a.ID, strings.TrimSpace(a.Email), a.DisplayName, a.Phone, a.PhoneVerified, a.OnboardingState,
		a.DeferredSteps, a.BilanOptIn, utc(a.CreatedAt), now,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("upsert account %s: %w", a.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	slog.Debug("Store.UpsertAccount succeeded", "account_id", a.ID)
	return nil
}

// UpsertPlan records the status of an account's plan.
func (s *Store) UpsertPlan(ctx context.Context, planID, accountID, status string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO plans (id, account_id, status, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET status = excluded.status`),
		planID, accountID, status, utc(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert plan %s: %w", planID, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var a models.Account
	err := s.db.GetContext(ctx, &a, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, notFound(err))
	}
	return &a, nil
}

func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	err := s.db.GetContext(ctx, &a,
		s.q(`SELECT `+accountColumns+` FROM accounts WHERE LOWER(email) = LOWER(?)`),
		strings.TrimSpace(email),
	)
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", notFound(err))
	}
	return &a, nil
}

// AccountsByPhone returns every account claiming phone, verified owners first.
func (s *Store) AccountsByPhone(ctx context.Context, phone string) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.SelectContext(ctx, &accounts,
		s.q(`SELECT `+accountColumns+` FROM accounts WHERE phone = ? ORDER BY phone_verified DESC, created_at ASC`),
		phone,
	)
	if err != nil {
		return nil, fmt.Errorf("accounts by phone: %w", err)
	}
	return accounts, nil
}

// VerifyPhone marks an unverified phone claim as verified. The partial unique
// index rejects a second verified owner with ErrConflict.
func (s *Store) VerifyPhone(ctx context.Context, accountID, phone string) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET phone_verified = ?, updated_at = ? WHERE id = ? AND phone = ? AND phone_verified = ?`),
		true, utc(time.Now()), accountID, phone, false,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("verify phone for %s: %w", accountID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("verify phone for %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify phone rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("verify phone for %s: %w", accountID, ErrNotFound)
	}
	slog.Info("Store.VerifyPhone: phone verified", "account_id", accountID)
	return nil
}

// UpdateOnboarding writes the onboarding snapshot only if the row still carries
// expectedVersion. It reports whether this writer won.
func (s *Store) UpdateOnboarding(ctx context.Context, accountID string, expectedVersion int, upd OnboardingUpdate) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET onboarding_state = ?, deferred_steps = ?, onboarding_attempts = ?,
			onboarding_version = onboarding_version + 1, updated_at = ?
		WHERE id = ? AND onboarding_version = ?`),
		upd.State, upd.Deferred, upd.Attempts, utc(time.Now()), accountID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update onboarding for %s: %w", accountID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update onboarding rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("Store.UpdateOnboarding: version moved on", "account_id", accountID, "expected_version", expectedVersion)
		return false, nil
	}
	return true, nil
}

func (s *Store) SetMotivationScore(ctx context.Context, accountID string, score int) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET motivation_score = ?, updated_at = ? WHERE id = ?`),
		score, utc(time.Now()), accountID,
	)
	if err != nil {
		return fmt.Errorf("set motivation score for %s: %w", accountID, err)
	}
	return nil
}

// MarkFirstTouched sets first_touched_at once; later calls are no-ops.
func (s *Store) MarkFirstTouched(ctx context.Context, accountID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET first_touched_at = ? WHERE id = ? AND first_touched_at IS NULL`),
		utc(at), accountID,
	)
	if err != nil {
		return fmt.Errorf("mark first touched for %s: %w", accountID, err)
	}
	return nil
}

// SetOptedOut records (at != nil) or clears (at == nil) an opt-out.
func (s *Store) SetOptedOut(ctx context.Context, accountID string, at *time.Time) error {
	var v any
	if at != nil {
		v = utc(*at)
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE accounts SET opted_out_at = ?, updated_at = ? WHERE id = ?`),
		v, utc(time.Now()), accountID,
	)
	if err != nil {
		return fmt.Errorf("set opted out for %s: %w", accountID, err)
	}
	return nil
}

func (s *Store) HasActivePlan(ctx context.Context, accountID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q(`SELECT COUNT(*) FROM plans WHERE account_id = ? AND status = 'active'`), accountID)
	if err != nil {
		return false, fmt.Errorf("has active plan for %s: %w", accountID, err)
	}
	return n > 0, nil
}
