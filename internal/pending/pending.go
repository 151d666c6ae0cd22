// Package pending manages assistant-initiated invitations awaiting a reply:
// scheduled check-ins, memory echoes and bilan reschedules.
//
// At most one pending row exists per (account, kind). A reply is only ever
// consumed by a pending row that exists; with nothing pending the message is
// left to the rest of the pipeline.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/google/uuid"
)

// DefaultExpiry is how long an invitation stays answerable.
const DefaultExpiry = 48 * time.Hour

var (
	// ErrAlreadyPending is returned by Create when a row of the kind is pending.
	ErrAlreadyPending = errors.New("pending: action already pending")
	// ErrNoPending is returned when no pending row of the kind exists.
	ErrNoPending = errors.New("pending: no pending action")
)

// Repo is the persistence the pending store needs.
type Repo interface {
	InsertPending(ctx context.Context, p models.PendingAction) error
	LatestPending(ctx context.Context, accountID string, kind models.PendingKind) (*models.PendingAction, error)
	ClosePending(ctx context.Context, id string, status models.PendingStatus, at time.Time) (bool, error)
	IncrementPendingRetry(ctx context.Context, id string, expectedRetry int) (bool, error)
	SetPendingDelivery(ctx context.Context, id, deliveryID string) error
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store applies the pending-action rules on top of Repo.
type Store struct {
	repo   Repo
	expiry time.Duration
	now    func() time.Time
}

// NewStore returns a Store. expiry <= 0 uses DefaultExpiry.
func NewStore(repo Repo, expiry time.Duration) *Store {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Store{repo: repo, expiry: expiry, now: time.Now}
}

// Create records a new pending invitation. deliveryID links the scheduled
// delivery that sent it and may be empty.
func (s *Store) Create(ctx context.Context, accountID string, kind models.PendingKind, payload models.InvitationPayload, deliveryID string) (*models.PendingAction, error) {
	payload.AccountID = accountID
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode pending payload: %w", err)
	}
	p := models.PendingAction{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Kind:      kind,
		Status:    models.PendingStatusPending,
		Payload:   string(raw),
		CreatedAt: s.now(),
	}
	if deliveryID != "" {
		p.ScheduledDeliveryID = &deliveryID
	}
	// An expired row still holding the slot must not block a new invitation.
	if _, err := s.Latest(ctx, accountID, kind); err != nil && !errors.Is(err, ErrNoPending) {
		return nil, err
	}
	if err := s.repo.InsertPending(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			slog.Debug("pending.Create: already pending", "account_id", accountID, "kind", kind)
			return nil, ErrAlreadyPending
		}
		return nil, fmt.Errorf("create pending %s: %w", kind, err)
	}
	slog.Info("pending.Create: invitation pending", "account_id", accountID, "kind", kind, "id", p.ID)
	return &p, nil
}

// Latest returns the single latest pending row of kind. A row past the expiry
// window is closed as expired on the way and reported as ErrNoPending.
func (s *Store) Latest(ctx context.Context, accountID string, kind models.PendingKind) (*models.PendingAction, error) {
	p, err := s.repo.LatestPending(ctx, accountID, kind)
	if err != nil {
		return nil, fmt.Errorf("latest pending %s: %w", kind, err)
	}
	if p == nil {
		return nil, ErrNoPending
	}
	if s.now().Sub(p.CreatedAt) > s.expiry {
		if _, err := s.repo.ClosePending(ctx, p.ID, models.PendingStatusExpired, s.now()); err != nil {
			slog.Warn("pending.Latest: lazy expiry failed", "id", p.ID, "error", err)
		} else {
			slog.Info("pending.Latest: expired stale invitation", "id", p.ID, "kind", kind, "account_id", accountID)
		}
		return nil, ErrNoPending
	}
	return p, nil
}

// Resolve moves p to outcome. It returns ErrNoPending when another writer
// closed the row first.
func (s *Store) Resolve(ctx context.Context, p *models.PendingAction, outcome models.PendingStatus) error {
	if outcome == models.PendingStatusPending {
		return fmt.Errorf("resolve pending %s: outcome must be terminal", p.ID)
	}
	ok, err := s.repo.ClosePending(ctx, p.ID, outcome, s.now())
	if err != nil {
		return fmt.Errorf("resolve pending %s: %w", p.ID, err)
	}
	if !ok {
		slog.Debug("pending.Resolve: lost race", "id", p.ID, "outcome", outcome)
		return ErrNoPending
	}
	slog.Info("pending.Resolve", "id", p.ID, "kind", p.Kind, "outcome", outcome)
	return nil
}

// ResolveLatest applies outcome to the latest pending row of kind.
func (s *Store) ResolveLatest(ctx context.Context, accountID string, kind models.PendingKind, outcome models.PendingStatus) (*models.PendingAction, error) {
	p, err := s.Latest(ctx, accountID, kind)
	if err != nil {
		return nil, err
	}
	if err := s.Resolve(ctx, p, outcome); err != nil {
		return nil, err
	}
	return p, nil
}

// BumpRetry increments the retry counter if it still equals p.RetryCount.
func (s *Store) BumpRetry(ctx context.Context, p *models.PendingAction) (bool, error) {
	ok, err := s.repo.IncrementPendingRetry(ctx, p.ID, p.RetryCount)
	if err != nil {
		return false, fmt.Errorf("bump pending retry %s: %w", p.ID, err)
	}
	return ok, nil
}

// LinkDelivery records the scheduled delivery a resolved row handed off to.
func (s *Store) LinkDelivery(ctx context.Context, p *models.PendingAction, deliveryID string) error {
	return s.repo.SetPendingDelivery(ctx, p.ID, deliveryID)
}

// Sweep expires every pending row older than the expiry window.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	return s.repo.ExpirePendingBefore(ctx, s.now().Add(-s.expiry))
}

// DecodePayload parses the JSON payload of p. A malformed payload yields the
// zero value with only the account id set.
func DecodePayload(p *models.PendingAction) models.InvitationPayload {
	var out models.InvitationPayload
	if p.Payload != "" {
		if err := json.Unmarshal([]byte(p.Payload), &out); err != nil {
			slog.Warn("pending.DecodePayload: malformed payload", "id", p.ID, "error", err)
		}
	}
	out.AccountID = p.AccountID
	return out
}
