// Package delivery runs the durable scheduled sends of CoachPipe: check-in,
// bilan and memory-echo invitations queued by the defer affordance or by the
// web application.
//
// Each due delivery is claimed from the store, turned into a pending action
// and sent as a proactive invitation. The reply is then consumed by the
// pending-action handler on the inbound path. The worker also owns the
// periodic sweeps: expired invitations, expired link tokens, deliveries stuck
// in running and stale support_required phones.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/pending"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Default worker settings.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultSweepInterval = 5 * time.Minute
	DefaultBatchSize     = 20
	DefaultStaleAfter    = 10 * time.Minute
	DefaultRetryDelay    = 2 * time.Minute
	DefaultBusyDelay     = 30 * time.Minute
	DefaultMaxBusyWait   = 12 * time.Hour
)

// Repo is the persistence the worker needs.
type Repo interface {
	ClaimDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDelivery, error)
	CompleteDelivery(ctx context.Context, id string) error
	FailDelivery(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error
	RescheduleDelivery(ctx context.Context, id string, runAt time.Time) error
	CancelDelivery(ctx context.Context, id string) error
	RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error)
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListMemories(ctx context.Context, accountID string, kind models.MemoryKind, limit int) ([]models.Memory, error)
	ExpireLinkTokens(ctx context.Context, now time.Time) (int, error)
	ResetStaleSupportRequests(ctx context.Context, before time.Time) (int, error)
}

// Pending is the pending-action store the worker writes invitations to.
type Pending interface {
	Create(ctx context.Context, accountID string, kind models.PendingKind, payload models.InvitationPayload, deliveryID string) (*models.PendingAction, error)
	Resolve(ctx context.Context, p *models.PendingAction, outcome models.PendingStatus) error
	Latest(ctx context.Context, accountID string, kind models.PendingKind) (*models.PendingAction, error)
	Sweep(ctx context.Context) (int, error)
}

// Replier sends the invitation.
type Replier interface {
	Reply(ctx context.Context, acct *models.Account, inbound *models.InboundEvent, r compose.Reply) (*models.OutboundMessage, error)
}

// Opts tunes the worker. Zero values use the defaults.
type Opts struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	BatchSize     int
	// StaleAfter is how long a claimed delivery may stay running before it is requeued.
	StaleAfter time.Duration
	// RetryDelay is the wait before a failed send is retried.
	RetryDelay time.Duration
	// BusyDelay postpones a bilan that finds a check-in still open.
	BusyDelay time.Duration
	// MaxBusyWait is how long after creation a postponed bilan is given up.
	MaxBusyWait time.Duration
	// SupportRetryAfter reopens support_required phones untouched that long. Zero disables it.
	SupportRetryAfter time.Duration
}

// Result counts what one RunOnce pass did.
type Result struct {
	Sent     int
	Skipped  int
	Canceled int
	Failed   int
	Requeued int
}

// Worker processes scheduled deliveries.
type Worker struct {
	repo    Repo
	pending Pending
	replier Replier
	opts    Opts
	now     func() time.Time
}

// NewWorker returns a Worker.
func NewWorker(repo Repo, p Pending, replier Replier, opts Opts) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BusyDelay <= 0 {
		opts.BusyDelay = DefaultBusyDelay
	}
	if opts.MaxBusyWait <= 0 {
		opts.MaxBusyWait = DefaultMaxBusyWait
	}
	return &Worker{repo: repo, pending: p, replier: replier, opts: opts, now: time.Now}
}

// Run polls and sweeps until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	s := scheduler.New()
	if err := s.Every(w.opts.PollInterval, "deliveries", func(ctx context.Context) {
		if _, err := w.RunOnce(ctx); err != nil {
			slog.Error("Worker.Run: delivery pass failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if err := s.Every(w.opts.SweepInterval, "sweep", func(ctx context.Context) {
		w.Sweep(ctx)
	}); err != nil {
		return err
	}

	slog.Info("Worker.Run: started", "poll", w.opts.PollInterval, "sweep", w.opts.SweepInterval)
	w.Sweep(ctx)
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	slog.Info("Worker.Run: stopped")
	return nil
}

// RunOnce claims the deliveries due now and processes them.
func (w *Worker) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	due, err := w.repo.ClaimDueDeliveries(ctx, w.now(), w.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("claim deliveries: %w", err)
	}
	for i := range due {
		if ctx.Err() != nil {
			// claimed rows left running are requeued by the stale sweep
			return res, ctx.Err()
		}
		d := &due[i]
		switch err := w.process(ctx, d); {
		case err == nil:
			res.Sent++
			w.complete(ctx, d)
		case errors.Is(err, errSkip):
			res.Skipped++
			w.complete(ctx, d)
		case errors.Is(err, errBusy):
			res.Requeued++
			runAt := w.now().Add(w.opts.BusyDelay)
			if err := w.repo.RescheduleDelivery(ctx, d.ID, runAt); err != nil {
				slog.Error("Worker.RunOnce: requeue failed", "delivery_id", d.ID, "error", err)
			}
		case errors.Is(err, errCancel):
			res.Canceled++
			if err := w.repo.CancelDelivery(ctx, d.ID); err != nil {
				slog.Error("Worker.RunOnce: cancel failed", "delivery_id", d.ID, "error", err)
			}
		default:
			res.Failed++
			slog.Warn("Worker.RunOnce: delivery failed", "delivery_id", d.ID, "kind", d.Kind, "attempt", d.Attempt, "error", err)
			if err := w.repo.FailDelivery(ctx, d.ID, err.Error(), w.now().Add(w.opts.RetryDelay)); err != nil {
				slog.Error("Worker.RunOnce: failure not recorded", "delivery_id", d.ID, "error", err)
			}
		}
	}
	if len(due) > 0 {
		slog.Info("Worker.RunOnce: pass complete", "claimed", len(due), "sent", res.Sent,
			"skipped", res.Skipped, "canceled", res.Canceled, "failed", res.Failed, "requeued", res.Requeued)
	}
	return res, nil
}

var (
	errSkip   = errors.New("delivery: invitation already pending")
	errCancel = errors.New("delivery: nothing to deliver")
	errBusy   = errors.New("delivery: another invitation is open")
)

func (w *Worker) process(ctx context.Context, d *models.ScheduledDelivery) error {
	var payload models.InvitationPayload
	if err := json.Unmarshal([]byte(d.Payload), &payload); err != nil {
		slog.Error("Worker.process: malformed payload", "delivery_id", d.ID, "error", err)
		return errCancel
	}
	if payload.AccountID == "" {
		slog.Warn("Worker.process: payload without account", "delivery_id", d.ID)
		return errCancel
	}

	acct, err := w.repo.GetAccount(ctx, payload.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("Worker.process: account gone", "delivery_id", d.ID, "account_id", payload.AccountID)
		return errCancel
	}
	if err != nil {
		return err
	}
	if acct.OptedOut() || acct.PhoneNumber() == "" || !acct.PhoneVerified {
		slog.Info("Worker.process: account not reachable", "delivery_id", d.ID, "account_id", acct.ID, "opted_out", acct.OptedOut())
		return errCancel
	}

	kind, reply, err := w.invitation(ctx, d.Kind, &payload)
	if err != nil {
		return err
	}

	p, err := w.pending.Create(ctx, acct.ID, kind, payload, d.ID)
	if errors.Is(err, pending.ErrAlreadyPending) {
		// the user has not answered the previous invitation yet
		if w.waitForSlot(ctx, d, acct.ID, kind, payload) {
			slog.Info("Worker.process: check-in still open, postponing bilan", "delivery_id", d.ID, "account_id", acct.ID)
			return errBusy
		}
		slog.Info("Worker.process: invitation already pending, not sending", "delivery_id", d.ID, "account_id", acct.ID, "kind", kind)
		return errSkip
	}
	if err != nil {
		return err
	}

	if _, err := w.replier.Reply(ctx, acct, nil, reply); err != nil {
		// free the slot so the retry can create it again
		if rerr := w.pending.Resolve(ctx, p, models.PendingStatusCancelled); rerr != nil {
			slog.Warn("Worker.process: pending row not released", "pending_id", p.ID, "error", rerr)
		}
		return fmt.Errorf("send %s invitation: %w", d.Kind, err)
	}
	slog.Info("Worker.process: invitation sent", "delivery_id", d.ID, "account_id", acct.ID, "kind", d.Kind)
	return nil
}

// waitForSlot reports whether a bilan blocked by an open plain check-in should
// be tried again later rather than dropped.
func (w *Worker) waitForSlot(ctx context.Context, d *models.ScheduledDelivery, accountID string, kind models.PendingKind, payload models.InvitationPayload) bool {
	if !payload.Bilan {
		return false
	}
	if w.now().Sub(d.CreatedAt) > w.opts.MaxBusyWait {
		slog.Warn("Worker.waitForSlot: bilan waited too long, dropping", "delivery_id", d.ID, "account_id", accountID, "created_at", d.CreatedAt)
		return false
	}
	open, err := w.pending.Latest(ctx, accountID, kind)
	if err != nil {
		// the slot was freed in between; the next pass retries
		return errors.Is(err, pending.ErrNoPending)
	}
	return !pending.DecodePayload(open).Bilan
}

// invitation maps a delivery kind to its pending kind and message.
func (w *Worker) invitation(ctx context.Context, kind string, payload *models.InvitationPayload) (models.PendingKind, compose.Reply, error) {
	switch kind {
	case models.DeliveryKindCheckin:
		payload.Bilan = false
		return models.PendingScheduledCheckin, checkinInvitation(payload), nil
	case models.DeliveryKindBilan:
		payload.Bilan = true
		return models.PendingScheduledCheckin, bilanInvitation(payload), nil
	case models.DeliveryKindMemoryEcho:
		if payload.MemoryContent == "" {
			mems, err := w.repo.ListMemories(ctx, payload.AccountID, models.MemoryKindMemory, 1)
			if err != nil {
				return "", compose.Reply{}, err
			}
			if len(mems) == 0 {
				return "", compose.Reply{}, errCancel
			}
			payload.MemoryID, payload.MemoryContent = mems[0].ID, mems[0].Content
		}
		return models.PendingMemoryEcho, memoryEchoInvitation(payload), nil
	default:
		slog.Error("Worker.invitation: unknown delivery kind", "kind", kind)
		return "", compose.Reply{}, errCancel
	}
}

func checkinInvitation(p *models.InvitationPayload) compose.Reply {
	r := compose.Reply{
		Purpose:   models.PurposeCheckinInvitation,
		Proactive: true,
		Text:      "Petit check-in : on fait le point maintenant ?",
	}
	if p.Topic != "" {
		r.Text = fmt.Sprintf("Petit check-in : on fait le point sur %s maintenant ?", p.Topic)
		r.Context = "Sujet du check-in: " + p.Topic
	}
	if p.Prompt != "" {
		r.Text = p.Prompt
		return r
	}
	r.Instruction = "Propose un court check-in sur le sujet donné et demande si c'est le bon moment, en une seule question."
	return r
}

func bilanInvitation(p *models.InvitationPayload) compose.Reply {
	if p.Prompt != "" {
		return compose.Reply{Purpose: models.PurposeBilanInvitation, Proactive: true, Text: p.Prompt}
	}
	return compose.Reply{
		Purpose:     models.PurposeBilanInvitation,
		Proactive:   true,
		Instruction: "Propose de faire le bilan de la journée maintenant et demande si c'est le bon moment, en une seule question.",
		Text:        "C'est l'heure du bilan de la journée ! On le fait maintenant ?",
	}
}

func memoryEchoInvitation(p *models.InvitationPayload) compose.Reply {
	return compose.Reply{
		Purpose:     models.PurposeMemoryEchoInvitation,
		Proactive:   true,
		Instruction: "Rappelle ce souvenir partagé et demande si la personne veut en reparler, en une seule question.",
		Context:     "Souvenir: " + p.MemoryContent,
		Text:        "Je repensais à ce que tu m'avais raconté. Tu veux qu'on en reparle ?",
	}
}

func (w *Worker) complete(ctx context.Context, d *models.ScheduledDelivery) {
	if err := w.repo.CompleteDelivery(ctx, d.ID); err != nil {
		slog.Error("Worker.complete: delivery not marked done", "delivery_id", d.ID, "error", err)
	}
}

// Sweep runs the housekeeping passes. Each pass logs its own failure and the
// others still run.
func (w *Worker) Sweep(ctx context.Context) {
	now := w.now()
	if n, err := w.pending.Sweep(ctx); err != nil {
		slog.Error("Worker.Sweep: pending expiry failed", "error", err)
	} else if n > 0 {
		slog.Info("Worker.Sweep: invitations expired", "count", n)
	}
	if n, err := w.repo.ExpireLinkTokens(ctx, now); err != nil {
		slog.Error("Worker.Sweep: link token expiry failed", "error", err)
	} else if n > 0 {
		slog.Info("Worker.Sweep: link tokens expired", "count", n)
	}
	if n, err := w.repo.RequeueStaleDeliveries(ctx, now.Add(-w.opts.StaleAfter)); err != nil {
		slog.Error("Worker.Sweep: stale requeue failed", "error", err)
	} else if n > 0 {
		slog.Warn("Worker.Sweep: stale deliveries requeued", "count", n)
	}
	if w.opts.SupportRetryAfter > 0 {
		if _, err := w.repo.ResetStaleSupportRequests(ctx, now.Add(-w.opts.SupportRetryAfter)); err != nil {
			slog.Error("Worker.Sweep: support reset failed", "error", err)
		}
	}
}
