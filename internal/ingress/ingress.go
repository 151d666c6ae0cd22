// Package ingress is the entry point for normalized inbound events.
//
// Each event is deduplicated on its external message id, resolved to an
// account, and dispatched in priority order: the linking protocol for phones
// without a single owner, opt-out keywords, onboarding entry on first contact,
// pending invitations, the onboarding state machine and finally the default
// conversational reply. Nothing is shared in memory between events; all
// coordination goes through the store.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/identity"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// DefaultTurnTimeout bounds the handling of one inbound event.
const DefaultTurnTimeout = 45 * time.Second

// Route names the branch that handled an event.
type Route string

const (
	RouteDuplicate    Route = "duplicate"
	RouteLinking      Route = "linking"
	RouteOptOut       Route = "opt_out"
	RouteOptIn        Route = "opt_in"
	RouteIgnored      Route = "ignored"
	RouteOnboarding   Route = "onboarding"
	RoutePending      Route = "pending"
	RouteConversation Route = "conversation"
)

// Repo is the persistence the ingress needs.
type Repo interface {
	RecordInbound(ctx context.Context, ev models.InboundEvent) (bool, error)
	AttachInboundAccount(ctx context.Context, messageID, accountID string) error
	MarkProcessed(ctx context.Context, messageID string) error
	RecordDeliveryStatus(ctx context.Context, st models.DeliveryStatus) error
	SetOptedOut(ctx context.Context, accountID string, at *time.Time) error
}

// Identity resolves phones and runs the linking protocol.
type Identity interface {
	Resolve(ctx context.Context, phone string) (identity.Resolution, error)
	HandleUnlinked(ctx context.Context, ev *models.InboundEvent, res identity.Resolution) (identity.Outcome, error)
}

// PendingHandler resolves replies to outstanding invitations.
type PendingHandler interface {
	Handle(ctx context.Context, acct *models.Account, ev *models.InboundEvent) (bool, error)
}

// Onboarding is the onboarding state machine.
type Onboarding interface {
	Start(ctx context.Context, acct *models.Account, ev *models.InboundEvent) (flow.Outcome, error)
	Advance(ctx context.Context, acct *models.Account, ev *models.InboundEvent) (flow.Outcome, error)
}

// Replier sends a reply directive.
type Replier interface {
	Reply(ctx context.Context, acct *models.Account, inbound *models.InboundEvent, r compose.Reply) (*models.OutboundMessage, error)
}

// Ingress dispatches inbound events.
type Ingress struct {
	repo        Repo
	identity    Identity
	pending     PendingHandler
	onboarding  Onboarding
	replier     Replier
	turnTimeout time.Duration
	now         func() time.Time
}

// New returns an Ingress. turnTimeout <= 0 uses DefaultTurnTimeout.
func New(repo Repo, id Identity, pending PendingHandler, onboarding Onboarding, replier Replier, turnTimeout time.Duration) *Ingress {
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	return &Ingress{
		repo:        repo,
		identity:    id,
		pending:     pending,
		onboarding:  onboarding,
		replier:     replier,
		turnTimeout: turnTimeout,
		now:         time.Now,
	}
}

// Process handles a normalized webhook batch. Failures are logged per item so
// one bad event never blocks the rest of the batch. Its signature matches
// messaging.InboundHandler so push transports can feed it directly.
func (in *Ingress) Process(ctx context.Context, events []models.InboundEvent, statuses []models.DeliveryStatus) {
	for _, st := range statuses {
		if err := in.repo.RecordDeliveryStatus(ctx, st); err != nil {
			slog.Error("Ingress.Process: delivery status not recorded", "provider_message_id", st.ProviderMessageID, "error", err)
		}
	}
	for i := range events {
		ev := events[i]
		route, err := in.Handle(ctx, &ev)
		if err != nil {
			slog.Error("Ingress.Process: event failed", "message_id", ev.MessageID, "route", route, "error", err)
			continue
		}
		slog.Debug("Ingress.Process: event handled", "message_id", ev.MessageID, "route", route)
	}
}

// Handle runs one inbound event through the pipeline.
func (in *Ingress) Handle(ctx context.Context, ev *models.InboundEvent) (Route, error) {
	ctx, cancel := context.WithTimeout(ctx, in.turnTimeout)
	defer cancel()

	phone, err := messaging.CanonicalizePhone(ev.Phone)
	if err != nil {
		return "", fmt.Errorf("ingress: sender %q: %w", ev.Phone, err)
	}
	ev.Phone = phone
	if ev.Timestamp.IsZero() {
		ev.Timestamp = in.now()
	}

	fresh, err := in.repo.RecordInbound(ctx, *ev)
	if err != nil {
		return "", err
	}
	if !fresh {
		slog.Info("Ingress.Handle: duplicate delivery ignored", "message_id", ev.MessageID)
		return RouteDuplicate, nil
	}

	route, err := in.dispatch(ctx, ev)
	if err != nil {
		// the event stays unprocessed so it is visible to support
		return route, err
	}
	if err := in.repo.MarkProcessed(ctx, ev.MessageID); err != nil {
		slog.Warn("Ingress.Handle: processed mark not written", "message_id", ev.MessageID, "error", err)
	}
	return route, nil
}

func (in *Ingress) dispatch(ctx context.Context, ev *models.InboundEvent) (Route, error) {
	res, err := in.identity.Resolve(ctx, ev.Phone)
	if err != nil {
		return "", fmt.Errorf("ingress: resolve %s: %w", ev.MessageID, err)
	}

	// A link token is honoured even from a linked phone: it is how a
	// reassigned number is moved to its new owner.
	_, hasToken := identity.ExtractToken(ev.Text())
	if res.Kind != identity.KindLinked || hasToken {
		outcome, err := in.identity.HandleUnlinked(ctx, ev, res)
		if err != nil {
			return RouteLinking, fmt.Errorf("ingress: linking %s: %w", ev.MessageID, err)
		}
		slog.Info("Ingress.dispatch: linking protocol", "message_id", ev.MessageID, "kind", res.Kind, "outcome", outcome)
		return RouteLinking, nil
	}

	acct := res.Account
	if err := in.repo.AttachInboundAccount(ctx, ev.MessageID, acct.ID); err != nil {
		slog.Warn("Ingress.dispatch: inbound row not attached", "message_id", ev.MessageID, "account_id", acct.ID, "error", err)
	}
	text := ev.Text()

	switch {
	case identity.IsOptOut(text):
		return RouteOptOut, in.optOut(ctx, acct, ev)
	case acct.OptedOut() && identity.IsOptIn(text):
		return RouteOptIn, in.optIn(ctx, acct, ev)
	case acct.OptedOut():
		slog.Info("Ingress.dispatch: opted-out account, not replying", "account_id", acct.ID)
		return RouteIgnored, nil
	}

	if firstContact(acct) {
		out, err := in.onboarding.Start(ctx, acct, ev)
		if err != nil {
			return in.degrade(ctx, acct, ev, RouteOnboarding, err)
		}
		if out.Handled {
			return RouteOnboarding, nil
		}
		return RouteConversation, in.converse(ctx, acct, ev, out.Persona)
	}

	// distress or a serious topic is never read as a reply to an invitation
	if classifier.LexicalSignals(classifier.Normalize(ev.Text())).Interrupting() {
		slog.Info("Ingress.dispatch: interrupting message, invitations left pending", "account_id", acct.ID, "message_id", ev.MessageID)
	} else {
		handled, err := in.pending.Handle(ctx, acct, ev)
		if err != nil {
			slog.Error("Ingress.dispatch: pending lookup failed, continuing", "account_id", acct.ID, "error", err)
		}
		if handled {
			return RoutePending, nil
		}
	}

	out, err := in.onboarding.Advance(ctx, acct, ev)
	if err != nil {
		return in.degrade(ctx, acct, ev, RouteOnboarding, err)
	}
	if out.Handled {
		return RouteOnboarding, nil
	}
	return RouteConversation, in.converse(ctx, acct, ev, out.Persona)
}

// firstContact reports an account that has never been through onboarding.
func firstContact(acct *models.Account) bool {
	return acct.OnboardingState == models.StateNone && acct.FirstTouchedAt == nil && len(acct.DeferredSteps) == 0
}

func (in *Ingress) converse(ctx context.Context, acct *models.Account, ev *models.InboundEvent, persona compose.Persona) error {
	if persona == "" {
		persona = compose.PersonaCoach
	}
	_, err := in.replier.Reply(ctx, acct, ev, compose.Reply{
		Purpose: models.PurposeConversationReply,
		Persona: persona,
	})
	if err != nil {
		return fmt.Errorf("ingress: reply to %s: %w", ev.MessageID, err)
	}
	return nil
}

// degrade answers with a short plain reply when a stage failed internally.
func (in *Ingress) degrade(ctx context.Context, acct *models.Account, ev *models.InboundEvent, route Route, cause error) (Route, error) {
	slog.Error("Ingress.dispatch: stage failed, sending fallback", "account_id", acct.ID, "route", route, "error", cause)
	_, err := in.replier.Reply(ctx, acct, ev, compose.Reply{
		Purpose: models.PurposeFallback,
		Text:    "Désolé, je n'ai pas pu traiter ton message. Peux-tu réessayer dans un instant ?",
	})
	if err != nil {
		return route, fmt.Errorf("ingress: fallback after %v: %w", cause, err)
	}
	return route, nil
}

func (in *Ingress) optOut(ctx context.Context, acct *models.Account, ev *models.InboundEvent) error {
	if !acct.OptedOut() {
		now := in.now()
		if err := in.repo.SetOptedOut(ctx, acct.ID, &now); err != nil {
			return fmt.Errorf("ingress: opt out %s: %w", acct.ID, err)
		}
		slog.Info("Ingress.optOut: account opted out", "account_id", acct.ID)
	}
	_, err := in.replier.Reply(ctx, acct, ev, compose.Reply{
		Purpose: models.PurposeOptOutAck,
		Text:    "C'est noté, je ne t'enverrai plus de messages. Écris START si tu veux reprendre.",
	})
	return err
}

func (in *Ingress) optIn(ctx context.Context, acct *models.Account, ev *models.InboundEvent) error {
	if err := in.repo.SetOptedOut(ctx, acct.ID, nil); err != nil {
		return fmt.Errorf("ingress: opt in %s: %w", acct.ID, err)
	}
	acct.OptedOutAt = nil
	slog.Info("Ingress.optIn: account opted back in", "account_id", acct.ID)
	_, err := in.replier.Reply(ctx, acct, ev, compose.Reply{
		Purpose: models.PurposeOptInAck,
		Text:    "Content de te retrouver ! Je suis là quand tu veux.",
	})
	return err
}
