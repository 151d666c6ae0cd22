package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/cooldown"
	"github.com/BTreeMap/CoachPipe/internal/mailer"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Repo is the persistence the state machine needs.
type Repo interface {
	UpdateOnboarding(ctx context.Context, accountID string, expectedVersion int, upd store.OnboardingUpdate) (bool, error)
	HasActivePlan(ctx context.Context, accountID string) (bool, error)
	HasPersonalFact(ctx context.Context, accountID string) (bool, error)
	SetMotivationScore(ctx context.Context, accountID string, score int) error
	MarkFirstTouched(ctx context.Context, accountID string, at time.Time) error
	AddMemory(ctx context.Context, accountID string, kind models.MemoryKind, content string) (string, error)
	LastOutbound(ctx context.Context, f store.OutboundFilter) (*models.OutboundMessage, error)
	CountOutbound(ctx context.Context, f store.OutboundFilter) (int, error)
	RecentTurns(ctx context.Context, accountID string, limit int) ([]models.ConversationTurn, error)
}

// SignalAnalyzer reads urgency and engagement signals from a message.
type SignalAnalyzer interface {
	Analyze(ctx context.Context, text string, recent []models.ConversationTurn) classifier.Signals
}

// OnboardingClassifier answers the focus-choice and plan-finalization questions.
type OnboardingClassifier interface {
	ClassifyFocus(ctx context.Context, text string, recent []models.ConversationTurn) classifier.FocusChoice
	ClassifyPlanFinalization(ctx context.Context, text string, recent []models.ConversationTurn) classifier.PlanFinalization
}

// Replier sends a reply directive.
type Replier interface {
	Reply(ctx context.Context, acct *models.Account, inbound *models.InboundEvent, r compose.Reply) (*models.OutboundMessage, error)
}

// Opts holds the state machine settings.
type Opts struct {
	SiteURL            string
	SupportEmail       string
	EscalationCooldown time.Duration
}

// Outcome tells the caller what happened to the message. When Handled is false
// the default conversational path answers with Persona.
type Outcome struct {
	Handled bool
	Persona compose.Persona
	Signals classifier.Signals
}

// Runner drives the state machine for one turn at a time.
type Runner struct {
	repo       Repo
	analyzer   SignalAnalyzer
	onboarding OnboardingClassifier
	replier    Replier
	mail       mailer.Mailer
	gate       cooldown.Gate
	opts       Opts
	now        func() time.Time
}

// NewRunner returns a Runner. mail and gate may be nil.
func NewRunner(repo Repo, analyzer SignalAnalyzer, oc OnboardingClassifier, replier Replier, mail mailer.Mailer, gate cooldown.Gate, opts Opts) *Runner {
	if opts.EscalationCooldown <= 0 {
		opts.EscalationCooldown = 24 * time.Hour
	}
	if gate == nil {
		gate = cooldown.Noop{}
	}
	return &Runner{
		repo:       repo,
		analyzer:   analyzer,
		onboarding: oc,
		replier:    replier,
		mail:       mail,
		gate:       gate,
		opts:       opts,
		now:        time.Now,
	}
}

// Start enters onboarding on an account's first contact.
func (r *Runner) Start(ctx context.Context, acct *models.Account, ev *models.InboundEvent) (Outcome, error) {
	text := ev.Text()
	sig := r.analyzer.Analyze(ctx, text, nil)
	t := Turn{Account: acct, Text: text, Now: r.now(), Signals: sig, SiteURL: r.opts.SiteURL}
	t.HasActivePlan = r.hasActivePlan(ctx, acct.ID)

	slog.Info("Runner.Start: first contact", "account_id", acct.ID, "active_plan", t.HasActivePlan, "urgency", sig.Urgency)
	out, err := r.commit(ctx, acct, ev, start(t), sig)
	if err != nil {
		return out, err
	}
	if err := r.repo.MarkFirstTouched(ctx, acct.ID, t.Now); err != nil {
		slog.Warn("Runner.Start: first touch not recorded", "account_id", acct.ID, "error", err)
	}
	return out, nil
}

// Advance runs one turn for an account. In unguided conversation it may
// surface a deferred onboarding question; otherwise the message is left to the
// default path.
func (r *Runner) Advance(ctx context.Context, acct *models.Account, ev *models.InboundEvent) (Outcome, error) {
	text := ev.Text()
	recent := r.recent(ctx, acct.ID)
	sig := r.analyzer.Analyze(ctx, text, recent)
	t := Turn{Account: acct, Text: text, Now: r.now(), Signals: sig, SiteURL: r.opts.SiteURL}

	state := acct.OnboardingState
	if purpose, ok := surfacePurpose[state]; ok {
		t.Surfaced = r.surfaced(ctx, acct.ID, purpose)
	}
	var d Decision
	switch {
	case state == models.StateNone:
		var ok bool
		if d, ok = surface(t); !ok {
			return Outcome{Persona: PersonaFor(sig), Signals: sig}, nil
		}
		slog.Debug("Runner.Advance: surfacing deferred step", "account_id", acct.ID, "next", d.Next)
	case handlers[state] == nil:
		slog.Warn("Runner.Advance: unknown onboarding state, clearing", "account_id", acct.ID, "state", state)
		d = Decision{Next: models.StateNone, Deferred: acct.DeferredSteps, FallThrough: true, Persona: PersonaFor(sig)}
	case sig.Interrupting():
		slog.Info("Runner.Advance: interrupting turn, deferring onboarding", "account_id", acct.ID, "state", state,
			"urgency", sig.Urgency, "safety", sig.Safety)
		d = interrupt(t)
	default:
		r.prepare(ctx, &t, recent)
		d = handlers[state](t)
	}
	return r.commit(ctx, acct, ev, d, sig)
}

// prepare runs the classifications and lookups the current state needs.
func (r *Runner) prepare(ctx context.Context, t *Turn, recent []models.ConversationTurn) {
	id := t.Account.ID
	switch t.Account.OnboardingState {
	case models.StatePlanFinalization:
		t.Finalization = r.onboarding.ClassifyPlanFinalization(ctx, t.Text, recent)
		t.HasActivePlan = r.hasActivePlan(ctx, id)
	case models.StatePlanFinalizationSupport:
		t.Finalization = r.onboarding.ClassifyPlanFinalization(ctx, t.Text, recent)
		t.HasActivePlan = r.hasActivePlan(ctx, id)
		t.EscalatedRecently = r.escalatedRecently(ctx, id)
	case models.StateOnboardingFocusChoice:
		t.Focus = r.onboarding.ClassifyFocus(ctx, t.Text, recent)
	case models.StatePlanMotivation:
		has, err := r.repo.HasPersonalFact(ctx, id)
		if err != nil {
			slog.Warn("Runner.prepare: personal fact lookup failed", "account_id", id, "error", err)
		}
		t.HasPersonalFact = has
	}
}

// commit writes the decision if the account snapshot is still current, then
// runs its effects. A lost race drops the effects and reports the message as
// handled so nothing is sent twice.
func (r *Runner) commit(ctx context.Context, acct *models.Account, ev *models.InboundEvent, d Decision, sig classifier.Signals) (Outcome, error) {
	if !CanTransition(acct.OnboardingState, d.Next) {
		return Outcome{}, fmt.Errorf("flow: illegal transition %q -> %q for %s", acct.OnboardingState, d.Next, acct.ID)
	}
	won, err := r.repo.UpdateOnboarding(ctx, acct.ID, acct.OnboardingVersion, store.OnboardingUpdate{
		State:    d.Next,
		Deferred: d.Deferred,
		Attempts: d.Attempts,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: commit %s: %w", acct.ID, err)
	}
	if !won {
		slog.Info("Runner.commit: lost onboarding race, dropping effects", "account_id", acct.ID, "state", acct.OnboardingState)
		return Outcome{Handled: true, Signals: sig}, nil
	}
	if acct.OnboardingState != d.Next {
		slog.Info("Runner.commit: onboarding transition", "account_id", acct.ID, "from", acct.OnboardingState, "to", d.Next)
	}
	acct.OnboardingState = d.Next
	acct.OnboardingVersion++
	acct.OnboardingAttempts = d.Attempts
	acct.DeferredSteps = d.Deferred

	for _, e := range d.Effects {
		r.apply(ctx, acct, ev, e)
	}
	persona := d.Persona
	if persona == "" {
		persona = PersonaFor(sig)
	}
	return Outcome{Handled: !d.FallThrough, Persona: persona, Signals: sig}, nil
}

func (r *Runner) apply(ctx context.Context, acct *models.Account, ev *models.InboundEvent, e Effect) {
	switch e.Kind {
	case EffectReply:
		r.reply(ctx, acct, ev, e.Reply)
	case EffectStoreFact:
		if _, err := r.repo.AddMemory(ctx, acct.ID, models.MemoryKindPersonalFact, e.Fact); err != nil {
			slog.Error("Runner.apply: personal fact not stored", "account_id", acct.ID, "error", err)
		}
	case EffectSetMotivation:
		if err := r.repo.SetMotivationScore(ctx, acct.ID, e.Score); err != nil {
			slog.Error("Runner.apply: motivation score not stored", "account_id", acct.ID, "error", err)
		}
		score := e.Score
		acct.MotivationScore = &score
	case EffectEscalate:
		r.reply(ctx, acct, ev, e.Reply)
		r.notifySupport(ctx, acct, e.Reason)
	default:
		slog.Warn("Runner.apply: unknown effect", "kind", e.Kind)
	}
}

func (r *Runner) reply(ctx context.Context, acct *models.Account, ev *models.InboundEvent, rep compose.Reply) {
	if _, err := r.replier.Reply(ctx, acct, ev, rep); err != nil {
		slog.Error("Runner: reply failed", "account_id", acct.ID, "purpose", rep.Purpose, "error", err)
	}
}

func (r *Runner) notifySupport(ctx context.Context, acct *models.Account, reason string) {
	if r.mail == nil || r.opts.SupportEmail == "" {
		slog.Warn("Runner.notifySupport: no support inbox configured", "account_id", acct.ID, "reason", reason)
		return
	}
	msg, err := mailer.RenderSupportEscalation(r.opts.SupportEmail, mailer.SupportEscalation{
		AccountID: acct.ID,
		Email:     acct.Email,
		Phone:     acct.PhoneNumber(),
		Reason:    reason,
	})
	if err == nil {
		mailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		err = r.mail.Send(mailCtx, msg)
		cancel()
	}
	if err != nil {
		slog.Error("Runner.notifySupport: escalation email failed", "account_id", acct.ID, "error", err)
		return
	}
	slog.Info("Runner.notifySupport: support escalated", "account_id", acct.ID, "reason", reason)
}

// escalatedRecently looks the escalation purpose up in the audit log. An
// unreadable log counts as escalated so support is never spammed.
// surfaced counts how often a deferred question was asked, from the audit log.
func (r *Runner) surfaced(ctx context.Context, accountID string, purpose models.Purpose) int {
	n, err := r.repo.CountOutbound(ctx, store.OutboundFilter{AccountID: accountID, Purposes: []models.Purpose{purpose}})
	if err != nil {
		slog.Warn("Runner.surfaced: audit lookup failed", "account_id", accountID, "purpose", purpose, "error", err)
		return 0
	}
	return n
}

func (r *Runner) escalatedRecently(ctx context.Context, accountID string) bool {
	last, err := r.repo.LastOutbound(ctx, store.OutboundFilter{
		AccountID: accountID,
		Purposes:  []models.Purpose{models.PurposeSupportEscalation},
		Since:     r.now().Add(-r.opts.EscalationCooldown),
	})
	if err != nil {
		slog.Warn("Runner.escalatedRecently: audit lookup failed", "account_id", accountID, "error", err)
		return true
	}
	if last != nil {
		return true
	}
	ok, err := r.gate.Acquire(ctx, cooldown.Key(string(models.PurposeSupportEscalation), accountID), r.opts.EscalationCooldown)
	if err != nil {
		slog.Warn("Runner.escalatedRecently: gate unavailable", "account_id", accountID, "error", err)
		return false
	}
	return !ok
}

func (r *Runner) hasActivePlan(ctx context.Context, accountID string) bool {
	ok, err := r.repo.HasActivePlan(ctx, accountID)
	if err != nil {
		slog.Warn("Runner: active plan lookup failed", "account_id", accountID, "error", err)
		return false
	}
	return ok
}

func (r *Runner) recent(ctx context.Context, accountID string) []models.ConversationTurn {
	turns, err := r.repo.RecentTurns(ctx, accountID, classifier.RecentWindow)
	if err != nil {
		slog.Warn("Runner: recent turns unavailable", "account_id", accountID, "error", err)
		return nil
	}
	return turns
}
