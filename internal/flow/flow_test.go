package flow

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/mailer"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siteURL = "https://app.example.com"

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "coachpipe_flow_test_")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.Open(context.Background(), store.WithDSN(filepath.Join(tempDir, "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recordingReplier sends through the real composer and remembers the purposes.
type recordingReplier struct {
	inner *compose.Composer
	mu    sync.Mutex
	sent  []compose.Reply
}

func (r *recordingReplier) Reply(ctx context.Context, acct *models.Account, ev *models.InboundEvent, rep compose.Reply) (*models.OutboundMessage, error) {
	r.mu.Lock()
	r.sent = append(r.sent, rep)
	r.mu.Unlock()
	return r.inner.Reply(ctx, acct, ev, rep)
}

func (r *recordingReplier) purposes() []models.Purpose {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Purpose, len(r.sent))
	for i, rep := range r.sent {
		out[i] = rep.Purpose
	}
	return out
}

func (r *recordingReplier) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

type fixture struct {
	db      *store.Store
	runner  *Runner
	replier *recordingReplier
	sender  *messaging.LogSender
	mail    *mailer.LogMailer
	acct    *models.Account
	seq     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestStore(t)
	policy, err := compose.DefaultPolicy()
	require.NoError(t, err)
	sender := messaging.NewLogSender()
	composer := compose.NewComposer(nil, db, policy, compose.NewDispatcher(sender, db), compose.Opts{SiteURL: siteURL})
	rep := &recordingReplier{inner: composer}
	mail := mailer.NewLogMailer()

	analyzer := classifier.NewAnalyzer(nil, time.Second)
	oc := classifier.NewOnboardingClassifier(nil, analyzer, time.Second)
	runner := NewRunner(db, analyzer, oc, rep, mail, nil, Opts{
		SiteURL:            siteURL,
		SupportEmail:       "support@example.com",
		EscalationCooldown: 24 * time.Hour,
	})

	phone := "+33612345678"
	require.NoError(t, db.UpsertAccount(context.Background(), models.Account{
		ID: "acc-1", Email: "lea@example.com", DisplayName: "Léa", Phone: &phone, PhoneVerified: true,
	}))
	f := &fixture{db: db, runner: runner, replier: rep, sender: sender, mail: mail}
	f.reload(t)
	return f
}

func (f *fixture) reload(t *testing.T) {
	t.Helper()
	acct, err := f.db.GetAccount(context.Background(), "acc-1")
	require.NoError(t, err)
	f.acct = acct
}

func (f *fixture) setState(t *testing.T, state models.OnboardingState, deferred ...models.DeferredStep) {
	t.Helper()
	f.reload(t)
	ok, err := f.db.UpdateOnboarding(context.Background(), f.acct.ID, f.acct.OnboardingVersion, store.OnboardingUpdate{
		State: state, Deferred: deferred,
	})
	require.NoError(t, err)
	require.True(t, ok)
	f.reload(t)
}

func (f *fixture) event(text string) *models.InboundEvent {
	f.seq++
	return &models.InboundEvent{
		MessageID: "wamid." + string(rune('a'+f.seq)), Phone: f.acct.PhoneNumber(), Body: text, Timestamp: time.Now(),
	}
}

func (f *fixture) advance(t *testing.T, text string) Outcome {
	t.Helper()
	f.reload(t)
	out, err := f.runner.Advance(context.Background(), f.acct, f.event(text))
	require.NoError(t, err)
	f.reload(t)
	return out
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StateNone, models.StatePlanFinalization))
	assert.True(t, CanTransition(models.StatePlanMotivation, models.StatePlanMotivation))
	assert.True(t, CanTransition(models.StatePersonalFact, models.StateNone))
	assert.False(t, CanTransition(models.StatePersonalFact, models.StatePlanFinalization))
	assert.False(t, CanTransition(models.StateNone, models.StatePersonalFact))
	assert.True(t, CanTransition("legacy_state", models.StateNone))
	assert.False(t, CanTransition("legacy_state", models.StatePlanMotivation))

	for from, targets := range transitions {
		require.True(t, from.IsValid(), from)
		for _, to := range targets {
			assert.True(t, to.IsValid(), "%s -> %s", from, to)
		}
	}
	for state := range handlers {
		assert.NotEmpty(t, transitions[state], "every handled state has exits: %s", state)
	}
}

func TestStart_WithoutPlan(t *testing.T) {
	f := newFixture(t)
	out, err := f.runner.Start(context.Background(), f.acct, f.event("Bonjour"))
	require.NoError(t, err)
	assert.True(t, out.Handled)

	f.reload(t)
	assert.Equal(t, models.StatePlanFinalization, f.acct.OnboardingState)
	assert.NotNil(t, f.acct.FirstTouchedAt)
	assert.Equal(t, []models.Purpose{models.PurposePlanFinalizationPrompt}, f.replier.purposes())
	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, siteURL)
	assert.Contains(t, sent[0].Body, "Léa")
}

func TestStart_WithActivePlan(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.UpsertPlan(context.Background(), "plan-1", f.acct.ID, "active"))

	_, err := f.runner.Start(context.Background(), f.acct, f.event("Salut"))
	require.NoError(t, err)
	f.reload(t)
	assert.Equal(t, models.StateOnboardingFocusChoice, f.acct.OnboardingState)
	assert.Equal(t, []models.Purpose{models.PurposeFocusChoicePrompt}, f.replier.purposes())
}

func TestStart_UrgentFirstMessageDefersEverything(t *testing.T) {
	f := newFixture(t)
	out, err := f.runner.Start(context.Background(), f.acct, f.event("j'ai envie d'en finir"))
	require.NoError(t, err)
	assert.False(t, out.Handled)
	assert.Equal(t, compose.PersonaUrgent, out.Persona)

	f.reload(t)
	assert.Equal(t, models.StateNone, f.acct.OnboardingState)
	assert.Equal(t, models.DeferredSteps{models.StepMotivation, models.StepPersonalFact}, f.acct.DeferredSteps)
	assert.NotNil(t, f.acct.FirstTouchedAt, "first contact is recorded even when onboarding waits")
	assert.Empty(t, f.replier.purposes())
}

func TestPlanFinalization_DoneWithoutPlanRetriesThenEscalatesOnce(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePlanFinalization)

	out := f.advance(t, "c'est bon")
	assert.True(t, out.Handled)
	assert.Equal(t, models.StatePlanFinalizationSupport, f.acct.OnboardingState)
	assert.Equal(t, []models.Purpose{models.PurposePlanFinalizationRetry}, f.replier.purposes())

	f.advance(t, "c'est bon")
	assert.Equal(t, models.StatePlanMotivation, f.acct.OnboardingState, "local progress continues")
	assert.Equal(t, []models.Purpose{
		models.PurposePlanFinalizationRetry,
		models.PurposeSupportEscalation,
		models.PurposeMotivationPrompt,
	}, f.replier.purposes())
	mails := f.mail.Sent()
	require.Len(t, mails, 1)
	assert.Equal(t, "support@example.com", mails[0].To)

	// back in the support state within the cooldown: no second escalation
	f.replier.reset()
	f.setState(t, models.StatePlanFinalizationSupport)
	f.advance(t, "c'est fait")
	assert.Equal(t, []models.Purpose{models.PurposeMotivationPrompt}, f.replier.purposes())
	assert.Len(t, f.mail.Sent(), 1)
}

func TestPlanFinalization_DoneWithPlan(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePlanFinalization)
	require.NoError(t, f.db.UpsertPlan(context.Background(), "plan-1", f.acct.ID, "active"))

	f.advance(t, "C'est fait !")
	assert.Equal(t, models.StateOnboardingFocusChoice, f.acct.OnboardingState)
	assert.Equal(t, []models.Purpose{models.PurposeFocusChoicePrompt}, f.replier.purposes())
}

func TestPlanFinalization_UncertainClarifiesOnce(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePlanFinalization)

	out := f.advance(t, "je sais pas trop")
	assert.True(t, out.Handled)
	assert.Equal(t, 1, f.acct.OnboardingAttempts)
	assert.Equal(t, []models.Purpose{models.PurposePlanFinalizationClarify}, f.replier.purposes())

	out = f.advance(t, "je sais pas trop")
	assert.False(t, out.Handled, "no second clarification; the conversation answers")
	assert.Equal(t, models.StatePlanFinalization, f.acct.OnboardingState)
	assert.Len(t, f.replier.purposes(), 1)

	f.advance(t, "pas encore")
	assert.Equal(t, 0, f.acct.OnboardingAttempts)
	assert.Equal(t, models.PurposePlanFinalizationReminder, f.replier.purposes()[1])
	assert.Contains(t, f.sender.Sent()[1].Body, siteURL)
}

func TestFocusChoice(t *testing.T) {
	t.Run("plan", func(t *testing.T) {
		f := newFixture(t)
		f.setState(t, models.StateOnboardingFocusChoice)
		f.advance(t, "mon plan")
		assert.Equal(t, models.StatePlanMotivation, f.acct.OnboardingState)
		assert.Equal(t, []models.Purpose{models.PurposeMotivationPrompt}, f.replier.purposes())
	})

	t.Run("other defers both steps", func(t *testing.T) {
		f := newFixture(t)
		f.setState(t, models.StateOnboardingFocusChoice)
		out := f.advance(t, "autre chose")
		assert.False(t, out.Handled)
		assert.Equal(t, models.StateNone, f.acct.OnboardingState)
		assert.Equal(t, models.DeferredSteps{models.StepMotivation, models.StepPersonalFact}, f.acct.DeferredSteps)
	})

	t.Run("unclear asks with two options then moves on", func(t *testing.T) {
		f := newFixture(t)
		f.setState(t, models.StateOnboardingFocusChoice)
		out := f.advance(t, "hmm")
		assert.True(t, out.Handled)
		assert.Equal(t, []models.Purpose{models.PurposeFocusChoiceClarify}, f.replier.purposes())
		assert.Contains(t, f.sender.Sent()[0].Body, "1.")
		assert.Contains(t, f.sender.Sent()[0].Body, "2.")

		out = f.advance(t, "hmm")
		assert.False(t, out.Handled)
		assert.Equal(t, models.StateNone, f.acct.OnboardingState)
	})
}

func TestMotivation(t *testing.T) {
	t.Run("score then personal fact", func(t *testing.T) {
		f := newFixture(t)
		f.setState(t, models.StatePlanMotivation)
		f.advance(t, "7/10")
		assert.Equal(t, models.StatePersonalFact, f.acct.OnboardingState)
		require.NotNil(t, f.acct.MotivationScore)
		assert.Equal(t, 7, *f.acct.MotivationScore)
		assert.Equal(t, []models.Purpose{models.PurposePersonalFactPrompt}, f.replier.purposes())
	})

	t.Run("existing fact skips to freeform", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.db.AddMemory(context.Background(), f.acct.ID, models.MemoryKindPersonalFact, "Aime le vélo")
		require.NoError(t, err)
		f.setState(t, models.StatePlanMotivation)
		f.advance(t, "8 sur 10")
		assert.Equal(t, models.StateNone, f.acct.OnboardingState)
		assert.Equal(t, []models.Purpose{models.PurposeOnboardingComplete}, f.replier.purposes())
	})

	t.Run("non numeric re-prompts once", func(t *testing.T) {
		f := newFixture(t)
		f.setState(t, models.StatePlanMotivation)
		f.advance(t, "bof")
		assert.Equal(t, models.StatePlanMotivation, f.acct.OnboardingState)
		assert.Contains(t, f.sender.Sent()[0].Body, "« 7 »")

		f.advance(t, "bof")
		assert.Equal(t, models.StatePersonalFact, f.acct.OnboardingState)
		assert.Nil(t, f.acct.MotivationScore)
		assert.Equal(t, []models.Purpose{models.PurposeMotivationReprompt, models.PurposePersonalFactPrompt}, f.replier.purposes())
	})
}

func TestPersonalFactStoredAndStateCleared(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePersonalFact)

	out := f.advance(t, "J'adore la randonnée le dimanche")
	assert.True(t, out.Handled)
	assert.Equal(t, models.StateNone, f.acct.OnboardingState)

	facts, err := f.db.ListMemories(context.Background(), f.acct.ID, models.MemoryKindPersonalFact, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "J'adore la randonnée le dimanche", facts[0].Content)
	assert.Equal(t, []models.Purpose{models.PurposePersonalFactAck}, f.replier.purposes())
}

func TestUrgentMidOnboardingDefersAndFallsThrough(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePlanMotivation)

	out := f.advance(t, "j'ai envie d'en finir")
	assert.False(t, out.Handled)
	assert.Equal(t, compose.PersonaUrgent, out.Persona)
	assert.Equal(t, models.StateNone, f.acct.OnboardingState)
	assert.Equal(t, models.DeferredSteps{models.StepMotivation, models.StepPersonalFact}, f.acct.DeferredSteps)
	assert.Empty(t, f.replier.purposes(), "no onboarding question is asked")
}

func TestSeriousTopicUsesSeriousPersona(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePersonalFact)

	out := f.advance(t, "mon père est à l'hôpital depuis hier soir")
	assert.False(t, out.Handled)
	assert.Equal(t, compose.PersonaSerious, out.Persona)
	assert.Equal(t, models.DeferredSteps{models.StepPersonalFact}, f.acct.DeferredSteps)
}

func TestDeferredStepsSurfaceOneAtATimeWhenCalm(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StateNone, models.StepMotivation, models.StepPersonalFact)

	out := f.advance(t, "mon père est à l'hôpital depuis hier soir et je suis inquiet")
	assert.False(t, out.Handled, "never during a serious turn")
	assert.Equal(t, models.StateNone, f.acct.OnboardingState)

	out = f.advance(t, "salut")
	assert.True(t, out.Handled)
	assert.Equal(t, models.StateDeferredMotivation, f.acct.OnboardingState)
	assert.Equal(t, models.DeferredSteps{models.StepPersonalFact}, f.acct.DeferredSteps)
	require.Len(t, f.replier.sent, 1)
	assert.Equal(t, models.PurposeDeferredMotivation, f.replier.sent[0].Purpose)
	assert.Contains(t, f.replier.sent[0].Instruction, "Réponds d'abord normalement")

	f.advance(t, "8")
	assert.Equal(t, models.StateNone, f.acct.OnboardingState)
	require.NotNil(t, f.acct.MotivationScore)
	assert.Equal(t, 8, *f.acct.MotivationScore)

	f.advance(t, "coucou")
	assert.Equal(t, models.StateDeferredPersonalFact, f.acct.OnboardingState)
	assert.Empty(t, f.acct.DeferredSteps)
}

func TestDeferredNonAnswerRequeues(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StateDeferredMotivation, models.StepPersonalFact)

	out := f.advance(t, "c'est quoi le programme de demain ?")
	assert.False(t, out.Handled)
	assert.Equal(t, models.StateNone, f.acct.OnboardingState)
	assert.Equal(t, models.DeferredSteps{models.StepPersonalFact, models.StepMotivation}, f.acct.DeferredSteps)
}

func TestDeferredStepDroppedAfterTwoUnansweredSurfaces(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StateNone, models.StepMotivation)

	for i := 0; i < MaxStepSurfaces; i++ {
		out := f.advance(t, "salut")
		require.True(t, out.Handled, "surface %d", i+1)
		require.Equal(t, models.StateDeferredMotivation, f.acct.OnboardingState)

		out = f.advance(t, "c'est quoi le programme de demain ?")
		assert.False(t, out.Handled)
		assert.Equal(t, models.StateNone, f.acct.OnboardingState)
	}
	assert.Empty(t, f.acct.DeferredSteps, "the question is not asked a third time")
	assert.Equal(t, []models.Purpose{models.PurposeDeferredMotivation, models.PurposeDeferredMotivation}, f.replier.purposes())

	out := f.advance(t, "salut")
	assert.False(t, out.Handled)
	assert.Len(t, f.replier.purposes(), 2)
}

func TestNoStateNoDeferredFallsThrough(t *testing.T) {
	f := newFixture(t)
	out := f.advance(t, "Bonjour, j'ai une question sur mon sommeil")
	assert.False(t, out.Handled)
	assert.Equal(t, compose.PersonaCoach, out.Persona)
	assert.Empty(t, f.replier.purposes())
}

func TestLostRaceSendsNothing(t *testing.T) {
	f := newFixture(t)
	f.setState(t, models.StatePlanMotivation)
	stale := *f.acct

	// a concurrent turn commits first
	ok, err := f.db.UpdateOnboarding(context.Background(), stale.ID, stale.OnboardingVersion, store.OnboardingUpdate{State: models.StatePersonalFact})
	require.NoError(t, err)
	require.True(t, ok)

	out, err := f.runner.Advance(context.Background(), &stale, f.event("7"))
	require.NoError(t, err)
	assert.True(t, out.Handled)
	assert.Empty(t, f.replier.purposes())
	assert.Empty(t, f.sender.Sent())

	f.reload(t)
	assert.Equal(t, models.StatePersonalFact, f.acct.OnboardingState)
	assert.Nil(t, f.acct.MotivationScore)
}

func TestPersonaFor(t *testing.T) {
	assert.Equal(t, compose.PersonaUrgent, PersonaFor(classifier.Signals{Safety: true}))
	assert.Equal(t, compose.PersonaUrgent, PersonaFor(classifier.Signals{Urgency: classifier.UrgencyUrgent}))
	assert.Equal(t, compose.PersonaSerious, PersonaFor(classifier.Signals{Urgency: classifier.UrgencySerious}))
	assert.Equal(t, compose.PersonaCoach, PersonaFor(classifier.Signals{Urgency: classifier.UrgencyNormal}))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "é", clip("éé", 3))
}
