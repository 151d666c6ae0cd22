// Package flow is the onboarding state machine.
//
// Each guided state has a handler that is a pure function of a Turn: it reads
// the account snapshot and the classifications the Runner prepared, and
// returns a Decision (next state, effects, fall-through). The Runner commits
// the decision with a version-checked update and only then runs the effects,
// so a turn that loses the race for an account sends nothing.
package flow

import (
	"time"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Turn is everything a handler may look at.
type Turn struct {
	Account *models.Account
	Text    string
	Now     time.Time
	Signals classifier.Signals
	SiteURL string

	// Prepared by the Runner for the states that need them.
	Finalization      classifier.PlanFinalization
	Focus             classifier.FocusChoice
	HasActivePlan     bool
	HasPersonalFact   bool
	EscalatedRecently bool
	// Surfaced is how often the current deferred question has been asked.
	Surfaced int
}

// EffectKind selects what an Effect does.
type EffectKind string

const (
	EffectReply         EffectKind = "reply"
	EffectStoreFact     EffectKind = "store_fact"
	EffectSetMotivation EffectKind = "set_motivation"
	EffectEscalate      EffectKind = "escalate"
)

// Effect is a side effect run after the state change is committed.
type Effect struct {
	Kind   EffectKind
	Reply  compose.Reply
	Fact   string
	Score  int
	Reason string
}

// Decision is the outcome of a handler.
type Decision struct {
	Next     models.OnboardingState
	Attempts int
	Deferred models.DeferredSteps
	Effects  []Effect
	// FallThrough hands the message to the default conversational path.
	FallThrough bool
	Persona     compose.Persona
}

// Handler advances one state.
type Handler func(t Turn) Decision

// transitions lists the states each state may move to. Staying put is always allowed.
var transitions = map[models.OnboardingState][]models.OnboardingState{
	models.StateNone: {
		models.StatePlanFinalization,
		models.StateOnboardingFocusChoice,
		models.StateDeferredMotivation,
		models.StateDeferredPersonalFact,
	},
	models.StatePlanFinalization: {
		models.StatePlanFinalizationSupport,
		models.StateOnboardingFocusChoice,
		models.StateNone,
	},
	models.StatePlanFinalizationSupport: {
		models.StatePlanFinalization,
		models.StateOnboardingFocusChoice,
		models.StatePlanMotivation,
		models.StateNone,
	},
	models.StateOnboardingFocusChoice: {
		models.StatePlanMotivation,
		models.StateNone,
	},
	models.StatePlanMotivation: {
		models.StatePersonalFact,
		models.StateNone,
	},
	models.StatePersonalFact: {
		models.StateNone,
	},
	models.StateDeferredMotivation: {
		models.StateNone,
	},
	models.StateDeferredPersonalFact: {
		models.StateNone,
	},
}

// CanTransition reports whether from -> to is in the transition table. An
// unknown stored state may always be cleared.
func CanTransition(from, to models.OnboardingState) bool {
	if from == to {
		return true
	}
	if !from.IsValid() {
		return to == models.StateNone
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var handlers = map[models.OnboardingState]Handler{
	models.StatePlanFinalization:        handlePlanFinalization,
	models.StatePlanFinalizationSupport: handlePlanFinalizationSupport,
	models.StateOnboardingFocusChoice:   handleFocusChoice,
	models.StatePlanMotivation:          handleMotivation,
	models.StatePersonalFact:            handlePersonalFact,
	models.StateDeferredMotivation:      handleDeferredMotivation,
	models.StateDeferredPersonalFact:    handleDeferredPersonalFact,
}

// PersonaFor picks the reply persona for a turn's signals.
func PersonaFor(sig classifier.Signals) compose.Persona {
	switch {
	case sig.Safety || sig.Urgency == classifier.UrgencyUrgent:
		return compose.PersonaUrgent
	case sig.Urgency == classifier.UrgencySerious:
		return compose.PersonaSerious
	default:
		return compose.PersonaCoach
	}
}

func reply(r compose.Reply) Effect {
	return Effect{Kind: EffectReply, Reply: r}
}

// stay keeps the state and counts one more re-prompt.
func stay(t Turn, effects ...Effect) Decision {
	return Decision{
		Next:     t.Account.OnboardingState,
		Attempts: t.Account.OnboardingAttempts + 1,
		Deferred: t.Account.DeferredSteps,
		Effects:  effects,
		Persona:  compose.PersonaCoach,
	}
}

// move changes state and resets the re-prompt counter.
func move(t Turn, next models.OnboardingState, effects ...Effect) Decision {
	return Decision{
		Next:     next,
		Deferred: t.Account.DeferredSteps,
		Effects:  effects,
		Persona:  compose.PersonaCoach,
	}
}
