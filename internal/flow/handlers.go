package flow

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

const (
	questionMotivation   = "Sur une échelle de 0 à 10, à quel point te sens-tu motivé·e pour suivre ton plan ?"
	questionPersonalFact = "Dernière petite question : partage-moi une chose simple sur toi, un loisir ou ce qui te fait du bien par exemple."
	questionFocus        = "On commence par ton plan, ou tu préfères parler d'autre chose d'abord ?"
)

// MaxStepSurfaces is how often a deferred question is asked before it is
// dropped for good.
const MaxStepSurfaces = 2

// surfacePurpose maps a deferred state to the purpose of its question.
var surfacePurpose = map[models.OnboardingState]models.Purpose{
	models.StateDeferredMotivation:   models.PurposeDeferredMotivation,
	models.StateDeferredPersonalFact: models.PurposeDeferredPersonalFact,
}

func focusPrompt(lead string) compose.Reply {
	return compose.Reply{Purpose: models.PurposeFocusChoicePrompt, Text: lead + " " + questionFocus}
}

func motivationPrompt(lead string) compose.Reply {
	text := questionMotivation
	if lead != "" {
		text = lead + " " + questionMotivation
	}
	return compose.Reply{Purpose: models.PurposeMotivationPrompt, Text: text}
}

func planReminder(siteURL string) compose.Reply {
	text := "Pas de souci ! Prends le temps de finaliser ton plan sur le site, puis dis-moi « c'est bon »."
	if siteURL != "" {
		text = fmt.Sprintf("Pas de souci ! Tu peux finaliser ton plan ici : %s\nDis-moi « c'est bon » quand c'est fait.", siteURL)
	}
	return compose.Reply{Purpose: models.PurposePlanFinalizationReminder, Text: text}
}

func planClarify() compose.Reply {
	return compose.Reply{
		Purpose: models.PurposePlanFinalizationClarify,
		Text:    "Juste pour être sûr : as-tu finalisé ton plan sur le site ? Réponds simplement oui ou non.",
	}
}

func planRetry(siteURL string) compose.Reply {
	where := "sur le site"
	if siteURL != "" {
		where = "sur " + siteURL
	}
	return compose.Reply{
		Purpose: models.PurposePlanFinalizationRetry,
		Text: fmt.Sprintf("Je ne vois pas encore de plan finalisé de mon côté. Peux-tu vérifier %s que tu as bien validé la dernière étape ? "+
			"Redis-moi quand c'est bon.", where),
	}
}

// interrupt leaves guided onboarding for an urgent or serious turn. The
// questions not asked yet are queued and the message falls through.
func interrupt(t Turn) Decision {
	var steps []models.DeferredStep
	switch t.Account.OnboardingState {
	case models.StatePersonalFact:
		steps = []models.DeferredStep{models.StepPersonalFact}
	case models.StateDeferredPersonalFact:
		if t.Surfaced < MaxStepSurfaces {
			steps = []models.DeferredStep{models.StepPersonalFact}
		}
	case models.StateDeferredMotivation:
		if t.Surfaced < MaxStepSurfaces {
			steps = []models.DeferredStep{models.StepMotivation}
		}
	default:
		steps = []models.DeferredStep{models.StepMotivation, models.StepPersonalFact}
	}
	return Decision{
		Next:        models.StateNone,
		Deferred:    t.Account.DeferredSteps.Merge(steps...),
		FallThrough: true,
		Persona:     PersonaFor(t.Signals),
	}
}

// start picks the entry state on first contact.
func start(t Turn) Decision {
	if t.Signals.Interrupting() {
		return interrupt(t)
	}
	name := ""
	if t.Account.DisplayName != "" {
		name = " " + t.Account.DisplayName
	}
	if t.HasActivePlan {
		return move(t, models.StateOnboardingFocusChoice,
			reply(focusPrompt(fmt.Sprintf("Bienvenue%s ! Je suis ton coach. Ton plan est prêt.", name))))
	}
	text := fmt.Sprintf("Bienvenue%s ! Je suis ton coach. Pour bien démarrer, as-tu finalisé ton plan sur le site ?", name)
	if t.SiteURL != "" {
		text = fmt.Sprintf("Bienvenue%s ! Je suis ton coach. Pour bien démarrer, as-tu finalisé ton plan sur %s ?", name, t.SiteURL)
	}
	return move(t, models.StatePlanFinalization, reply(compose.Reply{Purpose: models.PurposePlanFinalizationPrompt, Text: text}))
}

func handlePlanFinalization(t Turn) Decision {
	switch t.Finalization {
	case classifier.FinalizationDone:
		if t.HasActivePlan {
			return move(t, models.StateOnboardingFocusChoice, reply(focusPrompt("Bravo, ton plan est finalisé !")))
		}
		return move(t, models.StatePlanFinalizationSupport, reply(planRetry(t.SiteURL)))
	case classifier.FinalizationNotDone:
		return move(t, models.StatePlanFinalization, reply(planReminder(t.SiteURL)))
	default:
		return clarifyOnce(t)
	}
}

func handlePlanFinalizationSupport(t Turn) Decision {
	if t.HasActivePlan && t.Finalization != classifier.FinalizationNotDone {
		return move(t, models.StateOnboardingFocusChoice, reply(focusPrompt("C'est bon, je vois ton plan maintenant !")))
	}
	switch t.Finalization {
	case classifier.FinalizationDone:
		// second miss: hand over to support and keep the conversation going
		var effects []Effect
		if !t.EscalatedRecently {
			effects = append(effects, Effect{
				Kind:   EffectEscalate,
				Reason: "plan annoncé comme finalisé mais introuvable après deux vérifications",
				Reply: compose.Reply{
					Purpose: models.PurposeSupportEscalation,
					Text:    "Je ne trouve toujours pas ton plan, j'ai prévenu l'équipe pour qu'elle vérifie de son côté.",
				},
			})
		}
		effects = append(effects, reply(motivationPrompt("En attendant, avançons un peu.")))
		return move(t, models.StatePlanMotivation, effects...)
	case classifier.FinalizationNotDone:
		return move(t, models.StatePlanFinalization, reply(planReminder(t.SiteURL)))
	default:
		return clarifyOnce(t)
	}
}

// clarifyOnce asks one yes/no question; a second unclear reply keeps the state
// and lets the default conversation answer.
func clarifyOnce(t Turn) Decision {
	if t.Account.OnboardingAttempts == 0 {
		return stay(t, reply(planClarify()))
	}
	d := stay(t)
	d.Attempts = t.Account.OnboardingAttempts
	d.FallThrough = true
	return d
}

func handleFocusChoice(t Turn) Decision {
	switch t.Focus {
	case classifier.FocusPlan:
		return move(t, models.StatePlanMotivation, reply(motivationPrompt("Top, on s'y met !")))
	case classifier.FocusOther:
		return focusOther(t)
	default:
		if t.Account.OnboardingAttempts == 0 {
			return stay(t, reply(compose.Reply{
				Purpose: models.PurposeFocusChoiceClarify,
				Text:    "Dis-moi ce que tu préfères :\n1. Avancer sur ton plan\n2. Parler d'autre chose",
			}))
		}
		return focusOther(t)
	}
}

func focusOther(t Turn) Decision {
	return Decision{
		Next:        models.StateNone,
		Deferred:    t.Account.DeferredSteps.Merge(models.StepMotivation, models.StepPersonalFact),
		FallThrough: true,
		Persona:     compose.PersonaCoach,
	}
}

func handleMotivation(t Turn) Decision {
	if score, ok := classifier.ParseMotivationScore(t.Text); ok {
		return afterMotivation(t, &score)
	}
	if t.Account.OnboardingAttempts == 0 {
		return stay(t, reply(compose.Reply{
			Purpose: models.PurposeMotivationReprompt,
			Text:    "Donne-moi juste un chiffre entre 0 et 10, par exemple « 7 ».",
		}))
	}
	return afterMotivation(t, nil)
}

func afterMotivation(t Turn, score *int) Decision {
	var effects []Effect
	if score != nil {
		effects = append(effects, Effect{Kind: EffectSetMotivation, Score: *score})
	}
	if t.HasPersonalFact {
		effects = append(effects, reply(compose.Reply{
			Purpose:     models.PurposeOnboardingComplete,
			Instruction: "L'accueil est terminé. Remercie la personne pour sa réponse et dis-lui qu'elle peut t'écrire quand elle veut pour avancer.",
			Text:        "Merci ! On est prêts. Écris-moi quand tu veux pour avancer sur ton plan.",
		}))
		return move(t, models.StateNone, effects...)
	}
	effects = append(effects, reply(compose.Reply{Purpose: models.PurposePersonalFactPrompt, Text: "Merci ! " + questionPersonalFact}))
	return move(t, models.StatePersonalFact, effects...)
}

func handlePersonalFact(t Turn) Decision {
	fact := strings.TrimSpace(t.Text)
	if fact == "" {
		return stay(t, reply(compose.Reply{Purpose: models.PurposePersonalFactPrompt, Text: questionPersonalFact}))
	}
	return move(t, models.StateNone,
		Effect{Kind: EffectStoreFact, Fact: clip(fact, models.MaxPersonalFactLength)},
		reply(compose.Reply{
			Purpose: models.PurposePersonalFactAck,
			Instruction: fmt.Sprintf("La personne vient de partager: « %s ». Remercie-la en une phrase, montre que tu t'en souviendras, "+
				"puis dis que tu es là pour la suite.", clip(fact, 200)),
			Text: "Merci de m'avoir partagé ça, je m'en souviendrai ! Je suis là dès que tu veux avancer.",
		}),
	)
}

func handleDeferredMotivation(t Turn) Decision {
	score, ok := classifier.ParseMotivationScore(t.Text)
	if !ok {
		return requeue(t, models.StepMotivation)
	}
	return move(t, models.StateNone,
		Effect{Kind: EffectSetMotivation, Score: score},
		reply(compose.Reply{Purpose: models.PurposeDeferredAck, Text: "Merci, c'est noté !"}),
	)
}

func handleDeferredPersonalFact(t Turn) Decision {
	fact := strings.TrimSpace(t.Text)
	if fact == "" || strings.HasSuffix(fact, "?") || classifier.IsGreeting(classifier.Normalize(fact)) {
		return requeue(t, models.StepPersonalFact)
	}
	return move(t, models.StateNone,
		Effect{Kind: EffectStoreFact, Fact: clip(fact, models.MaxPersonalFactLength)},
		reply(compose.Reply{Purpose: models.PurposeDeferredAck, Text: "Merci de m'avoir partagé ça, je m'en souviendrai !"}),
	)
}

// requeue puts step back on the deferred list and lets the default path answer.
// A step already asked MaxStepSurfaces times is dropped instead.
func requeue(t Turn, step models.DeferredStep) Decision {
	deferred := t.Account.DeferredSteps.Merge(step)
	if t.Surfaced >= MaxStepSurfaces {
		deferred = t.Account.DeferredSteps
	}
	return Decision{
		Next:        models.StateNone,
		Deferred:    deferred,
		FallThrough: true,
		Persona:     PersonaFor(t.Signals),
	}
}

// surface asks the next deferred question inside an ordinary reply, one step
// at a time, when the moment is calm.
func surface(t Turn) (Decision, bool) {
	if t.Account.OnboardingState != models.StateNone || !classifier.IsCalmMoment(t.Text, t.Signals) {
		return Decision{}, false
	}
	step, rest, ok := t.Account.DeferredSteps.Pop()
	if !ok {
		return Decision{}, false
	}
	var (
		next     models.OnboardingState
		purpose  models.Purpose
		question string
	)
	switch step {
	case models.StepMotivation:
		next, purpose, question = models.StateDeferredMotivation, models.PurposeDeferredMotivation, questionMotivation
	case models.StepPersonalFact:
		next, purpose, question = models.StateDeferredPersonalFact, models.PurposeDeferredPersonalFact,
			"J'aimerais mieux te connaître : partage-moi une chose simple sur toi, un loisir ou ce qui te fait du bien par exemple."
	default:
		return Decision{}, false
	}
	return Decision{
		Next:     next,
		Deferred: rest,
		Effects: []Effect{reply(compose.Reply{
			Purpose: purpose,
			Instruction: fmt.Sprintf("Réponds d'abord normalement au message de la personne. Puis termine, sans transition abrupte, "+
				"en posant naturellement cette question: « %s »", question),
			Text: question,
		})},
		Persona: compose.PersonaCoach,
	}, true
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
