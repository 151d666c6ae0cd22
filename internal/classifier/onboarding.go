package classifier

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// FocusChoice is the answer to "continue with your plan or talk about something else?".
type FocusChoice string

const (
	FocusPlan    FocusChoice = "plan"
	FocusOther   FocusChoice = "other"
	FocusUnclear FocusChoice = "unclear"
)

// Button ids for the focus choice and plan-finalization prompts.
const (
	ButtonFocusPlan  = "focus_plan"
	ButtonFocusOther = "focus_other"
	ButtonPlanDone   = "plan_done"
	ButtonPlanLater  = "plan_not_done"
)

var (
	focusPlanPhrases = []string{
		"1", "plan", "mon plan", "le plan", "programme", "mon programme", "continuer", "on continue",
		"continue", "continuons", "on y va", "allons-y", "le plan d'abord", "parlons du plan",
	}
	focusOtherPhrases = []string{
		"2", "autre", "autre chose", "une autre chose", "autre sujet", "parler d'autre chose",
		"discuter", "j'ai une question", "une question", "pas le plan", "autre chose d'abord",
	}
	planDonePhrases = []string{
		"c'est bon", "c'est fait", "fait", "fini", "termine", "terminee", "valide", "validee",
		"finalise", "finalisee", "j'ai fini", "j'ai termine", "j'ai valide", "j'ai finalise",
		"done", "oui", "ouais", "ok", "c'est ok", "voila", "c'est valide", "oui c'est fait",
	}
	planNotDonePhrases = []string{
		"non", "pas encore", "pas fini", "pas termine", "pas valide", "pas finalise", "en cours",
		"je n'ai pas fini", "j'ai pas fini", "pas du tout", "toujours pas", "nan", "bientot",
		"je m'en occupe", "je vais le faire", "plus tard",
	}
	hedgePhrases = []string{
		"je sais pas", "je ne sais pas", "sais pas", "je crois", "je pense", "peut-etre", "peut etre",
		"normalement", "il me semble", "pas sur", "pas sure", "aucune idee", "comment on fait",
		"c'est ou", "ou ca",
	}
)

// OnboardingClassifier holds the focus-choice and plan-finalization classifiers.
type OnboardingClassifier struct {
	gen      genai.Generator
	analyzer *Analyzer
	timeout  time.Duration
}

// NewOnboardingClassifier returns a classifier; gen and analyzer may be nil.
func NewOnboardingClassifier(gen genai.Generator, analyzer *Analyzer, timeout time.Duration) *OnboardingClassifier {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &OnboardingClassifier{gen: gen, analyzer: analyzer, timeout: timeout}
}

// ClassifyFocus resolves the focus choice. Inconclusive input is FocusUnclear.
func (c *OnboardingClassifier) ClassifyFocus(ctx context.Context, text string, recent []models.ConversationTurn) FocusChoice {
	in := NewInput(text, recent, time.Now())
	choice, ok := firstConclusive[FocusChoice](ctx, in, DeterministicFocus, c.llmFocus)
	if !ok {
		return FocusUnclear
	}
	return choice
}

// DeterministicFocus matches buttons and fixed phrases.
func DeterministicFocus(_ context.Context, in Input) (FocusChoice, bool) {
	switch strings.TrimSpace(in.Text) {
	case ButtonFocusPlan:
		return FocusPlan, true
	case ButtonFocusOther:
		return FocusOther, true
	}
	s := in.Normalized
	plan := matchesAny(s, focusPlanPhrases) || (len(words(s)) <= 5 && containsAny(s, []string{"plan", "programme"}) && !hasNegation(s))
	other := matchesAny(s, focusOtherPhrases) || containsAny(s, []string{"autre chose", "autre sujet"})
	switch {
	case plan && !other:
		return FocusPlan, true
	case other && !plan:
		return FocusOther, true
	}
	return "", false
}

const focusSystemPrompt = `Le coach a demandé: "Veux-tu qu'on avance sur ton plan, ou préfères-tu parler d'autre chose ?"
Classe la réponse. Réponds UNIQUEMENT avec un objet JSON: {"choice": "plan"|"other"|"unclear"}.`

func (c *OnboardingClassifier) llmFocus(ctx context.Context, in Input) (FocusChoice, bool) {
	if c.gen == nil {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.gen.Generate(ctx, focusSystemPrompt, "Réponse: "+in.Text, 0)
	if err != nil {
		slog.Warn("OnboardingClassifier.llmFocus: generation failed", "error", err)
		return "", false
	}
	var out struct {
		Choice string `json:"choice"`
	}
	if err := decodeJSONObject(raw, &out); err != nil {
		slog.Warn("OnboardingClassifier.llmFocus: unparsable response", "error", err)
		return "", false
	}
	switch ch := FocusChoice(strings.ToLower(strings.TrimSpace(out.Choice))); ch {
	case FocusPlan, FocusOther, FocusUnclear:
		return ch, true
	}
	return "", false
}

// ClassifyPlanFinalization uses the lexical check first and the signal
// analyzer for ambiguous replies. Inconclusive input is FinalizationUncertain.
func (c *OnboardingClassifier) ClassifyPlanFinalization(ctx context.Context, text string, recent []models.ConversationTurn) PlanFinalization {
	in := NewInput(text, recent, time.Now())
	res, ok := firstConclusive[PlanFinalization](ctx, in, LexicalPlanFinalization, c.analyzerFinalization)
	if !ok {
		return FinalizationUncertain
	}
	return res
}

// LexicalPlanFinalization is the fast check. Hedges win over negations, and
// negations win over completion words, so "pas encore fini" is not done.
func LexicalPlanFinalization(_ context.Context, in Input) (PlanFinalization, bool) {
	switch strings.TrimSpace(in.Text) {
	case ButtonPlanDone:
		return FinalizationDone, true
	case ButtonPlanLater:
		return FinalizationNotDone, true
	}
	s := in.Normalized
	if s == "" {
		return "", false
	}
	switch {
	case containsAny(s, hedgePhrases):
		return FinalizationUncertain, true
	case matchesAny(s, planNotDonePhrases) || containsAny(s, planNotDonePhrases[1:]):
		return FinalizationNotDone, true
	case matchesAny(s, planDonePhrases):
		return FinalizationDone, true
	case len(words(s)) <= 4 && containsAny(s, planDonePhrases) && !hasNegation(s):
		return FinalizationDone, true
	}
	return "", false
}

func (c *OnboardingClassifier) analyzerFinalization(ctx context.Context, in Input) (PlanFinalization, bool) {
	if c.analyzer == nil {
		return "", false
	}
	sig := c.analyzer.analyze(ctx, in, true)
	if sig.PlanFinalization == "" {
		return "", false
	}
	return sig.PlanFinalization, true
}

var (
	reScoreOutOf10 = regexp.MustCompile(`\b(\d{1,2})\s*(?:/|sur)\s*10\b`)
	reBareNumber   = regexp.MustCompile(`\b(\d{1,2})\b`)
)

var scoreWords = map[string]int{
	"zero": 0, "un": 1, "une": 1, "deux": 2, "trois": 3, "quatre": 4, "cinq": 5, "six": 6,
	"sept": 7, "huit": 8, "neuf": 9, "dix": 10,
}

// ParseMotivationScore reads a 0-10 score: "7", "7/10", "7 sur 10", "sept".
func ParseMotivationScore(text string) (int, bool) {
	s := Normalize(text)
	if m := reScoreOutOf10.FindStringSubmatch(s); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 10 {
			return n, true
		}
		return 0, false
	}
	for _, m := range reBareNumber.FindAllStringSubmatch(s, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 0 && n <= 10 {
			return n, true
		}
	}
	ws := words(s)
	for _, w := range ws {
		n, ok := scoreWords[w]
		if !ok {
			continue
		}
		// "un peu", "une fois" are not scores
		if (w == "un" || w == "une") && len(ws) > 1 {
			continue
		}
		return n, true
	}
	return 0, false
}
