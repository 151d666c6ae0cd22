package classifier

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Urgency is the conversational urgency of a turn.
type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencyUrgent  Urgency = "urgent"
	UrgencySerious Urgency = "serious_topic"
)

// Engagement is a coarse measure of how invested the user is in the turn.
type Engagement string

const (
	EngagementLow    Engagement = "low"
	EngagementNormal Engagement = "normal"
	EngagementHigh   Engagement = "high"
)

// PlanFinalization is the user's answer to "is your plan finalized?".
type PlanFinalization string

const (
	FinalizationDone      PlanFinalization = "done"
	FinalizationNotDone   PlanFinalization = "not_done"
	FinalizationUncertain PlanFinalization = "uncertain"
)

// Signals is the output of the general-purpose signal analyzer.
type Signals struct {
	Urgency          Urgency
	Safety           bool
	TopicSatisfied   bool
	Engagement       Engagement
	PlanFinalization PlanFinalization
	Source           Source
}

// Interrupting reports whether guided questions must be postponed.
func (s Signals) Interrupting() bool {
	return s.Safety || s.Urgency == UrgencyUrgent || s.Urgency == UrgencySerious
}

var (
	safetyLexicon = []string{
		"suicide", "suicidaire", "me suicider", "me tuer", "en finir", "mourir", "envie de mourir",
		"plus envie de vivre", "me faire du mal", "me blesser", "scarifie", "automutilation",
		"overdose", "il me frappe", "elle me frappe", "on me frappe", "violence", "en danger",
		"douleur thoracique", "douleur a la poitrine", "je n'arrive plus a respirer", "urgence", "samu",
	}
	seriousLexicon = []string{
		"deces", "decede", "decedee", "deuil", "enterrement", "divorce", "separation", "rupture",
		"cancer", "maladie", "malade", "hopital", "hospitalise", "hospitalisee", "diagnostic",
		"depression", "deprime", "deprimee", "burn-out", "burnout", "anxiete", "crise d'angoisse",
		"angoisse", "licencie", "licenciee", "licenciement", "chomage", "perdu mon travail",
		"harcelement", "fausse couche", "trouble alimentaire", "boulimie", "anorexie",
	}
	satisfiedLexicon = []string{
		"merci", "merci beaucoup", "ca marche", "super", "parfait", "top", "genial", "c'est clair",
		"compris", "nickel", "cool", "ca m'aide", "tres utile", "bonne idee",
	}
)

// LongMessageWords is the length from which the LLM analysis runs.
const LongMessageWords = 12

// Analyzer derives Signals from a turn.
type Analyzer struct {
	gen     genai.Generator
	timeout time.Duration
}

// NewAnalyzer returns an Analyzer. gen may be nil.
func NewAnalyzer(gen genai.Generator, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Analyzer{gen: gen, timeout: timeout}
}

// Analyze runs the lexicons and, for longer messages without a safety hit, the LLM analysis.
func (a *Analyzer) Analyze(ctx context.Context, text string, recent []models.ConversationTurn) Signals {
	return a.analyze(ctx, NewInput(text, recent, time.Now()), false)
}

func (a *Analyzer) analyze(ctx context.Context, in Input, forceLLM bool) Signals {
	sig := LexicalSignals(in.Normalized)
	if sig.Safety {
		return sig
	}
	if a == nil || a.gen == nil {
		return sig
	}
	if !forceLLM && len(words(in.Normalized)) < LongMessageWords {
		return sig
	}
	llm, ok := a.llmSignals(ctx, in)
	if !ok {
		return sig
	}
	return mergeSignals(sig, llm)
}

// LexicalSignals is the deterministic part of the analyzer.
func LexicalSignals(normalized string) Signals {
	sig := Signals{Urgency: UrgencyNormal, Engagement: EngagementNormal, Source: SourceDeterministic}
	switch {
	case containsAny(normalized, safetyLexicon):
		sig.Safety = true
		sig.Urgency = UrgencyUrgent
	case containsAny(normalized, seriousLexicon):
		sig.Urgency = UrgencySerious
	}
	n := len(words(normalized))
	switch {
	case n <= 3:
		sig.Engagement = EngagementLow
	case n >= 40:
		sig.Engagement = EngagementHigh
	}
	if n <= 8 && containsAny(normalized, satisfiedLexicon) {
		sig.TopicSatisfied = true
	}
	return sig
}

// mergeSignals lets the LLM raise urgency but never lower a lexical hit.
func mergeSignals(lex, llm Signals) Signals {
	out := lex
	out.Source = SourceLLM
	if urgencyRank(llm.Urgency) > urgencyRank(lex.Urgency) {
		out.Urgency = llm.Urgency
	}
	out.Safety = lex.Safety || llm.Safety
	if llm.Engagement != "" {
		out.Engagement = llm.Engagement
	}
	out.TopicSatisfied = lex.TopicSatisfied || llm.TopicSatisfied
	out.PlanFinalization = llm.PlanFinalization
	return out
}

func urgencyRank(u Urgency) int {
	switch u {
	case UrgencyUrgent:
		return 2
	case UrgencySerious:
		return 1
	default:
		return 0
	}
}

const signalsSystemPrompt = `Tu analyses un message envoyé à un coach bien-être.
Réponds UNIQUEMENT avec un objet JSON:
{"urgency": "normal"|"urgent"|"serious_topic", "safety": true|false, "topic_satisfied": true|false,
 "engagement": "low"|"normal"|"high", "plan_finalization": "done"|"not_done"|"uncertain"|null}
- urgent/safety: risque pour la sécurité ou la santé de la personne ou d'autrui.
- serious_topic: sujet lourd (deuil, maladie, rupture, travail perdu) sans danger immédiat.
- topic_satisfied: la personne semble satisfaite et clôt le sujet.
- plan_finalization: seulement si le message répond à "as-tu finalisé ton plan ?".`

type signalsJSON struct {
	Urgency          string  `json:"urgency"`
	Safety           bool    `json:"safety"`
	TopicSatisfied   bool    `json:"topic_satisfied"`
	Engagement       string  `json:"engagement"`
	PlanFinalization *string `json:"plan_finalization"`
}

func (a *Analyzer) llmSignals(ctx context.Context, in Input) (Signals, bool) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user := ""
	if recent := renderRecent(in.Recent, RecentWindow); recent != "" {
		user = "Conversation récente:\n" + recent
	}
	user += "Message à analyser: " + in.Text

	raw, err := a.gen.Generate(ctx, signalsSystemPrompt, user, 0)
	if err != nil {
		slog.Warn("Analyzer.llmSignals: generation failed", "error", err)
		return Signals{}, false
	}
	var out signalsJSON
	if err := decodeJSONObject(raw, &out); err != nil {
		slog.Warn("Analyzer.llmSignals: unparsable response", "error", err)
		return Signals{}, false
	}

	sig := Signals{Safety: out.Safety, TopicSatisfied: out.TopicSatisfied, Source: SourceLLM}
	switch u := Urgency(strings.ToLower(out.Urgency)); u {
	case UrgencyNormal, UrgencyUrgent, UrgencySerious:
		sig.Urgency = u
	default:
		sig.Urgency = UrgencyNormal
	}
	switch e := Engagement(strings.ToLower(out.Engagement)); e {
	case EngagementLow, EngagementNormal, EngagementHigh:
		sig.Engagement = e
	}
	if out.PlanFinalization != nil {
		switch p := PlanFinalization(strings.ToLower(*out.PlanFinalization)); p {
		case FinalizationDone, FinalizationNotDone, FinalizationUncertain:
			sig.PlanFinalization = p
		}
	}
	if sig.Safety && sig.Urgency == UrgencyNormal {
		sig.Urgency = UrgencyUrgent
	}
	return sig, true
}
