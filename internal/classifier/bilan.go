package classifier

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Intent is the reply to an assistant invitation.
type Intent string

const (
	IntentAccept  Intent = "accept"
	IntentDefer   Intent = "defer"
	IntentDecline Intent = "decline"
	// IntentOther is a message about something else than the invitation.
	IntentOther Intent = "other"
)

// Button ids sent with invitations.
const (
	ButtonAccept  = "invite_accept"
	ButtonDefer   = "invite_defer"
	ButtonDecline = "invite_decline"
)

// Result is a classified invitation reply. DelayMinutes is nil when no delay was given.
type Result struct {
	Intent       Intent
	DelayMinutes *int
	Source       Source
}

// Answers reports whether the message actually replies to the invitation. The
// {defer, nil} default and IntentOther do not.
func (r Result) Answers() bool {
	return r.Source != SourceDefault && r.Intent != IntentOther
}

var (
	acceptPhrases = []string{
		"oui", "ouais", "ok", "okay", "d'accord", "dac", "carrement", "go", "vas-y", "vas y", "allez",
		"allons-y", "allons y", "c'est parti", "avec plaisir", "volontiers", "bien sur", "parfait",
		"yes", "yep", "maintenant", "tout de suite", "je suis la", "je suis dispo", "grave", "absolument",
		"evidemment", "on y va", "top", "super", "ca marche", "let's go", "oui oui",
	}
	deferPhrases = []string{
		"plus tard", "pas maintenant", "pas tout de suite", "tout a l'heure", "apres", "later",
		"un peu plus tard", "attends", "pas encore", "je te dis", "je reviens", "pas dispo",
		"occupe", "occupee", "reporte", "reporter", "decale", "decaler",
	}
	declinePhrases = []string{
		"non", "non merci", "nan", "pas ce soir", "pas aujourd'hui", "laisse tomber", "annule", "annuler",
		"pas envie", "sans moi", "jamais", "no", "nope", "pas du tout", "oublie", "je passe",
	}
)

// BilanClassifier classifies replies to check-in, memory-echo and bilan invitations.
type BilanClassifier struct {
	gen     genai.Generator
	timeout time.Duration
	loc     *time.Location
	now     func() time.Time
}

// NewBilanClassifier returns a classifier. gen may be nil, in which case only
// deterministic tiers run.
func NewBilanClassifier(gen genai.Generator, timeout time.Duration, loc *time.Location) *BilanClassifier {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &BilanClassifier{gen: gen, timeout: timeout, loc: loc, now: time.Now}
}

// Classify never fails: inconclusive input yields {defer, nil} with
// SourceDefault. Callers check Answers before acting on the intent.
func (c *BilanClassifier) Classify(ctx context.Context, text string, recent []models.ConversationTurn) Result {
	in := NewInput(text, recent, c.now().In(c.loc))
	res, ok := firstConclusive[Result](ctx, in, DeterministicInvitation, c.llmTier, looseInvitation)
	if !ok {
		slog.Debug("BilanClassifier.Classify: no tier conclusive, defaulting to defer", "text", text)
		return Result{Intent: IntentDefer, Source: SourceDefault}
	}
	return res
}

// DeterministicInvitation resolves button ids, fixed labels and simple delay
// patterns without any external call.
func DeterministicInvitation(_ context.Context, in Input) (Result, bool) {
	s := in.Normalized
	if s == "" {
		return Result{}, false
	}
	switch strings.TrimSpace(in.Text) {
	case ButtonAccept:
		return Result{Intent: IntentAccept, Source: SourceDeterministic}, true
	case ButtonDefer:
		return Result{Intent: IntentDefer, Source: SourceDeterministic}, true
	case ButtonDecline:
		return Result{Intent: IntentDecline, Source: SourceDeterministic}, true
	}

	if matchesAny(s, declinePhrases) {
		return Result{Intent: IntentDecline, Source: SourceDeterministic}, true
	}
	// "non, demain" still asks for a later slot
	if d, ok := ParseDelay(s, in.Now); ok {
		return Result{Intent: IntentDefer, DelayMinutes: &d, Source: SourceDeterministic}, true
	}
	if matchesAny(s, deferPhrases) {
		return Result{Intent: IntentDefer, Source: SourceDeterministic}, true
	}
	if matchesAny(s, acceptPhrases) {
		return Result{Intent: IntentAccept, Source: SourceDeterministic}, true
	}
	// "oui merci", "ok go" and other short accepts with no negation
	ws := words(s)
	if len(ws) <= 3 && startsWithAny(s, acceptPhrases) && !hasNegation(s) {
		return Result{Intent: IntentAccept, Source: SourceDeterministic}, true
	}
	return Result{}, false
}

// looseInvitation is the last deterministic pass after the LLM tier: keyword
// containment anywhere in a short message. Defer wins over decline.
func looseInvitation(_ context.Context, in Input) (Result, bool) {
	s := in.Normalized
	if len(words(s)) > LongMessageWords {
		return Result{}, false
	}
	switch {
	case containsAny(s, deferPhrases):
		return Result{Intent: IntentDefer, Source: SourceFallback}, true
	case containsAny(s, declinePhrases):
		return Result{Intent: IntentDecline, Source: SourceFallback}, true
	case containsAny(s, acceptPhrases) && !hasNegation(s):
		return Result{Intent: IntentAccept, Source: SourceFallback}, true
	}
	return Result{}, false
}

const invitationSystemPrompt = `Tu classes la réponse d'un utilisateur à une invitation d'un coach (bilan, check-in ou rappel).
Réponds UNIQUEMENT avec un objet JSON: {"intent": "accept"|"defer"|"decline"|"other", "delay_minutes": nombre|null}.
- accept: l'utilisateur veut commencer maintenant.
- defer: l'utilisateur demande explicitement de le faire plus tard; delay_minutes est le délai demandé en minutes s'il est donné, sinon null.
- decline: l'utilisateur refuse explicitement.
- other: le message ne répond pas à l'invitation (autre sujet, question, confidence, détresse).
Entre accept et defer, en cas de doute choisis "defer". Si le message ne parle pas de l'invitation, choisis "other".`

type invitationJSON struct {
	Intent       string   `json:"intent"`
	DelayMinutes *float64 `json:"delay_minutes"`
}

func (c *BilanClassifier) llmTier(ctx context.Context, in Input) (Result, bool) {
	if c.gen == nil {
		return Result{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user := "Heure locale: " + in.Now.Format("15:04") + "\n"
	if recent := renderRecent(in.Recent, RecentWindow); recent != "" {
		user += "Conversation récente:\n" + recent
	}
	user += "Réponse à classer: " + in.Text

	raw, err := c.gen.Generate(ctx, invitationSystemPrompt, user, 0)
	if err != nil {
		slog.Warn("BilanClassifier.llmTier: generation failed", "error", err)
		return Result{}, false
	}
	var out invitationJSON
	if err := decodeJSONObject(raw, &out); err != nil {
		slog.Warn("BilanClassifier.llmTier: unparsable response", "error", err, "raw", raw)
		return Result{}, false
	}
	res := Result{Intent: Intent(strings.ToLower(strings.TrimSpace(out.Intent))), Source: SourceLLM}
	switch res.Intent {
	case IntentAccept, IntentDefer, IntentDecline, IntentOther:
	default:
		slog.Warn("BilanClassifier.llmTier: intent outside vocabulary", "intent", out.Intent)
		return Result{}, false
	}
	if out.DelayMinutes != nil && res.Intent == IntentDefer {
		d := int(math.Round(*out.DelayMinutes))
		if d >= 1 && d <= MaxDelayMinutes {
			res.DelayMinutes = &d
		}
	}
	return res, true
}

func startsWithAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if s == p || strings.HasPrefix(s, p+" ") {
			return true
		}
	}
	return false
}

func hasNegation(s string) bool {
	return containsAny(s, []string{"pas", "non", "jamais", "plus", "nan"})
}
