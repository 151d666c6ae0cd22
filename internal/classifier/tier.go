package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Source records which tier produced a classification.
type Source string

const (
	SourceDeterministic Source = "deterministic"
	SourceLLM           Source = "llm"
	SourceFallback      Source = "fallback"
	SourceDefault       Source = "default"
)

// Input is what every tier sees.
type Input struct {
	Text       string
	Normalized string
	Recent     []models.ConversationTurn
	Now        time.Time
}

// NewInput normalizes text once for all tiers.
func NewInput(text string, recent []models.ConversationTurn, now time.Time) Input {
	return Input{Text: text, Normalized: Normalize(text), Recent: recent, Now: now}
}

// Tier is one classification strategy. ok is false when the tier is not conclusive.
type Tier[T any] func(ctx context.Context, in Input) (result T, ok bool)

// firstConclusive runs tiers in order and returns the first conclusive result.
func firstConclusive[T any](ctx context.Context, in Input, tiers ...Tier[T]) (T, bool) {
	for _, tier := range tiers {
		if tier == nil {
			continue
		}
		if res, ok := tier(ctx, in); ok {
			return res, true
		}
		if ctx.Err() != nil {
			break
		}
	}
	var zero T
	return zero, false
}

var errNoJSONObject = errors.New("no JSON object in response")

// decodeJSONObject strips code fences and decodes the first JSON object in raw into v.
func decodeJSONObject(raw string, v any) error {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return errNoJSONObject
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("malformed classifier JSON: %w", err)
	}
	return nil
}

// renderRecent formats the rolling window sent along with an LLM classification.
func renderRecent(turns []models.ConversationTurn, max int) string {
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	var b strings.Builder
	for _, t := range turns {
		role := "Utilisateur"
		if t.Role == models.RoleAssistant {
			role = "Coach"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, strings.TrimSpace(t.Content))
	}
	return b.String()
}

// RecentWindow is the number of turns sent to LLM tiers.
const RecentWindow = 6
