package genai

import (
	"context"
	"errors"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned by a Limited generator when no token is available.
var ErrRateLimited = errors.New("genai: rate limited")

// Limited wraps a Generator with a token bucket. Calls never wait for a token;
// callers are expected to fall back to a deterministic answer instead.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
}

var _ Generator = (*Limited)(nil)

// NewLimited allows rps calls per second with the given burst. rps <= 0 disables limiting.
func NewLimited(next Generator, rps float64, burst int) *Limited {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *Limited) Generate(ctx context.Context, systemContext, userTurn string, temperature float64) (string, error) {
	if !l.limiter.Allow() {
		return "", ErrRateLimited
	}
	return l.next.Generate(ctx, systemContext, userTurn, temperature)
}

func (l *Limited) GenerateWithHistory(ctx context.Context, systemContext string, history []models.ConversationTurn, userTurn string, temperature float64) (string, error) {
	if !l.limiter.Allow() {
		return "", ErrRateLimited
	}
	return l.next.GenerateWithHistory(ctx, systemContext, history, userTurn, temperature)
}
