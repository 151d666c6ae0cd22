// Package compose builds replies: it assembles the context block, calls the
// generation model, sends the result and writes the outbound audit row.
package compose

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// Reply is a reply directive produced by the state machine, the pending-action
// handler or the default conversational path.
//
// Text alone is sent verbatim. With Instruction set the text is generated and
// Text is only the fallback when generation fails.
type Reply struct {
	Purpose     models.Purpose
	Text        string
	Instruction string
	Persona     Persona
	Context     string
	Proactive   bool
}

// Repo is the read side the composer needs.
type Repo interface {
	ListMemories(ctx context.Context, accountID string, kind models.MemoryKind, limit int) ([]models.Memory, error)
	RecentTurns(ctx context.Context, accountID string, limit int) ([]models.ConversationTurn, error)
}

// Opts holds configuration options for the composer.
type Opts struct {
	SiteURL      string
	HistoryTurns int
	Timeout      time.Duration
}

// Composer turns Reply directives into sent messages.
type Composer struct {
	gen        genai.Generator
	repo       Repo
	policy     *Policy
	dispatcher *Dispatcher
	opts       Opts
}

// NewComposer returns a Composer. gen may be nil; replies then use their fallbacks.
func NewComposer(gen genai.Generator, repo Repo, policy *Policy, dispatcher *Dispatcher, opts Opts) *Composer {
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 12
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	return &Composer{gen: gen, repo: repo, policy: policy, dispatcher: dispatcher, opts: opts}
}

// Reply composes r for acct and sends it. inbound is the message being
// answered, nil for proactive messages.
func (c *Composer) Reply(ctx context.Context, acct *models.Account, inbound *models.InboundEvent, r Reply) (*models.OutboundMessage, error) {
	body := c.Compose(ctx, acct, inbound, r)
	out := Outgoing{
		To:        acct.PhoneNumber(),
		AccountID: acct.ID,
		Body:      body,
		Purpose:   r.Purpose,
		Proactive: r.Proactive || inbound == nil,
	}
	if inbound != nil {
		out.ReplyTo = inbound.MessageID
	}
	return c.dispatcher.Send(ctx, out)
}

// Compose returns the text for r without sending it.
func (c *Composer) Compose(ctx context.Context, acct *models.Account, inbound *models.InboundEvent, r Reply) string {
	fallback := strings.TrimSpace(r.Text)
	if fallback == "" {
		fallback = c.policy.fallback(r.Persona)
	}
	if r.Instruction == "" && r.Text != "" {
		return fallback
	}
	if c.gen == nil {
		return fallback
	}

	inboundText := ""
	if inbound != nil {
		inboundText = inbound.Text()
	}
	system := BuildContext(c.policy, ContextInput{
		Persona:      r.Persona,
		SiteURL:      c.opts.SiteURL,
		DisplayName:  acct.DisplayName,
		Facts:        c.memories(ctx, acct.ID, models.MemoryKindPersonalFact, 10),
		Memories:     c.memories(ctx, acct.ID, models.MemoryKindMemory, 30),
		InboundText:  inboundText,
		StateContext: r.Context,
		Instruction:  r.Instruction,
	})

	history, err := c.repo.RecentTurns(ctx, acct.ID, c.opts.HistoryTurns)
	if err != nil {
		slog.Warn("Composer.Compose: history unavailable", "account_id", acct.ID, "error", err)
		history = nil
	}
	userTurn := inboundText
	if userTurn == "" {
		userTurn = "(Pas de nouveau message. Écris le message proactif décrit dans la consigne.)"
	} else if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == userTurn {
		history = history[:n-1]
	}

	genCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	text, err := c.gen.GenerateWithHistory(genCtx, system, history, userTurn, c.policy.persona(r.Persona).Temperature)
	if err != nil {
		slog.Warn("Composer.Compose: generation failed, using fallback", "account_id", acct.ID, "purpose", r.Purpose, "error", err)
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}
	return truncate(text, models.MaxMessageBodyLength)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (c *Composer) memories(ctx context.Context, accountID string, kind models.MemoryKind, limit int) []models.Memory {
	ms, err := c.repo.ListMemories(ctx, accountID, kind, limit)
	if err != nil {
		slog.Warn("Composer: memories unavailable", "account_id", accountID, "kind", kind, "error", err)
		return nil
	}
	return ms
}
