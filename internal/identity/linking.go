package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/cooldown"
	"github.com/BTreeMap/CoachPipe/internal/mailer"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// Outcome names what HandleUnlinked did with a message.
type Outcome string

const (
	OutcomeBlocked         Outcome = "blocked"
	OutcomeResumed         Outcome = "resumed"
	OutcomeBlockNotice     Outcome = "block_notice"
	OutcomeLinked          Outcome = "linked"
	OutcomeTokenRejected   Outcome = "token_rejected"
	OutcomeEmailSent       Outcome = "email_sent"
	OutcomeConfirmEmail    Outcome = "confirm_email"
	OutcomeSupportRequired Outcome = "support_required"
	OutcomePrompted        Outcome = "prompted"
	OutcomeSuppressed      Outcome = "suppressed"
)

// introPurposes share one prompt cooldown per phone.
var introPurposes = []models.Purpose{
	models.PurposeLinkIntro,
	models.PurposeLinkAmbiguousIntro,
	models.PurposeLinkConfirmEmail,
	models.PurposeLinkSupport,
}

const (
	msgIntro = "Bonjour ! Je ne reconnais pas encore ce numéro. Pour relier WhatsApp à ton compte, " +
		"réponds-moi simplement avec l'adresse email de ton compte."
	msgAmbiguousIntro = "Bonjour ! Ce numéro correspond à plusieurs demandes de compte. Pour confirmer le tien, " +
		"réponds avec l'adresse email de ton compte : je t'enverrai un lien de confirmation."
	msgEmailSent = "Merci ! Je viens d'envoyer un lien de confirmation à l'adresse de ce compte. " +
		"Ouvre-le depuis ce téléphone pour relier ton numéro."
	msgMailFailed = "Je n'ai pas réussi à envoyer l'email de confirmation. Réessaie un peu plus tard."
	msgConfirm    = "Je ne trouve aucun compte avec cette adresse. Tu es sûr·e de l'orthographe ? " +
		"Renvoie-moi l'email utilisé pour ton inscription."
	msgTokenInvalid = "Ce lien n'est plus valide. Renvoie-moi l'adresse email de ton compte pour en recevoir un nouveau."
	msgLinked       = "C'est tout bon, ton numéro est maintenant relié à ton compte. À très vite !"
	msgResumed      = "C'est noté, les messages reprennent. Pour relier ce numéro, réponds avec l'adresse email de ton compte."
)

// HandleUnlinked runs the linking protocol for a message from a phone that
// resolved to no account or to several.
func (r *Resolver) HandleUnlinked(ctx context.Context, ev *models.InboundEvent, res Resolution) (Outcome, error) {
	phone := ev.Phone
	now := r.now()
	lr, err := r.repo.EnsureLinkRequest(ctx, phone, now)
	if err != nil {
		return "", fmt.Errorf("handle unlinked %s: %w", phone, err)
	}
	text := strings.TrimSpace(ev.Text())

	if IsOptOut(text) {
		if lr.Status != models.LinkStatusBlocked {
			if _, err := r.transition(ctx, lr, models.LinkStatusBlocked, lr.Attempts, ""); err != nil {
				return "", err
			}
		}
		slog.Info("Resolver.HandleUnlinked: phone opted out", "phone", phone)
		return OutcomeBlocked, nil
	}

	if lr.Status == models.LinkStatusBlocked {
		if IsOptIn(text) {
			ok, err := r.transition(ctx, lr, models.LinkStatusPending, 0, "")
			if err != nil {
				return "", err
			}
			if !ok {
				return OutcomeSuppressed, nil
			}
			r.send(ctx, phone, msgResumed, models.PurposeLinkResumed)
			return OutcomeResumed, nil
		}
		if !r.cooldownPassed(ctx, phone, r.opts.BlockNoticeCooldown, models.PurposeLinkBlockNotice) {
			return OutcomeSuppressed, nil
		}
		r.send(ctx, phone, "Tu as demandé à ne plus recevoir de messages. Réponds START pour reprendre.", models.PurposeLinkBlockNotice)
		return OutcomeBlockNotice, nil
	}

	if lr.Status == models.LinkStatusLinked {
		// the phone was taken over by another account since
		ok, err := r.transition(ctx, lr, models.LinkStatusPending, 0, "")
		if err != nil {
			return "", err
		}
		if !ok {
			return OutcomeSuppressed, nil
		}
		lr.Status, lr.Attempts = models.LinkStatusPending, 0
	}

	if token, ok := ExtractToken(text); ok {
		return r.consumeToken(ctx, phone, token)
	}

	if lr.Status == models.LinkStatusSupportRequired {
		return r.prompt(ctx, phone, r.supportNotice(), models.PurposeLinkSupport, OutcomeSupportRequired)
	}

	if email, ok := ExtractEmail(text); ok {
		return r.handleEmail(ctx, lr, email, res)
	}

	if res.Kind == KindAmbiguous {
		return r.prompt(ctx, phone, msgAmbiguousIntro, models.PurposeLinkAmbiguousIntro, OutcomePrompted)
	}
	return r.prompt(ctx, phone, msgIntro, models.PurposeLinkIntro, OutcomePrompted)
}

func (r *Resolver) consumeToken(ctx context.Context, phone, raw string) (Outcome, error) {
	now := r.now()
	claims, err := r.signer.Verify(raw, now)
	if err != nil {
		slog.Warn("Resolver.consumeToken: rejected before any write", "phone", phone, "error", err)
		r.send(ctx, phone, msgTokenInvalid, models.PurposeLinkTokenInvalid)
		return OutcomeTokenRejected, nil
	}
	transfer, err := r.repo.TransferPhone(ctx, claims.ID, phone, now)
	if err != nil {
		// fail closed whatever the cause
		if !errors.Is(err, store.ErrTokenNotUsable) {
			slog.Error("Resolver.consumeToken: transfer failed", "phone", phone, "jti", claims.ID, "error", err)
		}
		r.send(ctx, phone, msgTokenInvalid, models.PurposeLinkTokenInvalid)
		return OutcomeTokenRejected, nil
	}

	if _, err := r.sender.Send(ctx, compose.Outgoing{
		To: phone, AccountID: transfer.AccountID, Body: msgLinked, Purpose: models.PurposeLinkSuccess,
	}); err != nil {
		slog.Error("Resolver.consumeToken: confirmation not sent", "phone", phone, "error", err)
	}

	if transfer.PreviousEmail != "" {
		r.bestEffort(ctx, "previous owner notice", func(ctx context.Context) error {
			msg, err := mailer.RenderPreviousOwnerNotice(transfer.PreviousEmail, mailer.PreviousOwnerNotice{
				Phone:        phone,
				SupportEmail: r.opts.SupportEmail,
			})
			if err != nil {
				return err
			}
			return r.mail.Send(ctx, msg)
		})
	}
	return OutcomeLinked, nil
}

func (r *Resolver) handleEmail(ctx context.Context, lr *models.LinkRequest, email string, res Resolution) (Outcome, error) {
	phone := lr.Phone
	acct, err := r.repo.GetAccountByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return r.failedAttempt(ctx, lr, email)
	}
	if err != nil {
		return "", fmt.Errorf("handle email for %s: %w", phone, err)
	}

	if !r.cooldownPassed(ctx, phone, r.opts.PromptCooldown, models.PurposeLinkEmailSent) {
		slog.Info("Resolver.handleEmail: challenge already sent recently", "phone", phone)
		return OutcomeSuppressed, nil
	}

	purpose, ttl := models.TokenPurposeWrongNumber, r.opts.TokenTTL
	if res.Kind == KindAmbiguous {
		purpose, ttl = models.TokenPurposeAmbiguous, r.opts.AmbiguousTokenTTL
	}
	now := r.now()
	raw, claims, err := r.signer.Issue(acct.ID, phone, purpose, ttl, now)
	if err != nil {
		return "", err
	}
	if err := r.repo.CreateLinkToken(ctx, models.LinkToken{
		ID:               claims.ID,
		AccountID:        acct.ID,
		Purpose:          purpose,
		RequestedByPhone: phone,
		Status:           models.TokenStatusActive,
		ExpiresAt:        claims.ExpiresAt.Time,
		CreatedAt:        now,
	}); err != nil {
		return "", fmt.Errorf("handle email for %s: %w", phone, err)
	}

	msg, err := mailer.RenderLinkChallenge(acct.Email, mailer.LinkChallenge{
		DisplayName:  acct.DisplayName,
		Phone:        phone,
		DeepLink:     DeepLink(r.opts.BotPhone, raw),
		Token:        raw,
		ExpiresAt:    claims.ExpiresAt.Time,
		Ambiguous:    purpose == models.TokenPurposeAmbiguous,
		SupportEmail: r.opts.SupportEmail,
	})
	if err == nil {
		mailCtx, cancel := context.WithTimeout(ctx, r.opts.MailTimeout)
		err = r.mail.Send(mailCtx, msg)
		cancel()
	}
	if err != nil {
		slog.Error("Resolver.handleEmail: challenge email failed", "phone", phone, "account_id", acct.ID, "error", err)
		r.send(ctx, phone, msgMailFailed, models.PurposeFallback)
		return OutcomeSuppressed, nil
	}

	if _, err := r.transition(ctx, lr, lr.Status, lr.Attempts, email); err != nil {
		slog.Warn("Resolver.handleEmail: email attempt not recorded", "phone", phone, "error", err)
	}
	r.send(ctx, phone, msgEmailSent, models.PurposeLinkEmailSent)
	slog.Info("Resolver.handleEmail: link challenge sent", "phone", phone, "account_id", acct.ID, "purpose", purpose)
	return OutcomeEmailSent, nil
}

// failedAttempt counts an unknown email. The write is conditional on the
// attempts value read, so two concurrent misses count once.
func (r *Resolver) failedAttempt(ctx context.Context, lr *models.LinkRequest, email string) (Outcome, error) {
	next := lr.Attempts + 1
	status, purpose, outcome, body := models.LinkStatusConfirmEmail, models.PurposeLinkConfirmEmail, OutcomeConfirmEmail, msgConfirm
	if next >= r.opts.MaxAttempts {
		status, purpose, outcome, body = models.LinkStatusSupportRequired, models.PurposeLinkSupport, OutcomeSupportRequired, r.supportNotice()
	}
	ok, err := r.transition(ctx, lr, status, next, email)
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeSuppressed, nil
	}
	slog.Info("Resolver.failedAttempt: unknown email", "phone", lr.Phone, "attempts", next, "status", status)
	r.send(ctx, lr.Phone, body, purpose)
	if err := r.repo.TouchLinkPrompt(ctx, lr.Phone, r.now()); err != nil {
		slog.Warn("Resolver.failedAttempt: prompt time not recorded", "phone", lr.Phone, "error", err)
	}
	return outcome, nil
}

// prompt sends body unless a linking prompt already went to phone within
// PromptCooldown.
func (r *Resolver) prompt(ctx context.Context, phone, body string, purpose models.Purpose, outcome Outcome) (Outcome, error) {
	if !r.cooldownPassed(ctx, phone, r.opts.PromptCooldown, introPurposes...) {
		slog.Debug("Resolver.HandleUnlinked: prompt suppressed", "phone", phone, "purpose", purpose)
		return OutcomeSuppressed, nil
	}
	r.send(ctx, phone, body, purpose)
	if err := r.repo.TouchLinkPrompt(ctx, phone, r.now()); err != nil {
		slog.Warn("Resolver.prompt: prompt time not recorded", "phone", phone, "error", err)
	}
	return outcome, nil
}

func (r *Resolver) supportNotice() string {
	if r.opts.SupportEmail == "" {
		return "Je n'arrive pas à retrouver ton compte. Notre équipe support va devoir t'aider à relier ce numéro."
	}
	return fmt.Sprintf("Je n'arrive pas à retrouver ton compte. Écris à %s pour qu'on t'aide à relier ce numéro.", r.opts.SupportEmail)
}

// cooldownPassed reports whether no message with one of purposes went to
// phone within window. The audit log decides; the gate only narrows the race
// between two concurrent turns.
func (r *Resolver) cooldownPassed(ctx context.Context, phone string, window time.Duration, purposes ...models.Purpose) bool {
	if window <= 0 {
		return true
	}
	last, err := r.repo.LastOutbound(ctx, store.OutboundFilter{Phone: phone, Purposes: purposes, Since: r.now().Add(-window)})
	if err != nil {
		slog.Warn("Resolver.cooldownPassed: audit lookup failed, suppressing", "phone", phone, "error", err)
		return false
	}
	if last != nil {
		return false
	}
	ok, err := r.gate.Acquire(ctx, cooldown.Key(string(purposes[0]), phone), window)
	if err != nil {
		slog.Warn("Resolver.cooldownPassed: gate unavailable, relying on audit log", "phone", phone, "error", err)
		return true
	}
	return ok
}

func (r *Resolver) transition(ctx context.Context, lr *models.LinkRequest, to models.LinkRequestStatus, attempts int, email string) (bool, error) {
	ok, err := r.repo.TransitionLinkRequest(ctx, store.LinkTransition{
		Phone:            lr.Phone,
		FromStatus:       lr.Status,
		FromAttempts:     lr.Attempts,
		ToStatus:         to,
		ToAttempts:       attempts,
		LastEmailAttempt: email,
	})
	if err != nil {
		return false, fmt.Errorf("link request %s %s->%s: %w", lr.Phone, lr.Status, to, err)
	}
	return ok, nil
}

func (r *Resolver) send(ctx context.Context, phone, body string, purpose models.Purpose) {
	if _, err := r.sender.Send(ctx, compose.Outgoing{To: phone, Body: body, Purpose: purpose}); err != nil {
		slog.Error("Resolver: send failed", "phone", phone, "purpose", purpose, "error", err)
	}
}

// bestEffort runs a secondary side effect on its own deadline. Failures are
// logged and never change the outcome of the turn.
func (r *Resolver) bestEffort(ctx context.Context, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.MailTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		slog.Warn("Resolver: best-effort step failed", "step", name, "error", err)
	}
}
