package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/classifier"
	"github.com/BTreeMap/CoachPipe/internal/compose"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// MaxRescheduleRetries caps the "when?" re-prompts of a bilan reschedule.
const MaxRescheduleRetries = 2

// DefaultDeferDelay is used when a deferral names no delay.
const DefaultDeferDelay = 2 * time.Hour

// priority is the order pending kinds are matched against a reply.
var priority = []models.PendingKind{
	models.PendingBilanReschedule,
	models.PendingScheduledCheckin,
	models.PendingMemoryEcho,
}

// Classifier classifies a reply to an invitation.
type Classifier interface {
	Classify(ctx context.Context, text string, recent []models.ConversationTurn) classifier.Result
}

// Replier sends a reply directive.
type Replier interface {
	Reply(ctx context.Context, acct *models.Account, inbound *models.InboundEvent, r compose.Reply) (*models.OutboundMessage, error)
}

// Scheduler writes future deliveries.
type Scheduler interface {
	EnqueueDelivery(ctx context.Context, kind string, runAt time.Time, payload string, dedupeKey string) (string, error)
}

// History supplies the recent turns passed to the classifier.
type History interface {
	RecentTurns(ctx context.Context, accountID string, limit int) ([]models.ConversationTurn, error)
}

// Handler resolves replies against pending invitations.
type Handler struct {
	store      *Store
	classifier Classifier
	replier    Replier
	scheduler  Scheduler
	history    History
	deferDelay time.Duration
	now        func() time.Time
}

// NewHandler returns a Handler. deferDelay <= 0 uses DefaultDeferDelay.
func NewHandler(store *Store, c Classifier, replier Replier, scheduler Scheduler, history History, deferDelay time.Duration) *Handler {
	if deferDelay <= 0 {
		deferDelay = DefaultDeferDelay
	}
	return &Handler{
		store:      store,
		classifier: c,
		replier:    replier,
		scheduler:  scheduler,
		history:    history,
		deferDelay: deferDelay,
		now:        time.Now,
	}
}

// Handle reports whether ev was consumed by a pending invitation. With nothing
// pending the classifier is not consulted and ev is not handled. A check-in or
// memory echo is only resolved by a reply that answers it; anything else
// leaves it pending and falls through.
func (h *Handler) Handle(ctx context.Context, acct *models.Account, ev *models.InboundEvent) (bool, error) {
	for _, kind := range priority {
		p, err := h.store.Latest(ctx, acct.ID, kind)
		if errors.Is(err, ErrNoPending) {
			continue
		}
		if err != nil {
			return false, err
		}
		slog.Debug("pending.Handler: matching reply", "account_id", acct.ID, "kind", kind, "pending_id", p.ID)
		res := h.classifier.Classify(ctx, ev.Text(), h.recent(ctx, acct.ID))
		if kind != models.PendingBilanReschedule && !res.Answers() {
			// the invitation stays open for a later reply
			slog.Debug("pending.Handler: reply does not answer the invitation", "account_id", acct.ID, "pending_id", p.ID, "intent", res.Intent, "source", res.Source)
			return false, nil
		}
		switch kind {
		case models.PendingBilanReschedule:
			return h.handleReschedule(ctx, acct, ev, p, res)
		case models.PendingScheduledCheckin:
			return h.handleCheckin(ctx, acct, ev, p, res)
		case models.PendingMemoryEcho:
			return h.handleMemoryEcho(ctx, acct, ev, p, res)
		}
	}
	return false, nil
}

func (h *Handler) recent(ctx context.Context, accountID string) []models.ConversationTurn {
	if h.history == nil {
		return nil
	}
	turns, err := h.history.RecentTurns(ctx, accountID, classifier.RecentWindow)
	if err != nil {
		slog.Warn("pending.Handler: recent turns unavailable", "account_id", accountID, "error", err)
		return nil
	}
	return turns
}

func (h *Handler) handleCheckin(ctx context.Context, acct *models.Account, ev *models.InboundEvent, p *models.PendingAction, res classifier.Result) (bool, error) {
	payload := DecodePayload(p)
	switch res.Intent {
	case classifier.IntentAccept:
		if !h.resolve(ctx, p, models.PendingStatusDone) {
			return true, nil
		}
		if payload.Bilan {
			h.reply(ctx, acct, ev, bilanStartReply())
			return true, nil
		}
		topic := ""
		if payload.Topic != "" {
			topic = fmt.Sprintf(" sur le thème « %s »", payload.Topic)
		}
		h.reply(ctx, acct, ev, compose.Reply{
			Purpose:     models.PurposeCheckinAccept,
			Instruction: fmt.Sprintf("La personne accepte le point prévu%s. Lance-le avec une première question simple et concrète.", topic),
			Text:        "Super, on commence ! Comment ça se passe pour toi aujourd'hui ?",
		})
	case classifier.IntentDecline:
		if !h.resolve(ctx, p, models.PendingStatusCancelled) {
			return true, nil
		}
		h.reply(ctx, acct, ev, compose.Reply{
			Purpose: models.PurposeCheckinDeclineAck,
			Text:    "Ça marche, on laisse ça pour aujourd'hui. Je reste là si tu as besoin.",
		})
	case classifier.IntentDefer:
		if payload.Bilan && res.DelayMinutes == nil {
			// no time given for the bilan: ask when
			if !h.resolve(ctx, p, models.PendingStatusDone) {
				return true, nil
			}
			if _, err := h.store.Create(ctx, acct.ID, models.PendingBilanReschedule, payload, ""); err != nil && !errors.Is(err, ErrAlreadyPending) {
				slog.Error("pending.Handler: bilan reschedule not created", "account_id", acct.ID, "error", err)
			}
			h.reply(ctx, acct, ev, compose.Reply{
				Purpose: models.PurposeBilanReschedulePrompt,
				Text:    "Pas de souci ! Quand veux-tu qu'on fasse le bilan ? Par exemple « dans 1h », « à 21h » ou « demain ».",
			})
			return true, nil
		}
		kind := models.DeliveryKindCheckin
		if payload.Bilan {
			kind = models.DeliveryKindBilan
		}
		return h.deferTo(ctx, acct, ev, p, payload, kind, res.DelayMinutes, models.PurposeCheckinDeferAck)
	}
	return true, nil
}

func (h *Handler) handleMemoryEcho(ctx context.Context, acct *models.Account, ev *models.InboundEvent, p *models.PendingAction, res classifier.Result) (bool, error) {
	payload := DecodePayload(p)
	switch res.Intent {
	case classifier.IntentAccept:
		if !h.resolve(ctx, p, models.PendingStatusDone) {
			return true, nil
		}
		h.reply(ctx, acct, ev, compose.Reply{
			Purpose: models.PurposeMemoryEchoAccept,
			Instruction: fmt.Sprintf("La personne accepte de reparler de ce souvenir: « %s ». Rebondis dessus avec une question ouverte.",
				payload.MemoryContent),
			Text: "Avec plaisir ! Raconte-moi où tu en es avec ça aujourd'hui ?",
		})
	case classifier.IntentDecline:
		if !h.resolve(ctx, p, models.PendingStatusCancelled) {
			return true, nil
		}
		h.reply(ctx, acct, ev, compose.Reply{
			Purpose: models.PurposeMemoryEchoDeclineAck,
			Text:    "D'accord, on n'en parle pas. Je suis là si tu veux discuter d'autre chose.",
		})
	case classifier.IntentDefer:
		return h.deferTo(ctx, acct, ev, p, payload, models.DeliveryKindMemoryEcho, res.DelayMinutes, models.PurposeMemoryEchoDeferAck)
	}
	return true, nil
}

func (h *Handler) handleReschedule(ctx context.Context, acct *models.Account, ev *models.InboundEvent, p *models.PendingAction, res classifier.Result) (bool, error) {
	payload := DecodePayload(p)
	switch {
	case res.DelayMinutes != nil:
		return h.deferTo(ctx, acct, ev, p, payload, models.DeliveryKindBilan, res.DelayMinutes, models.PurposeBilanRescheduleAck)
	case res.Intent == classifier.IntentDecline:
		if !h.resolve(ctx, p, models.PendingStatusCancelled) {
			return true, nil
		}
		h.reply(ctx, acct, ev, compose.Reply{
			Purpose: models.PurposeBilanRescheduleAck,
			Text:    "Ok, pas de bilan aujourd'hui. Repose-toi bien !",
		})
		return true, nil
	case res.Intent == classifier.IntentAccept:
		if !h.resolve(ctx, p, models.PendingStatusDone) {
			return true, nil
		}
		h.reply(ctx, acct, ev, bilanStartReply())
		return true, nil
	}

	// no usable delay
	if p.RetryCount >= MaxRescheduleRetries {
		if err := h.store.Resolve(ctx, p, models.PendingStatusExpired); err != nil && !errors.Is(err, ErrNoPending) {
			return false, err
		}
		slog.Info("pending.Handler: reschedule retries exhausted, falling through", "account_id", acct.ID, "pending_id", p.ID)
		return false, nil
	}
	ok, err := h.store.BumpRetry(ctx, p)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	h.reply(ctx, acct, ev, compose.Reply{
		Purpose: models.PurposeBilanRescheduleReprompt,
		Text:    "Je n'ai pas bien saisi le moment. Tu peux me répondre par exemple « dans 30 min », « à 21h30 » ou « demain » ?",
	})
	return true, nil
}

// deferTo closes p and schedules a new delivery of kind after the delay.
func (h *Handler) deferTo(ctx context.Context, acct *models.Account, ev *models.InboundEvent, p *models.PendingAction,
	payload models.InvitationPayload, kind string, delayMinutes *int, purpose models.Purpose) (bool, error) {
	delay := h.deferDelay
	if delayMinutes != nil && *delayMinutes > 0 {
		delay = time.Duration(*delayMinutes) * time.Minute
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode deferred payload: %w", err)
	}
	if !h.resolve(ctx, p, models.PendingStatusDone) {
		return true, nil
	}
	deliveryID, err := h.scheduler.EnqueueDelivery(ctx, kind, h.now().Add(delay), string(raw), "defer:"+p.ID)
	if err != nil {
		slog.Error("pending.Handler: deferred delivery not scheduled", "account_id", acct.ID, "pending_id", p.ID, "error", err)
		h.reply(ctx, acct, ev, compose.Reply{
			Purpose: purpose,
			Text:    "Pas de souci, on en reparle quand tu veux. Écris-moi quand tu es dispo !",
		})
		return true, nil
	}
	if err := h.store.LinkDelivery(ctx, p, deliveryID); err != nil {
		slog.Warn("pending.Handler: delivery link not recorded", "pending_id", p.ID, "error", err)
	}
	h.reply(ctx, acct, ev, compose.Reply{
		Purpose: purpose,
		Text:    fmt.Sprintf("Pas de souci, je reviens vers toi %s.", FormatDelay(delay)),
	})
	return true, nil
}

// resolve closes p; false means another delivery already handled it.
func (h *Handler) resolve(ctx context.Context, p *models.PendingAction, outcome models.PendingStatus) bool {
	if err := h.store.Resolve(ctx, p, outcome); err != nil {
		if !errors.Is(err, ErrNoPending) {
			slog.Error("pending.Handler: resolve failed", "pending_id", p.ID, "error", err)
		}
		return false
	}
	return true
}

func (h *Handler) reply(ctx context.Context, acct *models.Account, ev *models.InboundEvent, r compose.Reply) {
	if _, err := h.replier.Reply(ctx, acct, ev, r); err != nil {
		slog.Error("pending.Handler: reply failed", "account_id", acct.ID, "purpose", r.Purpose, "error", err)
	}
}

func bilanStartReply() compose.Reply {
	return compose.Reply{
		Purpose:     models.PurposeBilanStart,
		Instruction: "Commence le bilan de fin de journée: demande comment s'est passée la journée par rapport au plan, en une seule question.",
		Text:        "Allez, c'est parti pour le bilan ! Comment s'est passée ta journée ?",
	}
}

// FormatDelay renders a delay the way the coach says it: "dans 45 min",
// "dans 2 h 30", "demain", "dans 3 jours".
func FormatDelay(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	switch {
	case minutes < 60:
		return fmt.Sprintf("dans %d min", minutes)
	case minutes < 24*60:
		h, m := minutes/60, minutes%60
		if m == 0 {
			return fmt.Sprintf("dans %d h", h)
		}
		return fmt.Sprintf("dans %d h %02d", h, m)
	case minutes < 2*24*60:
		return "demain"
	default:
		return fmt.Sprintf("dans %d jours", minutes/(24*60))
	}
}
