package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// AuditLog is the append-only outbound log.
type AuditLog interface {
	RecordOutbound(ctx context.Context, m models.OutboundMessage) error
}

// Outgoing is one message to send.
type Outgoing struct {
	To        string
	AccountID string
	Body      string
	Purpose   models.Purpose
	Proactive bool
	ReplyTo   string
}

// Dispatcher sends through the transport and writes the audit row.
type Dispatcher struct {
	sender messaging.Sender
	audit  AuditLog
	now    func() time.Time
}

func NewDispatcher(sender messaging.Sender, audit AuditLog) *Dispatcher {
	return &Dispatcher{sender: sender, audit: audit, now: time.Now}
}

// Send delivers o and appends the audit row. A recipient refused by the
// platform allow-list is logged and audited without a provider id; it is not
// an error for the caller.
func (d *Dispatcher) Send(ctx context.Context, o Outgoing) (*models.OutboundMessage, error) {
	if o.Body == "" {
		return nil, fmt.Errorf("dispatch %s: empty body", o.Purpose)
	}
	row := models.OutboundMessage{
		TrackingID:  uuid.NewString(),
		ToPhone:     o.To,
		Content:     o.Body,
		Purpose:     o.Purpose,
		IsProactive: o.Proactive,
	}
	if o.AccountID != "" {
		row.AccountID = &o.AccountID
	}
	if o.ReplyTo != "" {
		row.ReplyToInboundID = &o.ReplyTo
	}

	providerID, err := d.sender.Send(ctx, o.To, o.Body)
	switch {
	case errors.Is(err, messaging.ErrRecipientNotAllowed):
		slog.Warn("Dispatcher.Send: recipient not allowed", "to", o.To, "purpose", o.Purpose, "tracking_id", row.TrackingID)
	case err != nil:
		slog.Error("Dispatcher.Send: send failed", "to", o.To, "purpose", o.Purpose, "error", err)
		return nil, fmt.Errorf("send %s: %w", o.Purpose, err)
	default:
		row.ProviderMessageID = providerID
	}

	row.CreatedAt = d.now()
	if err := d.audit.RecordOutbound(ctx, row); err != nil {
		// the message is out; a missing audit row only weakens cooldowns
		slog.Error("Dispatcher.Send: audit write failed", "tracking_id", row.TrackingID, "purpose", o.Purpose, "error", err)
	}
	slog.Debug("Dispatcher.Send: message dispatched", "to", o.To, "purpose", o.Purpose, "provider_id", row.ProviderMessageID)
	return &row, nil
}
