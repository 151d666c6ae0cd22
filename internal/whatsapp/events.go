package whatsapp

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// ConvertEvent turns a whatsmeow event into normalized inbound events and
// delivery statuses. Unsupported events yield nothing.
func ConvertEvent(evt interface{}) ([]models.InboundEvent, []models.DeliveryStatus) {
	switch v := evt.(type) {
	case *events.Message:
		ev, ok := convertMessage(v)
		if !ok {
			return nil, nil
		}
		return []models.InboundEvent{ev}, nil
	case *events.Receipt:
		return nil, convertReceipt(v)
	default:
		return nil, nil
	}
}

func convertMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundEvent{}, false
	}
	from, err := messaging.CanonicalizePhone(evt.Info.Sender.User)
	if err != nil {
		slog.Debug("WhatsApp ignoring message from non-phone sender", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		MessageID: evt.Info.ID,
		Phone:     from,
		Type:      models.EventTypeText,
		Timestamp: evt.Info.Timestamp.UTC(),
	}
	if !fillContent(&ev, evt.Message) {
		slog.Debug("WhatsApp ignoring non-text message", "from", from)
		return models.InboundEvent{}, false
	}
	return ev, true
}

func fillContent(ev *models.InboundEvent, msg *waE2E.Message) bool {
	switch {
	case msg.GetConversation() != "":
		ev.Body = msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		ev.Body = msg.GetExtendedTextMessage().GetText()
	case msg.GetButtonsResponseMessage() != nil:
		ev.Type = models.EventTypeButton
		ev.InteractiveID = msg.GetButtonsResponseMessage().GetSelectedButtonID()
		ev.InteractiveTitle = msg.GetButtonsResponseMessage().GetSelectedDisplayText()
	case msg.GetListResponseMessage() != nil:
		ev.Type = models.EventTypeInteractive
		ev.InteractiveID = msg.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID()
		ev.InteractiveTitle = msg.GetListResponseMessage().GetTitle()
	default:
		return false
	}
	return strings.TrimSpace(ev.Text()) != ""
}

func convertReceipt(evt *events.Receipt) []models.DeliveryStatus {
	var status string
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = "delivered"
	case events.ReceiptTypeRead:
		status = "read"
	default:
		return nil
	}
	recipient, err := messaging.CanonicalizePhone(evt.MessageSource.Chat.User)
	if err != nil {
		return nil
	}
	out := make([]models.DeliveryStatus, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, models.DeliveryStatus{
			ProviderMessageID: id,
			Status:            status,
			Recipient:         recipient,
			Timestamp:         evt.Timestamp.UTC(),
		})
	}
	return out
}
