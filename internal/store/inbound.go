package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// InboundRepo records inbound events. The external message id is the idempotency key.
type InboundRepo interface {
	// RecordInbound inserts the event if absent. It returns false for a duplicate delivery.
	RecordInbound(ctx context.Context, ev models.InboundEvent) (bool, error)
	AttachInboundAccount(ctx context.Context, messageID, accountID string) error
	MarkProcessed(ctx context.Context, messageID string) error
	RecordDeliveryStatus(ctx context.Context, st models.DeliveryStatus) error
	ListUnlinkedInbound(ctx context.Context, limit int) ([]models.InboundEvent, error)
	RecentTurns(ctx context.Context, accountID string, limit int) ([]models.ConversationTurn, error)
}

var _ InboundRepo = (*Store)(nil)

const inboundColumns = `message_id, phone, account_id, type, body, interactive_id, interactive_title, received_at, processed_at`

func (s *Store) RecordInbound(ctx context.Context, ev models.InboundEvent) (bool, error) {
	received := ev.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inbound_events (message_id, phone, account_id, type, body, interactive_id, interactive_title, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		ev.MessageID, ev.Phone, ev.AccountID, ev.Type, ev.Body, ev.InteractiveID, ev.InteractiveTitle, utc(received),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		slog.Debug("Store.RecordInbound: duplicate delivery", "message_id", ev.MessageID)
	}
	return n > 0, nil
}

func (s *Store) AttachInboundAccount(ctx context.Context, messageID, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE inbound_events SET account_id = ? WHERE message_id = ? AND account_id IS NULL`),
		accountID, messageID,
	)
	if err != nil {
		return fmt.Errorf("attach inbound account: %w", err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE inbound_events SET processed_at = ? WHERE message_id = ?`),
		utc(time.Now()), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// RecordDeliveryStatus appends a delivery receipt. Receipts are never updated.
func (s *Store) RecordDeliveryStatus(ctx context.Context, st models.DeliveryStatus) error {
	at := st.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO delivery_statuses (provider_message_id, status, recipient, occurred_at) VALUES (?, ?, ?, ?)`),
		st.ProviderMessageID, st.Status, st.Recipient, utc(at),
	)
	if err != nil {
		return fmt.Errorf("record delivery status: %w", err)
	}
	return nil
}

// ListUnlinkedInbound returns the newest inbound events that never resolved to an account.
func (s *Store) ListUnlinkedInbound(ctx context.Context, limit int) ([]models.InboundEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.InboundEvent
	err := s.db.SelectContext(ctx, &events, s.q(`
		SELECT `+inboundColumns+` FROM inbound_events
		WHERE account_id IS NULL ORDER BY received_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list unlinked inbound: %w", err)
	}
	return events, nil
}

// RecentTurns merges the latest inbound and outbound messages of an account in
// chronological order.
func (s *Store) RecentTurns(ctx context.Context, accountID string, limit int) ([]models.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	var inbound []models.InboundEvent
	if err := s.db.SelectContext(ctx, &inbound, s.q(`
		SELECT `+inboundColumns+` FROM inbound_events
		WHERE account_id = ? ORDER BY received_at DESC LIMIT ?`), accountID, limit); err != nil {
		return nil, fmt.Errorf("recent inbound turns: %w", err)
	}
	var outbound []models.OutboundMessage
	if err := s.db.SelectContext(ctx, &outbound, s.q(`
		SELECT `+outboundColumns+` FROM outbound_messages
		WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`), accountID, limit); err != nil {
		return nil, fmt.Errorf("recent outbound turns: %w", err)
	}

	turns := make([]models.ConversationTurn, 0, len(inbound)+len(outbound))
	for _, ev := range inbound {
		turns = append(turns, models.ConversationTurn{Role: models.RoleUser, Content: ev.Text(), At: ev.Timestamp})
	}
	for _, m := range outbound {
		turns = append(turns, models.ConversationTurn{Role: models.RoleAssistant, Content: m.Content, At: m.CreatedAt})
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].At.Before(turns[j].At) })
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}
