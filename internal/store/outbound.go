package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/jmoiron/sqlx"
)

// OutboundFilter selects audit rows for cooldown checks. Either Phone or
// AccountID must be set.
type OutboundFilter struct {
	Phone     string
	AccountID string
	Purposes  []models.Purpose
	Since     time.Time
}

// OutboundRepo is the append-only outbound audit log.
type OutboundRepo interface {
	RecordOutbound(ctx context.Context, m models.OutboundMessage) error
	// LastOutbound returns the newest matching row, or nil when none exists.
	LastOutbound(ctx context.Context, f OutboundFilter) (*models.OutboundMessage, error)
	CountOutbound(ctx context.Context, f OutboundFilter) (int, error)
}

var _ OutboundRepo = (*Store)(nil)

const outboundColumns = `tracking_id, account_id, to_phone, content, provider_message_id, purpose, is_proactive,
	reply_to_inbound_id, created_at`

func (s *Store) RecordOutbound(ctx context.Context, m models.OutboundMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO outbound_messages (`+outboundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.TrackingID, m.AccountID, m.ToPhone, m.Content, m.ProviderMessageID, m.Purpose, m.IsProactive,
		m.ReplyToInboundID, utc(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record outbound %s: %w", m.TrackingID, err)
	}
	return nil
}

func (s *Store) LastOutbound(ctx context.Context, f OutboundFilter) (*models.OutboundMessage, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, fmt.Errorf("last outbound: %w", err)
	}
	var rows []models.OutboundMessage
	query := `SELECT ` + outboundColumns + ` FROM outbound_messages WHERE ` + where + ` ORDER BY created_at DESC LIMIT 1`
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("last outbound: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CountOutbound returns the number of matching audit rows.
func (s *Store) CountOutbound(ctx context.Context, f OutboundFilter) (int, error) {
	where, args, err := f.where()
	if err != nil {
		return 0, fmt.Errorf("count outbound: %w", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM outbound_messages WHERE `+where), args...); err != nil {
		return 0, fmt.Errorf("count outbound: %w", err)
	}
	return n, nil
}

// where renders f as a condition with bindvars still in '?' form.
func (f OutboundFilter) where() (string, []any, error) {
	if f.Phone == "" && f.AccountID == "" {
		return "", nil, errors.New("phone or account id required")
	}
	cond := `created_at >= ?`
	args := []any{utc(f.Since)}
	if f.Phone != "" {
		cond += ` AND to_phone = ?`
		args = append(args, f.Phone)
	}
	if f.AccountID != "" {
		cond += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if len(f.Purposes) == 0 {
		return cond, args, nil
	}
	cond += ` AND purpose IN (?)`
	args = append(args, f.Purposes)
	expanded, expandedArgs, err := sqlx.In(cond, args...)
	if err != nil {
		return "", nil, fmt.Errorf("expand purposes: %w", err)
	}
	return expanded, expandedArgs, nil
}
