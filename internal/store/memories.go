package store

import (
	"context"
	"fmt"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

// MemoryRepo stores durable account facts.
type MemoryRepo interface {
	AddMemory(ctx context.Context, accountID string, kind models.MemoryKind, content string) (string, error)
	ListMemories(ctx context.Context, accountID string, kind models.MemoryKind, limit int) ([]models.Memory, error)
	HasPersonalFact(ctx context.Context, accountID string) (bool, error)
}

var _ MemoryRepo = (*Store)(nil)

func (s *Store) AddMemory(ctx context.Context, accountID string, kind models.MemoryKind, content string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO memories (id, account_id, kind, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		id, accountID, kind, content, utc(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("add memory for %s: %w", accountID, err)
	}
	return id, nil
}

// ListMemories returns the newest memories of kind; an empty kind returns all kinds.
func (s *Store) ListMemories(ctx context.Context, accountID string, kind models.MemoryKind, limit int) ([]models.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, account_id, kind, content, created_at FROM memories WHERE account_id = ?`
	args := []any{accountID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	var out []models.Memory
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list memories for %s: %w", accountID, err)
	}
	return out, nil
}

func (s *Store) HasPersonalFact(ctx context.Context, accountID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.q(`SELECT COUNT(*) FROM memories WHERE account_id = ? AND kind = ?`),
		accountID, models.MemoryKindPersonalFact,
	)
	if err != nil {
		return false, fmt.Errorf("has personal fact for %s: %w", accountID, err)
	}
	return n > 0, nil
}
