// Package cooldown narrows the read-before-write race of audit-log cooldowns.
//
// The outbound audit log stays the source of truth for "was this sent within
// the window". When Redis is configured, a SET NX PX key is taken as well so
// two concurrent deliveries for the same phone cannot both pass the check.
package cooldown

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Gate grants at most one holder per key within ttl.
type Gate interface {
	// Acquire returns true when the caller may proceed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Noop grants every request. It is used when Redis is not configured.
type Noop struct{}

func (Noop) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// RedisGate implements Gate with SET NX.
type RedisGate struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisGate(rdb *redis.Client, prefix string) *RedisGate {
	if prefix == "" {
		prefix = "coachpipe:cooldown:"
	}
	return &RedisGate{rdb: rdb, prefix: prefix}
}

func (g *RedisGate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := g.rdb.SetNX(ctx, g.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown acquire %s: %w", key, err)
	}
	return ok, nil
}

// Key joins the parts of a cooldown key, e.g. Key("link_intro", "+33612345678").
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}
