package router

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync-api/domain"
)

// ReplayDeduper is a Redis-backed transient de-duplication layer for
// REPLAY_QUEUE operations, adapted from the teacher's RedisDeduper
// (api/idempotency.go). Unlike the teacher's version, which keys on a
// client-supplied idempotency key, the key here is derived entirely from
// the operation itself: (clientId, type, enqueuedAt, hash(payload)). A
// nil client makes every call a no-op that always reports "not seen
// before", matching the fail-open behavior the rest of the ambient stack
// uses when Redis is unconfigured.
type ReplayDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewReplayDeduper creates a deduper bound to client, or a permanently
// fail-open one if client is nil.
func NewReplayDeduper(client *redis.Client, ttl time.Duration) *ReplayDeduper {
	return &ReplayDeduper{client: client, ttl: ttl}
}

func replayKey(clientID string, op domain.QueuedOperation) string {
	sum := sha256.Sum256(op.Payload)
	return fmt.Sprintf("replay:%s:%s:%d:%x", clientID, op.Type, op.EnqueuedAt, sum[:8])
}

// Add records the operation's fingerprint and reports whether it is newly
// seen (true) or a repeat of an already-applied replay batch (false).
func (d *ReplayDeduper) Add(ctx context.Context, clientID string, op domain.QueuedOperation) (bool, error) {
	if d == nil || d.client == nil {
		return true, nil
	}
	return d.client.SetNX(ctx, replayKey(clientID, op), 1, d.ttl).Result()
}
