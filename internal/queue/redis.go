package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "genbatch"
	stopFlagTTL      = 24 * time.Hour
	dequeueBlock     = 2 * time.Second
)

// RedisConfig configures the Redis-backed queue.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// redisQueue stores chunk payloads in a hash and entry references on
// per-state lists, so entries can be listed, removed and flagged without
// touching the payloads of other entries.
type redisQueue struct {
	rdb    *redis.Client
	prefix string
}

// NewRedis connects to Redis and returns a durable Queue.
func NewRedis(ctx context.Context, cfg RedisConfig) (Queue, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &redisQueue{rdb: rdb, prefix: prefix}, nil
}

func (q *redisQueue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *redisQueue) chunksKey() string  { return q.key("chunks") }
func (q *redisQueue) pendingKey() string { return q.key("pending") }
func (q *redisQueue) highKey() string    { return q.key("pending", "high") }
func (q *redisQueue) activeKey() string  { return q.key("active") }
func (q *redisQueue) leasesKey() string  { return q.key("active", "leases") }
func (q *redisQueue) delayedKey() string { return q.key("delayed") }
func (q *redisQueue) stopKey(ref Ref) string {
	return q.key("stop", string(ref))
}

func (q *redisQueue) Enqueue(ctx context.Context, c Chunk, priority Priority) (Ref, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	raw, err := encodeChunk(&c)
	if err != nil {
		return "", err
	}

	ref := Ref(uuid.New().String())
	list := q.pendingKey()
	if priority == PriorityHigh {
		list = q.highKey()
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.chunksKey(), string(ref), raw)
	pipe.LPush(ctx, list, string(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue chunk: %w", err)
	}
	return ref, nil
}

func (q *redisQueue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// High priority first, non-blocking, then block briefly on the
		// normal list so new high priority entries are picked up soon.
		refStr, err := q.rdb.LMove(ctx, q.highKey(), q.activeKey(), "RIGHT", "LEFT").Result()
		if err == redis.Nil {
			refStr, err = q.rdb.BLMove(ctx, q.pendingKey(), q.activeKey(), "RIGHT", "LEFT", dequeueBlock).Result()
		}
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to dequeue chunk: %w", err)
		}

		ref := Ref(refStr)

		// Record the lease time so the janitor can requeue the chunk if
		// this worker dies before releasing it.
		if err := q.rdb.ZAdd(ctx, q.leasesKey(), redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: refStr,
		}).Err(); err != nil {
			return nil, fmt.Errorf("failed to record chunk lease: %w", err)
		}

		raw, err := q.rdb.HGet(ctx, q.chunksKey(), refStr).Bytes()
		if err != nil {
			// Payload vanished; release the dangling reference and move on.
			_ = q.Discard(ctx, ref)
			continue
		}
		chunk, err := DecodeChunk(raw)
		if err != nil {
			// Malformed payload is never handed to a worker; the janitor
			// would drop it anyway.
			_ = q.Discard(ctx, ref)
			continue
		}
		return &Lease{Ref: ref, Chunk: *chunk}, nil
	}
}

func (q *redisQueue) Complete(ctx context.Context, ref Ref) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 0, string(ref))
	pipe.ZRem(ctx, q.leasesKey(), string(ref))
	pipe.HDel(ctx, q.chunksKey(), string(ref))
	pipe.Del(ctx, q.stopKey(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete chunk: %w", err)
	}
	return nil
}

func (q *redisQueue) Requeue(ctx context.Context, ref Ref) error {
	n, err := q.rdb.LRem(ctx, q.activeKey(), 0, string(ref)).Result()
	if err != nil {
		return fmt.Errorf("failed to requeue chunk: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.leasesKey(), string(ref))
	pipe.Del(ctx, q.stopKey(ref))
	pipe.LPush(ctx, q.pendingKey(), string(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to requeue chunk: %w", err)
	}
	return nil
}

func (q *redisQueue) Remove(ctx context.Context, ref Ref) error {
	for _, list := range []string{q.pendingKey(), q.highKey()} {
		n, err := q.rdb.LRem(ctx, list, 0, string(ref)).Result()
		if err != nil {
			return fmt.Errorf("failed to remove chunk: %w", err)
		}
		if n > 0 {
			return q.dropPayload(ctx, ref)
		}
	}
	n, err := q.rdb.ZRem(ctx, q.delayedKey(), string(ref)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove chunk: %w", err)
	}
	if n > 0 {
		return q.dropPayload(ctx, ref)
	}

	// Not pending or delayed; if the payload still exists the chunk is
	// leased by a worker.
	exists, err := q.rdb.HExists(ctx, q.chunksKey(), string(ref)).Result()
	if err != nil {
		return fmt.Errorf("failed to remove chunk: %w", err)
	}
	if exists {
		return ErrChunkInFlight
	}
	return ErrNotFound
}

func (q *redisQueue) dropPayload(ctx context.Context, ref Ref) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.chunksKey(), string(ref))
	pipe.Del(ctx, q.stopKey(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to drop chunk payload: %w", err)
	}
	return nil
}

func (q *redisQueue) RequestStop(ctx context.Context, ref Ref) error {
	exists, err := q.rdb.HExists(ctx, q.chunksKey(), string(ref)).Result()
	if err != nil {
		return fmt.Errorf("failed to set stop flag: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if err := q.rdb.Set(ctx, q.stopKey(ref), "1", stopFlagTTL).Err(); err != nil {
		return fmt.Errorf("failed to set stop flag: %w", err)
	}
	return nil
}

func (q *redisQueue) StopRequested(ctx context.Context, ref Ref) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.stopKey(ref)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read stop flag: %w", err)
	}
	return n > 0, nil
}

func (q *redisQueue) ListPending(ctx context.Context) ([]Entry, error) {
	high, err := q.listEntries(ctx, q.highKey(), StatePending)
	if err != nil {
		return nil, err
	}
	normal, err := q.listEntries(ctx, q.pendingKey(), StatePending)
	if err != nil {
		return nil, err
	}
	return append(high, normal...), nil
}

func (q *redisQueue) ListActive(ctx context.Context) ([]Entry, error) {
	entries, err := q.listEntries(ctx, q.activeKey(), StateActive)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		score, err := q.rdb.ZScore(ctx, q.leasesKey(), string(entries[i].Ref)).Result()
		if err == redis.Nil {
			// Lease time lost; a zero LeasedAt makes the entry immediately
			// eligible for requeue, which is safe under at-least-once.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk lease: %w", err)
		}
		entries[i].LeasedAt = time.Unix(int64(score), 0)
	}
	return entries, nil
}

func (q *redisQueue) ListDelayed(ctx context.Context) ([]Entry, error) {
	refs, err := q.rdb.ZRange(ctx, q.delayedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list delayed chunks: %w", err)
	}
	return q.buildEntries(ctx, refs, StateDelayed)
}

func (q *redisQueue) listEntries(ctx context.Context, list string, state State) ([]Entry, error) {
	refs, err := q.rdb.LRange(ctx, list, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s chunks: %w", state, err)
	}
	return q.buildEntries(ctx, refs, state)
}

func (q *redisQueue) buildEntries(ctx context.Context, refs []string, state State) ([]Entry, error) {
	entries := make([]Entry, 0, len(refs))
	for _, refStr := range refs {
		entry := Entry{Ref: Ref(refStr), State: state}
		raw, err := q.rdb.HGet(ctx, q.chunksKey(), refStr).Bytes()
		if err == nil {
			entry.Raw = raw
			if chunk, decodeErr := DecodeChunk(raw); decodeErr == nil {
				entry.Chunk = chunk
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (q *redisQueue) Discard(ctx context.Context, ref Ref) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.pendingKey(), 0, string(ref))
	pipe.LRem(ctx, q.highKey(), 0, string(ref))
	pipe.LRem(ctx, q.activeKey(), 0, string(ref))
	pipe.ZRem(ctx, q.leasesKey(), string(ref))
	pipe.ZRem(ctx, q.delayedKey(), string(ref))
	pipe.HDel(ctx, q.chunksKey(), string(ref))
	pipe.Del(ctx, q.stopKey(ref))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to discard chunk: %w", err)
	}
	return nil
}

func (q *redisQueue) Close() error {
	return q.rdb.Close()
}
