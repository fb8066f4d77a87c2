package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/procflow/runtime"
)

// RedisEventStore keeps the events of each run in a sorted set scored by
// Seq, so several processes can share one event history.
type RedisEventStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a RedisEventStore.
type RedisOption func(*RedisEventStore)

// WithKeyPrefix sets the key prefix (default "procflow:events:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisEventStore) {
		s.prefix = prefix
	}
}

// WithTTL expires the events of a run ttl after its last append.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisEventStore) {
		s.ttl = ttl
	}
}

// NewRedisEventStore connects to the Redis server at addr.
func NewRedisEventStore(addr, password string, db int, opts ...RedisOption) *RedisEventStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisEventStoreFromClient(client, opts...)
}

// NewRedisEventStoreFromClient wraps an existing client.
func NewRedisEventStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisEventStore {
	s := &RedisEventStore{
		client: client,
		prefix: "procflow:events:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisEventStore) runKey(runID string) string {
	return s.prefix + "run:" + runID
}

func (s *RedisEventStore) indexKey() string {
	return s.prefix + "runs"
}

// Append stores an event.
func (s *RedisEventStore) Append(ctx context.Context, event runtime.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redisstore: marshal event: %w", err)
	}

	key := s.runKey(event.RunID)
	seq := strconv.FormatUint(event.Seq, 10)
	// Runs have a single writer, so the check does not race with itself.
	n, err := s.client.ZCount(ctx, key, seq, seq).Result()
	if err != nil {
		return fmt.Errorf("redisstore: append: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: run %s seq %d", ErrDuplicateEvent, event.RunID, event.Seq)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.Seq), Member: data})
	// Equal scores order lexically, which sorts run ids.
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: event.RunID})
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: append: %w", err)
	}
	return nil
}

// List returns events for a run ordered by Seq.
func (s *RedisEventStore) List(ctx context.Context, runID string, afterSeq uint64, limit int) ([]runtime.Event, error) {
	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if afterSeq > 0 {
		rng.Min = "(" + strconv.FormatUint(afterSeq, 10)
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}

	members, err := s.client.ZRangeByScore(ctx, s.runKey(runID), rng).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list: %w", err)
	}
	events := make([]runtime.Event, 0, len(members))
	for _, m := range members {
		var e runtime.Event
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			return nil, fmt.Errorf("redisstore: unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// LatestSeq returns the highest Seq for a run (0 if no events).
func (s *RedisEventStore) LatestSeq(ctx context.Context, runID string) (uint64, error) {
	top, err := s.client.ZRevRangeWithScores(ctx, s.runKey(runID), 0, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: latest seq: %w", err)
	}
	if len(top) == 0 {
		return 0, nil
	}
	return uint64(top[0].Score), nil
}

// RunIDs returns the ids of all runs with stored events. Runs whose events
// expired are dropped from the index.
func (s *RedisEventStore) RunIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: run ids: %w", err)
	}
	if s.ttl <= 0 {
		return ids, nil
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.runKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redisstore: run ids: %w", err)
		}
		if n == 0 {
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

// Close closes the redis client.
func (s *RedisEventStore) Close() error {
	return s.client.Close()
}

// Compile-time interface check.
var _ EventStore = (*RedisEventStore)(nil)
