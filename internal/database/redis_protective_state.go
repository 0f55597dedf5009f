package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"futures-risk-engine/internal/orders"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for protective slot state
const (
	// SlotKeyPrefix prefixes one protective slot.
	// Format: fre:protective:{symbol}:{side}:{kind}
	SlotKeyPrefix = "fre:protective"

	// SlotIndexKey is the set of stored slot keys.
	SlotIndexKey = "fre:protective:index"

	// SequenceKeyPrefix prefixes the daily client order ID counter.
	// Format: fre:coid:seq:{yyyymmdd}
	SequenceKeyPrefix = "fre:coid:seq"

	// SlotStateTTL bounds how long an untouched slot survives.
	SlotStateTTL = 7 * 24 * time.Hour

	// SequenceTTL keeps a day's counter around past midnight in every timezone.
	SequenceTTL = 48 * time.Hour
)

// ErrSequenceUnavailable is returned when Redis is configured but cannot
// hand out a sequence.
var ErrSequenceUnavailable = errors.New("sequence store unavailable")

// RedisProtectiveStateStore implements orders.StateStore and
// orders.SequenceSource on Redis with an in-memory fallback cache.
type RedisProtectiveStateStore struct {
	client         *redis.Client
	logger         zerolog.Logger
	redisAvailable atomic.Bool

	cacheMu   sync.RWMutex
	slots     map[string]orders.StoredSlot
	sequences map[string]int64
}

var (
	_ orders.StateStore     = (*RedisProtectiveStateStore)(nil)
	_ orders.SequenceSource = (*RedisProtectiveStateStore)(nil)
)

// NewRedisProtectiveStateStore creates the store. If client is nil, it
// operates in memory-only mode.
func NewRedisProtectiveStateStore(client *redis.Client, logger zerolog.Logger) *RedisProtectiveStateStore {
	s := &RedisProtectiveStateStore{
		client:    client,
		logger:    logger.With().Str("component", "RedisProtectiveState").Logger(),
		slots:     make(map[string]orders.StoredSlot),
		sequences: make(map[string]int64),
	}

	if client == nil {
		s.logger.Info().Msg("No Redis client provided, using in-memory cache only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory cache")
	} else {
		s.logger.Info().Msg("Redis connected")
		s.redisAvailable.Store(true)
	}
	return s
}

func slotKey(key orders.SlotKey) string {
	return fmt.Sprintf("%s:%s:%s:%s", SlotKeyPrefix, key.Symbol, key.Side, key.Kind)
}

func (s *RedisProtectiveStateStore) useRedis() bool {
	return s.client != nil && s.redisAvailable.Load()
}

func (s *RedisProtectiveStateStore) markUnavailable(op string, err error) {
	if s.redisAvailable.CompareAndSwap(true, false) {
		s.logger.Warn().Err(err).Str("op", op).Msg("Redis error, switching to in-memory cache")
	}
}

// SaveSlot stores an ACTIVE slot. The in-memory cache is always updated, so
// a Redis failure is logged but not returned.
func (s *RedisProtectiveStateStore) SaveSlot(ctx context.Context, slot orders.StoredSlot) error {
	if slot.UpdatedAt.IsZero() {
		slot.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("failed to marshal protective slot: %w", err)
	}

	key := slotKey(slot.Key())
	s.cacheMu.Lock()
	s.slots[key] = slot
	s.cacheMu.Unlock()

	if !s.useRedis() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, SlotStateTTL)
	pipe.SAdd(ctx, SlotIndexKey, key)
	pipe.Expire(ctx, SlotIndexKey, SlotStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable("save", err)
		return nil
	}

	s.logger.Debug().
		Str("symbol", slot.Symbol).
		Str("side", string(slot.Side)).
		Str("kind", string(slot.Kind)).
		Str("order_id", slot.OrderID).
		Int("stale", len(slot.StaleOrderIDs)).
		Msg("Saved protective slot")
	return nil
}

// DeleteSlot removes a slot from Redis and the in-memory cache.
func (s *RedisProtectiveStateStore) DeleteSlot(ctx context.Context, key orders.SlotKey) error {
	k := slotKey(key)
	s.cacheMu.Lock()
	delete(s.slots, k)
	s.cacheMu.Unlock()

	if !s.useRedis() {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.SRem(ctx, SlotIndexKey, k)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable("delete", err)
	}
	return nil
}

// LoadSlots returns every stored slot. Redis wins over the cache when it is
// reachable; the cache is refreshed from what Redis returned.
func (s *RedisProtectiveStateStore) LoadSlots(ctx context.Context) ([]orders.StoredSlot, error) {
	if s.useRedis() {
		slots, err := s.loadFromRedis(ctx)
		if err == nil {
			s.cacheMu.Lock()
			s.slots = make(map[string]orders.StoredSlot, len(slots))
			for _, slot := range slots {
				s.slots[slotKey(slot.Key())] = slot
			}
			s.cacheMu.Unlock()
			return slots, nil
		}
		s.markUnavailable("load", err)
	}
	return s.cachedSlots(), nil
}

func (s *RedisProtectiveStateStore) loadFromRedis(ctx context.Context) ([]orders.StoredSlot, error) {
	keys, err := s.client.SMembers(ctx, SlotIndexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	slots := make([]orders.StoredSlot, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// expired; drop it from the index
			s.client.SRem(ctx, SlotIndexKey, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		var slot orders.StoredSlot
		if err := json.Unmarshal([]byte(data), &slot); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable protective slot")
			continue
		}
		slots = append(slots, slot)
	}
	sortSlots(slots)
	return slots, nil
}

func (s *RedisProtectiveStateStore) cachedSlots() []orders.StoredSlot {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	slots := make([]orders.StoredSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, slot)
	}
	sortSlots(slots)
	return slots
}

func sortSlots(slots []orders.StoredSlot) {
	sort.Slice(slots, func(i, j int) bool {
		return slotKey(slots[i].Key()) < slotKey(slots[j].Key())
	})
}

// IncrementDailySequence returns the next client order ID sequence for
// dateKey. Memory-only stores count locally; a store whose Redis is down
// returns ErrSequenceUnavailable.
func (s *RedisProtectiveStateStore) IncrementDailySequence(ctx context.Context, dateKey string) (int64, error) {
	if s.client == nil {
		s.cacheMu.Lock()
		defer s.cacheMu.Unlock()
		s.sequences[dateKey]++
		return s.sequences[dateKey], nil
	}
	if !s.redisAvailable.Load() {
		return 0, ErrSequenceUnavailable
	}

	key := fmt.Sprintf("%s:%s", SequenceKeyPrefix, dateKey)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, SequenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable("sequence", err)
		return 0, fmt.Errorf("%w: %w", ErrSequenceUnavailable, err)
	}
	return incr.Val(), nil
}

// IsRedisAvailable returns whether Redis is currently available.
func (s *RedisProtectiveStateStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and, on recovery, pushes the cached slots
// back so Redis catches up with writes made while it was down.
func (s *RedisProtectiveStateStore) CheckRedisConnection(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.markUnavailable("ping", err)
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if s.redisAvailable.Swap(true) {
		return nil
	}

	s.logger.Info().Msg("Redis connection recovered")
	return s.syncCacheToRedis(ctx)
}

func (s *RedisProtectiveStateStore) syncCacheToRedis(ctx context.Context) error {
	slots := s.cachedSlots()
	if len(slots) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	for _, slot := range slots {
		data, err := json.Marshal(slot)
		if err != nil {
			return fmt.Errorf("failed to marshal protective slot: %w", err)
		}
		key := slotKey(slot.Key())
		pipe.Set(ctx, key, data, SlotStateTTL)
		pipe.SAdd(ctx, SlotIndexKey, key)
	}
	pipe.Expire(ctx, SlotIndexKey, SlotStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.markUnavailable("sync", err)
		return fmt.Errorf("failed to sync cache to redis: %w", err)
	}
	s.logger.Info().Int("slots", len(slots)).Msg("Synced cached protective slots to Redis")
	return nil
}

// MonitorConnection re-checks Redis every interval until ctx is done.
func (s *RedisProtectiveStateStore) MonitorConnection(ctx context.Context, interval time.Duration) {
	if s.client == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.CheckRedisConnection(ctx); err != nil {
				s.logger.Debug().Err(err).Msg("Redis still unavailable")
			}
		}
	}
}
