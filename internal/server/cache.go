package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizpulse/quizpulse/internal/protocol"
	"github.com/quizpulse/quizpulse/internal/record"
)

// CacheProvider is one backend for the hot peer-answer cache serving
// /api/peer-data. Providers form an ordered chain: reads try each in
// priority order and stop at the first success.
type CacheProvider interface {
	Name() string
	Put(ctx context.Context, a protocol.PeerAnswer) error
	Since(ctx context.Context, since int64) ([]protocol.PeerAnswer, error)
	Entries(ctx context.Context) (int, error)
}

// MemoryCache is the always-available last-resort provider.
type MemoryCache struct {
	mu sync.RWMutex
	m  map[string]protocol.PeerAnswer
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{m: make(map[string]protocol.PeerAnswer)}
}

// Name implements CacheProvider.
func (c *MemoryCache) Name() string { return "memory" }

// Put implements CacheProvider.
func (c *MemoryCache) Put(ctx context.Context, a protocol.PeerAnswer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[record.Key(a.Username, a.QuestionID)] = a
	return nil
}

// Since implements CacheProvider.
func (c *MemoryCache) Since(ctx context.Context, since int64) ([]protocol.PeerAnswer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []protocol.PeerAnswer
	for _, a := range c.m {
		if a.Timestamp > since {
			out = append(out, a)
		}
	}
	sortAnswers(out)
	return out, nil
}

// Entries implements CacheProvider.
func (c *MemoryCache) Entries(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m), nil
}

// RedisCache keeps the peer-answer cache in a Redis hash so several
// broker replicas can share it. Field is username:question_id, value is
// the serialized answer.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache connects to redisURL and pings it before use.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient builds a cache from an existing client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, key: "quizpulse:answers"}
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Name implements CacheProvider.
func (c *RedisCache) Name() string { return "redis" }

// Put implements CacheProvider.
func (c *RedisCache) Put(ctx context.Context, a protocol.PeerAnswer) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	field := record.Key(a.Username, a.QuestionID)
	if err := c.client.HSet(ctx, c.key, field, data).Err(); err != nil {
		return fmt.Errorf("cache answer %s: %w", field, err)
	}
	return nil
}

// Since implements CacheProvider. The whole hash is small (one row per
// student per question), so filtering client-side is fine.
func (c *RedisCache) Since(ctx context.Context, since int64) ([]protocol.PeerAnswer, error) {
	fields, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read answer cache: %w", err)
	}

	var out []protocol.PeerAnswer
	for field, raw := range fields {
		var a protocol.PeerAnswer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("corrupt cache entry %s: %w", field, err)
		}
		if a.Timestamp > since {
			out = append(out, a)
		}
	}
	sortAnswers(out)
	return out, nil
}

// Entries implements CacheProvider.
func (c *RedisCache) Entries(ctx context.Context) (int, error) {
	n, err := c.client.HLen(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return int(n), nil
}

// CacheChain writes through every provider and reads from the first
// that answers, recording which one served the request. With Redis down
// the chain degrades to the in-memory provider instead of failing.
type CacheChain struct {
	providers []CacheProvider
	logger    *log.Logger

	mu     sync.Mutex
	served string
}

// NewCacheChain builds a chain in priority order.
func NewCacheChain(logger *log.Logger, providers ...CacheProvider) *CacheChain {
	if logger == nil {
		logger = log.Default()
	}
	return &CacheChain{providers: providers, logger: logger}
}

// Put writes to every provider; failures past the first healthy one are
// logged, not raised, mirroring the dual-write storage policy.
func (c *CacheChain) Put(ctx context.Context, a protocol.PeerAnswer) error {
	var firstErr error
	ok := false
	for _, p := range c.providers {
		if err := p.Put(ctx, a); err != nil {
			c.logger.Printf("cache provider %s put failed: %v", p.Name(), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok = true
	}
	if !ok {
		return firstErr
	}
	return nil
}

// Since reads through the chain. Returns the rows, the provider that
// served them, and the last error when every provider failed.
func (c *CacheChain) Since(ctx context.Context, since int64) ([]protocol.PeerAnswer, string, error) {
	var lastErr error
	for _, p := range c.providers {
		rows, err := p.Since(ctx, since)
		if err != nil {
			c.logger.Printf("cache provider %s read failed, trying next: %v", p.Name(), err)
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.served = p.Name()
		c.mu.Unlock()
		return rows, p.Name(), nil
	}
	return nil, "", lastErr
}

// Info reports the provider that served the last read and its entry
// count, for /health.
func (c *CacheChain) Info(ctx context.Context) protocol.CacheInfo {
	c.mu.Lock()
	served := c.served
	c.mu.Unlock()

	for _, p := range c.providers {
		if served != "" && p.Name() != served {
			continue
		}
		n, err := p.Entries(ctx)
		if err != nil {
			continue
		}
		return protocol.CacheInfo{Provider: p.Name(), Entries: n}
	}
	return protocol.CacheInfo{Provider: "none"}
}

func sortAnswers(out []protocol.PeerAnswer) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].QuestionID < out[j].QuestionID
	})
}
