package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored snapshot is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultKeyPrefix namespaces persisted snapshots in Redis.
const DefaultKeyPrefix = "storefront:cache:"

// Snapshot is the persisted form of a CacheEntry. The value is kept as
// encoded JSON because the persister does not know the resource type.
type Snapshot struct {
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
	TTLMs    int64           `json:"ttl_ms"`
}

// TTL returns the snapshot's freshness window.
func (s *Snapshot) TTL() time.Duration {
	return time.Duration(s.TTLMs) * time.Millisecond
}

// Persister keeps snapshots of cache entries outside the process so stale
// fallbacks survive a restart.
type Persister interface {
	Load(ctx context.Context, key string) (*Snapshot, error)
	Save(ctx context.Context, key string, snap *Snapshot) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// RedisPersister stores snapshots in Redis.
type RedisPersister struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
}

// RedisOption configures a RedisPersister.
type RedisOption func(*RedisPersister)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(p *RedisPersister) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithStaleRetention keeps snapshots in Redis for TTL + d so they can still
// serve as stale fallbacks. Zero keeps them until explicitly deleted.
func WithStaleRetention(d time.Duration) RedisOption {
	return func(p *RedisPersister) {
		p.retention = d
	}
}

// NewRedisPersister creates a persister on top of an existing Redis client.
func NewRedisPersister(redisClient *redis.Client, opts ...RedisOption) *RedisPersister {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	p := &RedisPersister{
		redis:  redisClient,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RedisPersister) redisKey(key string) string {
	return p.prefix + key
}

// Load retrieves the snapshot for key.
// Returns ErrCacheMiss if the key doesn't exist.
func (p *RedisPersister) Load(ctx context.Context, key string) (*Snapshot, error) {
	data, err := p.redis.Get(ctx, p.redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		CacheErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	return &snap, nil
}

// Save stores snap under key. The Redis expiry is the snapshot TTL plus the
// configured stale retention.
func (p *RedisPersister) Save(ctx context.Context, key string, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	var expiry time.Duration
	if p.retention > 0 {
		expiry = snap.TTL() + p.retention
	}

	if err := p.redis.Set(ctx, p.redisKey(key), data, expiry).Err(); err != nil {
		CacheErrors.WithLabelValues("save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes the snapshot for key.
func (p *RedisPersister) Delete(ctx context.Context, key string) error {
	if err := p.redis.Del(ctx, p.redisKey(key)).Err(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every snapshot under the persister's prefix.
func (p *RedisPersister) Clear(ctx context.Context) error {
	const batch = 100

	iter := p.redis.Scan(ctx, 0, scanPattern(p.prefix), batch).Iterator()
	keys := make([]string, 0, batch)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == batch {
			if err := p.redis.Del(ctx, keys...).Err(); err != nil {
				CacheErrors.WithLabelValues("clear").Inc()
				return fmt.Errorf("redis del: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		CacheErrors.WithLabelValues("clear").Inc()
		return fmt.Errorf("redis scan: %w", err)
	}

	if len(keys) > 0 {
		if err := p.redis.Del(ctx, keys...).Err(); err != nil {
			CacheErrors.WithLabelValues("clear").Inc()
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// scanPattern matches every key starting with prefix. Glob metacharacters in
// the prefix are escaped so they match literally.
func scanPattern(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('*')
	return b.String()
}

// Ping checks the Redis connection.
func (p *RedisPersister) Ping(ctx context.Context) error {
	return p.redis.Ping(ctx).Err()
}
