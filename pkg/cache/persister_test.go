package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis for unit tests and skips when none
// is running. Integration tests use testcontainers-go instead.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewRedisPersister_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisPersister should panic with nil redis client")
		}
	}()
	NewRedisPersister(nil)
}

func TestNewRedisPersister_Options(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	p := NewRedisPersister(client, WithKeyPrefix("test:"), WithStaleRetention(time.Hour))
	if p.prefix != "test:" {
		t.Errorf("prefix = %q, want %q", p.prefix, "test:")
	}
	if p.retention != time.Hour {
		t.Errorf("retention = %v, want 1h", p.retention)
	}
	if got := p.redisKey("categories"); got != "test:categories" {
		t.Errorf("redisKey = %q, want %q", got, "test:categories")
	}

	p = NewRedisPersister(client, WithKeyPrefix(""))
	if p.prefix != DefaultKeyPrefix {
		t.Errorf("empty prefix should keep default, got %q", p.prefix)
	}
}

func TestSnapshot_TTL(t *testing.T) {
	snap := &Snapshot{TTLMs: 1500}
	if snap.TTL() != 1500*time.Millisecond {
		t.Errorf("TTL = %v, want 1.5s", snap.TTL())
	}
}

func TestRedisPersister_SaveAndLoad(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client, WithStaleRetention(time.Hour))
	ctx := context.Background()

	storedAt := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	snap := &Snapshot{
		Data:     json.RawMessage(`[{"id":1,"name":"Shoes"}]`),
		StoredAt: storedAt,
		TTLMs:    5000,
	}

	if err := p.Save(ctx, "categories", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := p.Load(ctx, "categories")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if string(loaded.Data) != string(snap.Data) {
		t.Errorf("Data = %s, want %s", loaded.Data, snap.Data)
	}
	if !loaded.StoredAt.Equal(storedAt) {
		t.Errorf("StoredAt = %v, want %v", loaded.StoredAt, storedAt)
	}
	if loaded.TTLMs != 5000 {
		t.Errorf("TTLMs = %d, want 5000", loaded.TTLMs)
	}

	ttl, err := client.TTL(ctx, DefaultKeyPrefix+"categories").Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= time.Hour || ttl > time.Hour+5*time.Second {
		t.Errorf("Redis expiry = %v, want ~1h5s", ttl)
	}
}

func TestRedisPersister_Load_Miss(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client)

	_, err := p.Load(context.Background(), "missing")
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestRedisPersister_Load_Corrupted(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client)
	ctx := context.Background()

	if err := client.Set(ctx, DefaultKeyPrefix+"broken", "not json", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := p.Load(ctx, "broken")
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestRedisPersister_Save_Nil(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client)

	if err := p.Save(context.Background(), "k", nil); err == nil {
		t.Error("Save with nil snapshot should return error")
	}
}

func TestRedisPersister_Delete(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client)
	ctx := context.Background()

	snap := &Snapshot{Data: json.RawMessage(`"v"`), StoredAt: time.Now(), TTLMs: 1000}
	if err := p.Save(ctx, "k", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := p.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := p.Load(ctx, "k"); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestRedisPersister_Clear(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client)
	ctx := context.Background()

	for i := 0; i < 250; i++ {
		snap := &Snapshot{Data: json.RawMessage(`1`), StoredAt: time.Now(), TTLMs: 1000}
		if err := p.Save(ctx, fmt.Sprintf("products:page=%d", i), snap); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := client.Set(ctx, "unrelated", "keep", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	keys, err := client.Keys(ctx, DefaultKeyPrefix+"*").Result()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Expected no snapshots after Clear, found %d", len(keys))
	}
	if v, _ := client.Get(ctx, "unrelated").Result(); v != "keep" {
		t.Error("Clear must not touch keys outside the prefix")
	}
}

func TestScanPattern(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"storefront:cache:", "storefront:cache:*"},
		{"shop*:", `shop\*:*`},
		{"a?b", `a\?b*`},
		{"[x]:", `\[x\]:*`},
		{`back\slash`, `back\\slash*`},
	}

	for _, tt := range tests {
		if got := scanPattern(tt.prefix); got != tt.want {
			t.Errorf("scanPattern(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestRedisPersister_Clear_GlobPrefixIsLiteral(t *testing.T) {
	client := setupTestRedis(t)
	p := NewRedisPersister(client, WithKeyPrefix("shop*:"))
	ctx := context.Background()

	snap := &Snapshot{Data: json.RawMessage(`1`), StoredAt: time.Now(), TTLMs: 1000}
	if err := p.Save(ctx, "categories", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := client.Set(ctx, "shop-eu:categories", "keep", 0).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := p.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	if _, err := p.Load(ctx, "categories"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Load after Clear err = %v, want ErrCacheMiss", err)
	}
	if v, _ := client.Get(ctx, "shop-eu:categories").Result(); v != "keep" {
		t.Error("Clear must not touch keys the prefix only matches as a glob")
	}
}
