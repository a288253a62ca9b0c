package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResponse is a stored reply to a request that carried an Idempotency-Key.
type CachedResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       []byte `json:"body"`
}

// IdempotencyStore keeps replies by key. Get returns nil, nil on a miss.
// Reserve claims a key while its request is in flight; only one caller gets
// true until Release or the ttl runs out.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Save(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisIdempotencyStore struct {
	client *redis.Client
}

func NewRedisIdempotencyStore(client *redis.Client) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (r *RedisIdempotencyStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	val, err := r.client.Get(ctx, "idempotency:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached response: %w", err)
	}
	return &resp, nil
}

func (r *RedisIdempotencyStore) Save(ctx context.Context, key string, response CachedResponse, ttl time.Duration) error {
	b, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	return r.client.Set(ctx, "idempotency:"+key, b, ttl).Err()
}

func (r *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, "idempotency:lock:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (r *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, "idempotency:lock:"+key).Err()
}

type memoryEntry struct {
	resp    CachedResponse
	expires time.Time
}

// MemoryIdempotencyStore is used when no Redis address is configured.
type MemoryIdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	inFlight map[string]time.Time
	now      func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries:  make(map[string]memoryEntry),
		inFlight: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryIdempotencyStore) Get(_ context.Context, key string) (*CachedResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (m *MemoryIdempotencyStore) Save(_ context.Context, key string, response CachedResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{resp: response, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if expires, held := m.inFlight[key]; held && m.now().Before(expires) {
		return false, nil
	}
	m.inFlight[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
	return nil
}
