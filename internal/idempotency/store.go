// Package idempotency caches the responses of non-idempotent requests so a
// retried request with the same key replays the first response instead of
// running again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/docket/model"
)

// Response is a cached HTTP response.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store provides request deduplication. Keys are built with FormatKey.
//
// A request first reserves its key. The owner of a reservation either saves
// its response or releases the key so a retry can run again.
type Store interface {
	// Reserve claims key for inputHash until lease elapses. It returns a nil
	// response when the caller now owns the key. If a response for the same
	// input was saved, it is returned instead. A key that is held by an
	// unfinished request, or was used with different input, is a CONFLICT.
	Reserve(ctx context.Context, key, inputHash string, lease time.Duration) (*Response, error)

	// Save stores the owner's response under key for ttl.
	Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error

	// Release drops an unfinished reservation for inputHash. Saved
	// responses are kept.
	Release(ctx context.Context, key, inputHash string) error

	HealthCheck(ctx context.Context) error
}

type entry struct {
	InputHash string   `json:"input_hash"`
	Pending   bool     `json:"pending,omitempty"`
	Response  Response `json:"response"`
}

// answer resolves a reservation attempt against an existing entry.
func (e entry) answer(key, inputHash string) (*Response, error) {
	if e.InputHash != inputHash {
		return nil, conflict(key)
	}
	if e.Pending {
		return nil, model.NewConflictError(fmt.Sprintf("request with idempotency key %q is still in progress", key))
	}
	resp := e.Response
	return &resp, nil
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// FormatKey builds the storage key for an operation's idempotency key. Keys
// are scoped to a firm.
func FormatKey(firmID, operation, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", firmID, operation, key)
}

// HashInput returns the hex SHA-256 of a request body.
func HashInput(body []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(body))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Reserve claims key under the store lock. Expired entries are replaced.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, lease time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, exists := s.entries[key]; exists && !now.After(e.expiresAt) {
		return e.data.answer(key, inputHash)
	}
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(lease),
	}
	return nil, nil
}

// Save stores a response with TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Response: resp},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release drops key if it still holds a reservation for inputHash.
func (s *MemoryStore) Release(_ context.Context, key, inputHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[key]; exists && e.data.Pending && e.data.InputHash == inputHash {
		delete(s.entries, key)
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Expiry is left to Redis.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// reserveAttempts bounds retries when a competing reservation disappears
// between SETNX and GET.
const reserveAttempts = 3

// Reserve claims key with SETNX. When the key exists, the stored entry
// decides the answer.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, lease time.Duration) (*Response, error) {
	marker, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency reservation: %w", err)
	}

	for range reserveAttempts {
		claimed, err := s.client.SetNX(ctx, key, marker, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if claimed {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return e.answer(key, inputHash)
	}
	return nil, model.NewConflictError(fmt.Sprintf("request with idempotency key %q is still in progress", key))
}

// Save stores a response in Redis with TTL, replacing the reservation.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, resp Response, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Response: resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// releaseScript deletes the key only while it still holds the caller's
// reservation marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops key if it still holds a reservation for inputHash.
func (s *RedisStore) Release(ctx context.Context, key, inputHash string) error {
	marker, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return fmt.Errorf("marshal idempotency reservation: %w", err)
	}
	if err := releaseScript.Run(ctx, s.client, []string{key}, marker).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
