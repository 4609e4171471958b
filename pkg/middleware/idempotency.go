package middleware

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/diagnosis/wa-relay/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// IdempotencyStore caches successful responses by hashed Idempotency-Key.
// Reserve claims a key only when it is absent; Release drops a claim that
// did not produce a cacheable response.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// pendingValue marks a key whose first request is still running.
const pendingValue = "\x00pending"

// maxPending bounds how long a crashed request can hold its key.
const maxPending = 2 * time.Minute

// Idempotency replays the cached body of an earlier successful POST carrying
// the same Idempotency-Key, so a retried request does not send a second message.
// A duplicate arriving while the first is still in flight gets 409.
func Idempotency(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	pending := min(ttl, maxPending)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Hash the key for privacy
			hashedKey := fmt.Sprintf("idempotency:%x", sha256.Sum256([]byte(r.URL.Path+"\x00"+key)))

			ok, err := store.Reserve(r.Context(), hashedKey, pending)
			if err != nil {
				logger.WarnContext(r.Context(), "Idempotency store unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				existing, err := store.Get(r.Context(), hashedKey)
				switch {
				case err != nil || existing == "" || existing == pendingValue:
					logger.InfoContext(r.Context(), "Idempotent request already in flight", "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusConflict)
					w.Write([]byte(`{"success":false,"error":"A request with this Idempotency-Key is still in progress","code":"IDEMPOTENCY_CONFLICT"}`))
				default:
					logger.InfoContext(r.Context(), "Replaying idempotent response", "path", r.URL.Path)
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("Idempotent-Replayed", "true")
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(existing))
				}
				return
			}

			// Capture response for caching
			recorder := &responseRecorder{ResponseWriter: w}
			cached := false
			defer func() {
				if !cached {
					if err := store.Release(context.WithoutCancel(r.Context()), hashedKey); err != nil {
						logger.WarnContext(r.Context(), "Failed to release idempotency key", "error", err)
					}
				}
			}()
			next.ServeHTTP(recorder, r)

			// Cache successful responses
			if recorder.status() >= 200 && recorder.status() < 300 {
				if err := store.Set(r.Context(), hashedKey, string(recorder.body), ttl); err != nil {
					logger.WarnContext(r.Context(), "Failed to cache idempotent response", "error", err)
					return
				}
				cached = true
			}
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(body []byte) (int, error) {
	r.body = append(r.body, body...)
	return r.ResponseWriter.Write(body)
}

func (r *responseRecorder) status() int {
	if r.statusCode == 0 {
		return http.StatusOK
	}
	return r.statusCode
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryIdempotencyStore is a process-local IdempotencyStore.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return "", nil
	}
	return e.value, nil
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.evict(now)
	s.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.evict(now)
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: pendingValue, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.value == pendingValue {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryIdempotencyStore) evict(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// RedisIdempotencyStore shares cached responses between instances.
type RedisIdempotencyStore struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyStore(client *redis.Client, prefix string) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (s *RedisIdempotencyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, pendingValue, ttl).Result()
}

// releaseScript deletes the key only while it still holds the pending marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, s.client, []string{s.prefix + key}, pendingValue).Err()
}
