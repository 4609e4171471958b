package otp

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/diagnosis/wa-relay/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// base sits in the future: RedisStore sets real key deadlines from ExpiresAt.
var base = time.Now().Add(time.Hour).Truncate(time.Second)

func record(phone string, issued time.Time) *domain.OTPRecord {
	return &domain.OTPRecord{
		ID:          uuid.NewString(),
		CodeHash:    "hash",
		PhoneNumber: phone,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(5 * time.Minute),
	}
}

func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("put get delete", func(t *testing.T) {
		s := newStore(t)
		rec := record("+6281234567890", base)
		if err := s.Put(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.PhoneNumber != rec.PhoneNumber || !got.ExpiresAt.Equal(rec.ExpiresAt) || got.Consumed {
			t.Fatalf("got %+v", got)
		}
		if err := s.Delete(ctx, rec.ID); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, rec.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("after delete: err = %v", err)
		}
	})

	t.Run("find active by phone", func(t *testing.T) {
		s := newStore(t)
		older := record("+6281234567890", base)
		newer := record("+6281234567890", base.Add(time.Second))
		other := record("+6289999999999", base.Add(2*time.Second))
		for _, r := range []*domain.OTPRecord{newer, older, other} {
			if err := s.Put(ctx, r); err != nil {
				t.Fatal(err)
			}
		}

		got, err := s.FindActiveByPhone(ctx, "+6281234567890")
		if err != nil || got.ID != newer.ID {
			t.Fatalf("got %v, %v; want %s", got, err, newer.ID)
		}

		if ok, err := s.MarkConsumed(ctx, newer.ID, base.Add(3*time.Second)); !ok || err != nil {
			t.Fatalf("MarkConsumed: %v, %v", ok, err)
		}
		got, err = s.FindActiveByPhone(ctx, "+6281234567890")
		if err != nil || got.ID != older.ID {
			t.Fatalf("after consume: got %v, %v; want %s", got, err, older.ID)
		}

		if _, err := s.FindActiveByPhone(ctx, "+6280000000000"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("unknown phone: err = %v", err)
		}
	})

	t.Run("mark consumed once", func(t *testing.T) {
		s := newStore(t)
		rec := record("+6281234567890", base)
		_ = s.Put(ctx, rec)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.MarkConsumed(ctx, rec.ID, base.Add(time.Second))
				if err != nil {
					t.Errorf("MarkConsumed: %v", err)
					return
				}
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("wins = %d, want 1", wins)
		}

		got, _ := s.Get(ctx, rec.ID)
		if !got.Consumed || got.ConsumedAt == nil {
			t.Fatalf("got %+v", got)
		}
		if _, err := s.MarkConsumed(ctx, "missing", base); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing: err = %v", err)
		}
	})

	t.Run("failed attempts", func(t *testing.T) {
		s := newStore(t)
		rec := record("+6281234567890", base)
		_ = s.Put(ctx, rec)

		for want := 1; want <= 3; want++ {
			n, err := s.RecordFailedAttempt(ctx, rec.ID)
			if err != nil || n != want {
				t.Fatalf("RecordFailedAttempt = %d, %v; want %d", n, err, want)
			}
		}
		got, _ := s.Get(ctx, rec.ID)
		if got.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", got.Attempts)
		}
		if _, err := s.RecordFailedAttempt(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("missing: err = %v", err)
		}
	})

	t.Run("supersede older only", func(t *testing.T) {
		s := newStore(t)
		older := record("+6281234567890", base)
		keep := record("+6281234567890", base.Add(time.Second))
		newer := record("+6281234567890", base.Add(2*time.Second))
		other := record("+6289999999999", base)
		for _, r := range []*domain.OTPRecord{older, keep, newer, other} {
			_ = s.Put(ctx, r)
		}

		n, err := s.Supersede(ctx, keep.PhoneNumber, keep.ID, keep.IssuedAt)
		if err != nil || n != 1 {
			t.Fatalf("Supersede = %d, %v; want 1", n, err)
		}

		got, _ := s.Get(ctx, older.ID)
		if !got.ExpiresAt.Equal(keep.IssuedAt) {
			t.Fatalf("older expiresAt = %v, want %v", got.ExpiresAt, keep.IssuedAt)
		}
		for _, r := range []*domain.OTPRecord{keep, newer, other} {
			got, _ := s.Get(ctx, r.ID)
			if !got.ExpiresAt.Equal(r.ExpiresAt) {
				t.Fatalf("record %s changed", r.ID)
			}
		}
	})

	t.Run("sweep idempotent", func(t *testing.T) {
		s := newStore(t)
		expired := record("+6281234567890", base)
		live := record("+6281234567890", base.Add(10*time.Minute))
		_ = s.Put(ctx, expired)
		_ = s.Put(ctx, live)

		now := base.Add(5 * time.Minute)
		n, err := s.SweepExpired(ctx, now)
		if err != nil || n != 1 {
			t.Fatalf("first sweep = %d, %v; want 1", n, err)
		}
		n, err = s.SweepExpired(ctx, now)
		if err != nil || n != 0 {
			t.Fatalf("second sweep = %d, %v; want 0", n, err)
		}
		if _, err := s.Get(ctx, expired.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatal("expired record survived sweep")
		}
		if _, err := s.Get(ctx, live.ID); err != nil {
			t.Fatalf("live record removed: %v", err)
		}
	})

	t.Run("sweep at exact expiry", func(t *testing.T) {
		s := newStore(t)
		rec := record("+6281234567890", base)
		_ = s.Put(ctx, rec)

		if n, _ := s.SweepExpired(ctx, rec.ExpiresAt.Add(-time.Microsecond)); n != 0 {
			t.Fatalf("swept %d before expiry", n)
		}
		if n, _ := s.SweepExpired(ctx, rec.ExpiresAt); n != 1 {
			t.Fatalf("swept %d at expiry, want 1", n)
		}
	})

	t.Run("clear", func(t *testing.T) {
		s := newStore(t)
		rec := record("+6281234567890", base)
		_ = s.Put(ctx, rec)
		if err := s.Clear(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Get(ctx, rec.ID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatal("record survived clear")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	testStoreContract(t, func(t *testing.T) Store {
		mr.FlushAll()
		return NewRedisStore(client, "", time.Minute)
	})
}

func TestRedisStoreKeyDeadline(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client, "", time.Minute)

	rec := record("+6281234567890", time.Now().Truncate(time.Second))
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	ttl := mr.TTL(defaultRedisPrefix + "rec:" + rec.ID)
	if ttl <= 5*time.Minute || ttl > 6*time.Minute {
		t.Fatalf("record ttl = %v, want expiry plus retention", ttl)
	}

	mr.FastForward(7 * time.Minute)
	if _, err := s.Get(context.Background(), rec.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("abandoned record survived its deadline: %v", err)
	}
}

// TestRedisStoreLive runs the contract against a real server when REDIS_TEST_URL is set.
func TestRedisStoreLive(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url, "", 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	testStoreContract(t, func(t *testing.T) Store {
		s := NewRedisStore(client, "wa-relay-test:"+uuid.NewString()+":", time.Minute)
		t.Cleanup(func() { _ = s.Clear(context.Background()) })
		return s
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	rec := record("+6281234567890", base)
	_ = s.Put(context.Background(), rec)

	got, _ := s.Get(context.Background(), rec.ID)
	got.Consumed = true

	again, _ := s.Get(context.Background(), rec.ID)
	if again.Consumed {
		t.Fatal("mutating a returned record changed the store")
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	s := NewMemoryStore()
	_ = s.Put(context.Background(), record("+6281234567890", time.Now().Add(-time.Hour)))

	sw := NewSweeper(s, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not remove expired record")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
