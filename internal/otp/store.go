package otp

import (
	"context"
	"sync"
	"time"

	"github.com/diagnosis/wa-relay/internal/domain"
)

// Store holds issued OTP records. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, rec *domain.OTPRecord) error
	// Get returns domain.ErrNotFound when id is unknown.
	Get(ctx context.Context, id string) (*domain.OTPRecord, error)
	// FindActiveByPhone returns the most recently issued unconsumed record for phone.
	FindActiveByPhone(ctx context.Context, phone string) (*domain.OTPRecord, error)
	Delete(ctx context.Context, id string) error
	// MarkConsumed flips the consumed flag if it is not already set. It reports
	// false when another caller consumed the record first.
	MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordFailedAttempt increments the failed-verification counter of id
	// and returns the new count.
	RecordFailedAttempt(ctx context.Context, id string) (int, error)
	// Supersede caps the expiry of every unconsumed record of phone issued
	// before keepID at the given instant. It returns the number of records changed.
	Supersede(ctx context.Context, phone, keepID string, at time.Time) (int, error)
	// SweepExpired removes every record expired at now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Clear(ctx context.Context) error
}

// issuedBefore orders records by issuance, breaking ties on id so every
// store agrees on which record is the latest.
func issuedBefore(aIssued time.Time, aID string, bIssued time.Time, bID string) bool {
	if aIssued.Equal(bIssued) {
		return aID < bID
	}
	return aIssued.Before(bIssued)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*domain.OTPRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*domain.OTPRecord)}
}

func (s *MemoryStore) Put(_ context.Context, rec *domain.OTPRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.OTPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clone(rec), nil
}

// FindActiveByPhone scans every record; the set is small and short-lived.
func (s *MemoryStore) FindActiveByPhone(_ context.Context, phone string) (*domain.OTPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.OTPRecord
	for _, rec := range s.records {
		if rec.PhoneNumber != phone || rec.Consumed {
			continue
		}
		if latest == nil || issuedBefore(latest.IssuedAt, latest.ID, rec.IssuedAt, rec.ID) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return clone(latest), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) MarkConsumed(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if rec.Consumed {
		return false, nil
	}
	rec.Consumed = true
	rec.ConsumedAt = &at
	return true, nil
}

func (s *MemoryStore) RecordFailedAttempt(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	rec.Attempts++
	return rec.Attempts, nil
}

func (s *MemoryStore) Supersede(_ context.Context, phone, keepID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep, ok := s.records[keepID]
	if !ok {
		return 0, domain.ErrNotFound
	}

	n := 0
	for id, rec := range s.records {
		if id == keepID || rec.PhoneNumber != phone || rec.Consumed {
			continue
		}
		if !issuedBefore(rec.IssuedAt, rec.ID, keep.IssuedAt, keep.ID) {
			continue
		}
		if rec.ExpiresAt.After(at) {
			rec.ExpiresAt = at
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.records {
		if rec.ExpiredAt(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*domain.OTPRecord)
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func clone(rec *domain.OTPRecord) *domain.OTPRecord {
	c := *rec
	if rec.ConsumedAt != nil {
		t := *rec.ConsumedAt
		c.ConsumedAt = &t
	}
	return &c
}
