package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, lockTTL time.Duration) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if rec, ok := s.records[key]; ok && now.Before(rec.ExpiresAt) {
		cp := *rec
		return &cp, false, nil
	}
	s.records[key] = &Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(lockTTL),
	}
	return nil, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	rec.State = StateCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.State == StateInProgress {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || !s.now().Before(rec.ExpiresAt) {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
