package balancecache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds cache entries.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore keeps entries in process memory. Expired entries read as misses
// and are swept by the janitor loop.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	now      func() time.Time
	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:  make(map[string]Entry),
		now:      time.Now,
		interval: time.Minute,
		stop:     make(chan struct{}),
	}
}

// WithClock overrides the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()
	if !ok || e.Expired(now) {
		return nil, ErrMiss
	}
	return &e, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many went.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Running reports whether the janitor loop is active.
func (s *MemoryStore) Running() bool {
	return s.running.Load()
}

// StartJanitor sweeps expired entries until ctx ends or StopJanitor is
// called. Call in a goroutine.
func (s *MemoryStore) StartJanitor(ctx context.Context, logger *slog.Logger) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("panic in balance cache janitor", "panic", fmt.Sprint(r))
					}
				}()
				if n := s.Sweep(); n > 0 {
					logger.Debug("swept expired cache entries", "count", n)
				}
			}()
		}
	}
}

// StopJanitor signals the janitor to stop.
func (s *MemoryStore) StopJanitor() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}
