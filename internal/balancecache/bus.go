package balancecache

import (
	"context"
	"sync"
	"time"
)

// Invalidation announces that a user's cached data was dropped.
type Invalidation struct {
	UserID   string    `json:"userId"`
	Prefixes []string  `json:"prefixes"`
	Origin   string    `json:"origin"`
	At       time.Time `json:"at"`
	// Seq is the bus's own sequence number, when it has one.
	Seq int64 `json:"seq,omitempty"`
}

// Handler receives invalidations from a bus.
type Handler func(Invalidation)

// Bus carries invalidations between engine instances.
type Bus interface {
	Publish(ctx context.Context, inv Invalidation) error
	// Subscribe delivers invalidations to h until ctx ends.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// LocalBus delivers invalidations within one process.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Invalidation
	nextID int
	closed bool
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Invalidation)}
}

// Publish never blocks; a subscriber whose buffer is full misses the message.
func (b *LocalBus) Publish(_ context.Context, inv Invalidation) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- inv:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, h Handler) error {
	ch := make(chan Invalidation, 256)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inv, ok := <-ch:
			if !ok {
				return nil
			}
			h(inv)
		}
	}
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
