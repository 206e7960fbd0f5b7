package balancecache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/giftescrow/internal/metrics"
)

// DefaultTTL is how long a balance is served from cache.
const DefaultTTL = 5 * time.Minute

// maxTracked bounds the per-user invalidation map. Forgetting a user only
// makes an in-flight fetch skip its write, which is always safe.
const maxTracked = 100_000

// FetchFunc loads the authoritative balance.
type FetchFunc func(ctx context.Context) (*CachedBalance, error)

type userState struct {
	gen uint64
	at  time.Time
}

// Cache is a read-through balance cache.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	seq   uint64
	users map[string]userState
}

// New creates a cache over store. A non-positive ttl uses DefaultTTL.
func New(store Store, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		users:  make(map[string]userState),
	}
}

// WithClock overrides the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) state(userID string) userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users[userID]
}

// Balance returns userID's balance from cache, or loads it with fetch and
// caches it. hit reports whether the cache served the value.
func (c *Cache) Balance(ctx context.Context, userID string, fetch FetchFunc) (b *CachedBalance, hit bool, err error) {
	key := Key(PrefixWallet, userID)
	before := c.state(userID)

	entry, err := c.store.Get(ctx, key)
	switch {
	case err == nil && entry.Timestamp.Before(before.at):
		// Written by a fetch that raced an invalidation elsewhere.
		_ = c.store.Delete(ctx, key)
	case err == nil:
		var cached CachedBalance
		if jsonErr := json.Unmarshal(entry.Data, &cached); jsonErr == nil {
			metrics.BalanceCacheRequestsTotal.WithLabelValues("hit").Inc()
			return &cached, true, nil
		}
		_ = c.store.Delete(ctx, key)
	case !errors.Is(err, ErrMiss):
		c.logger.Warn("balance cache read failed", "userId", userID, "error", err)
	}
	metrics.BalanceCacheRequestsTotal.WithLabelValues("miss").Inc()

	started := c.now()
	fresh, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}
	if fresh.FetchedAt.IsZero() {
		fresh.FetchedAt = started
	}

	if c.state(userID).gen != before.gen {
		metrics.BalanceCacheStaleWritesSkipped.Inc()
		return fresh, false, nil
	}

	data, err := json.Marshal(fresh)
	if err != nil {
		return fresh, false, nil
	}
	e := Entry{
		Data:       data,
		Timestamp:  started,
		TTLSeconds: int(c.ttl / time.Second),
		Tags:       []string{"user:" + userID},
	}
	if err := c.store.Set(ctx, key, e); err != nil {
		c.logger.Warn("balance cache write failed", "userId", userID, "error", err)
	}
	return fresh, false, nil
}

// Evict drops every cached prefix for userID and fences out in-flight fetches.
func (c *Cache) Evict(ctx context.Context, userID string) error {
	c.mu.Lock()
	if len(c.users) >= maxTracked {
		c.users = make(map[string]userState)
	}
	c.seq++
	c.users[userID] = userState{gen: c.seq, at: c.now()}
	c.mu.Unlock()

	return c.store.Delete(ctx, UserKeys(userID)...)
}
