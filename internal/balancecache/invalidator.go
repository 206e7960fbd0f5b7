package balancecache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/giftescrow/internal/metrics"
)

const publishTimeout = 5 * time.Second

// Invalidator evicts a user's cached data locally and announces the eviction
// to other instances over a bus. It never returns errors to its callers.
type Invalidator struct {
	cache  *Cache
	bus    Bus
	origin string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	hooks []func(Invalidation)

	wg sync.WaitGroup
}

// NewInvalidator creates an invalidator. bus may be nil for a single
// instance deployment. origin identifies this instance on the bus.
func NewInvalidator(cache *Cache, bus Bus, origin string, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: cache, bus: bus, origin: origin, logger: logger, now: time.Now}
}

// OnInvalidation registers fn to run for every invalidation, local or remote.
func (v *Invalidator) OnInvalidation(fn func(Invalidation)) {
	v.mu.Lock()
	v.hooks = append(v.hooks, fn)
	v.mu.Unlock()
}

// Invalidate evicts userID now and publishes the eviction in the background.
func (v *Invalidator) Invalidate(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	inv := Invalidation{
		UserID:   userID,
		Prefixes: prefixNames(),
		Origin:   v.origin,
		At:       v.now(),
	}

	if err := v.cache.Evict(ctx, userID); err != nil {
		metrics.CacheInvalidationsTotal.WithLabelValues("local", "error").Inc()
		v.logger.Warn("balance cache eviction failed", "userId", userID, "error", err)
	} else {
		metrics.CacheInvalidationsTotal.WithLabelValues("local", "ok").Inc()
	}
	v.notify(inv)

	if v.bus == nil {
		return
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		// The mutation already happened; publish even if the request ends.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := v.bus.Publish(pctx, inv); err != nil {
			v.logger.Warn("invalidation publish failed", "userId", userID, "error", err)
		}
	}()
}

// InvalidateAll invalidates each distinct user once.
func (v *Invalidator) InvalidateAll(ctx context.Context, userIDs []string) {
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		v.Invalidate(ctx, id)
	}
}

// Listen applies invalidations published by other instances until ctx ends.
func (v *Invalidator) Listen(ctx context.Context) error {
	if v.bus == nil {
		<-ctx.Done()
		return nil
	}
	err := v.bus.Subscribe(ctx, func(inv Invalidation) {
		if inv.Origin == v.origin {
			return
		}
		if err := v.cache.Evict(ctx, inv.UserID); err != nil {
			metrics.CacheInvalidationsTotal.WithLabelValues("remote", "error").Inc()
			v.logger.Warn("remote eviction failed", "userId", inv.UserID, "origin", inv.Origin, "error", err)
		} else {
			metrics.CacheInvalidationsTotal.WithLabelValues("remote", "ok").Inc()
		}
		v.notify(inv)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func prefixNames() []string {
	out := make([]string, len(UserPrefixes))
	for i, p := range UserPrefixes {
		out[i] = string(p)
	}
	return out
}

func (v *Invalidator) notify(inv Invalidation) {
	v.mu.RLock()
	hooks := v.hooks
	v.mu.RUnlock()
	for _, fn := range hooks {
		fn(inv)
	}
}

// Wait blocks until pending publishes finish.
func (v *Invalidator) Wait() { v.wg.Wait() }

// Close waits for pending publishes and closes the bus.
func (v *Invalidator) Close() error {
	v.wg.Wait()
	if v.bus == nil {
		return nil
	}
	return v.bus.Close()
}
