package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Expirer is a store that must delete expired keys itself. Memory and Redis
// stores expire on read or natively and do not need one.
type Expirer interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Purger periodically deletes expired keys from an Expirer.
type Purger struct {
	store    Expirer
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewPurger creates a purger that runs every interval (default 10m).
func NewPurger(store Expirer, interval time.Duration, logger *slog.Logger) *Purger {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Purger{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (p *Purger) Running() bool {
	return p.running.Load()
}

// Start runs the purge loop until ctx ends or Stop is called. Call in a goroutine.
func (p *Purger) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safePurge(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (p *Purger) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Purger) safePurge(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in idempotency purger", "panic", fmt.Sprint(r))
		}
	}()
	n, err := p.store.PurgeExpired(ctx)
	if err != nil {
		p.logger.Warn("failed to purge idempotency keys", "error", err)
		return
	}
	if n > 0 {
		p.logger.Debug("purged expired idempotency keys", "count", n)
	}
}
