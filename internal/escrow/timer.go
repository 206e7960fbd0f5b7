package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/metrics"
)

// DefaultExpiryInterval is how often the timer looks for lapsed escrows.
const DefaultExpiryInterval = 30 * time.Second

// Expirer is a ledger that expires lapsed escrows itself when asked.
// The in-memory ledger implements it; hosted ledgers expire server-side.
type Expirer interface {
	ExpireDue() []string
	Escrow(escrowID string) (ledgerrpc.EscrowRecord, bool)
}

// Timer periodically expires pending escrows past their deadline and drops
// the cached balances of both parties.
type Timer struct {
	ledger      Expirer
	invalidator Invalidator
	interval    time.Duration
	logger      *slog.Logger
	onResolved  ResolvedFunc
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates an expiry timer. inv may be nil.
func NewTimer(ledger Expirer, inv Invalidator, interval time.Duration, logger *slog.Logger) *Timer {
	if inv == nil {
		inv = nopInvalidator{}
	}
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	return &Timer{
		ledger:      ledger,
		invalidator: inv,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// OnExpired registers fn to run for each escrow the timer expires.
func (t *Timer) OnExpired(fn ResolvedFunc) *Timer {
	t.onResolved = fn
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the expiry loop until ctx ends or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeExpire(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.expire(ctx)
}

// expire returns the number of escrows it expired.
func (t *Timer) expire(ctx context.Context) int {
	ids := t.ledger.ExpireDue()
	for _, id := range ids {
		rec, ok := t.ledger.Escrow(id)
		if !ok {
			continue
		}
		parties := []string{rec.SenderID, rec.RecipientID}
		metrics.EscrowOperationsTotal.WithLabelValues("expire", "ok").Inc()
		t.invalidator.InvalidateAll(ctx, parties)
		if t.onResolved != nil {
			t.onResolved(id, StatusExpired, parties)
		}
	}
	if len(ids) > 0 {
		t.logger.Info("expired escrows", "count", len(ids))
	}
	return len(ids)
}
