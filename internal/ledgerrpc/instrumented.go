package ledgerrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/giftescrow/internal/circuitbreaker"
	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/metrics"
	"github.com/mbd888/giftescrow/internal/traces"
	"go.opentelemetry.io/otel/attribute"
)

// Instrumented wraps a Client with per-RPC metrics, spans and an optional
// circuit breaker keyed by procedure name.
type Instrumented struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

// NewInstrumented wraps inner. breaker may be nil.
func NewInstrumented(inner Client, breaker *circuitbreaker.Breaker) *Instrumented {
	return &Instrumented{inner: inner, breaker: breaker}
}

var _ Client = (*Instrumented)(nil)

// observe runs fn under a span, the breaker and the duration histogram.
// Only transient failures count against the circuit.
func (c *Instrumented) observe(ctx context.Context, rpc string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "ledger."+rpc, append(attrs, traces.RPC(rpc))...)
	start := time.Now()

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(rpc, func() error { return fn(ctx) }, failure.IsRetryable)
		if err == circuitbreaker.ErrOpen {
			err = failure.Transient(fmt.Errorf("%s: %w", rpc, err))
		}
	} else {
		err = fn(ctx)
	}

	metrics.LedgerRPCDuration.WithLabelValues(rpc, outcome(err)).Observe(time.Since(start).Seconds())
	traces.End(span, err)
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(failure.KindOf(err))
}

func (c *Instrumented) AtomicTransfer(ctx context.Context, p AtomicTransferParams) (*AtomicTransferResult, error) {
	var res *AtomicTransferResult
	err := c.observe(ctx, RPCAtomicTransfer,
		[]attribute.KeyValue{traces.UserID(p.SenderID), traces.Amount(p.Amount.String()), traces.IdempotencyKey(p.IdempotencyKey)},
		func(ctx context.Context) error {
			var err error
			res, err = c.inner.AtomicTransfer(ctx, p)
			return err
		})
	return res, err
}

func (c *Instrumented) CreateEscrowTransaction(ctx context.Context, p CreateEscrowParams) (*CreateEscrowResult, error) {
	var res *CreateEscrowResult
	err := c.observe(ctx, RPCCreateEscrow,
		[]attribute.KeyValue{traces.UserID(p.SenderID), traces.Amount(p.Amount.String()), traces.IdempotencyKey(p.IdempotencyKey)},
		func(ctx context.Context) error {
			var err error
			res, err = c.inner.CreateEscrowTransaction(ctx, p)
			return err
		})
	return res, err
}

func (c *Instrumented) ReleaseEscrow(ctx context.Context, escrowID string) error {
	return c.observe(ctx, RPCReleaseEscrow, []attribute.KeyValue{traces.EscrowID(escrowID)},
		func(ctx context.Context) error { return c.inner.ReleaseEscrow(ctx, escrowID) })
}

func (c *Instrumented) RefundEscrow(ctx context.Context, escrowID, reason string) error {
	return c.observe(ctx, RPCRefundEscrow, []attribute.KeyValue{traces.EscrowID(escrowID)},
		func(ctx context.Context) error { return c.inner.RefundEscrow(ctx, escrowID, reason) })
}

func (c *Instrumented) ListEscrows(ctx context.Context, q EscrowQuery) ([]EscrowRecord, error) {
	var res []EscrowRecord
	err := c.observe(ctx, RPCListEscrows, []attribute.KeyValue{traces.UserID(q.UserID)},
		func(ctx context.Context) error {
			var err error
			res, err = c.inner.ListEscrows(ctx, q)
			return err
		})
	return res, err
}

func (c *Instrumented) GetEscrow(ctx context.Context, escrowID string) (*EscrowRecord, error) {
	var res *EscrowRecord
	err := c.observe(ctx, RPCGetEscrow, []attribute.KeyValue{traces.EscrowID(escrowID)},
		func(ctx context.Context) error {
			var err error
			res, err = c.inner.GetEscrow(ctx, escrowID)
			return err
		})
	return res, err
}

func (c *Instrumented) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var res *Balance
	err := c.observe(ctx, RPCGetBalance, []attribute.KeyValue{traces.UserID(userID)},
		func(ctx context.Context) error {
			var err error
			res, err = c.inner.GetBalance(ctx, userID)
			return err
		})
	return res, err
}
