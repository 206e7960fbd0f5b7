package escrow

import (
	"context"
	"sort"

	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/mbd888/giftescrow/internal/logging"
	"github.com/mbd888/giftescrow/internal/metrics"
	"github.com/mbd888/giftescrow/internal/retry"
	"github.com/mbd888/giftescrow/internal/syncutil"
	"github.com/mbd888/giftescrow/internal/traces"
)

// Invalidator drops cached balances after funds move. It never fails.
type Invalidator interface {
	InvalidateAll(ctx context.Context, userIDs []string)
}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateAll(context.Context, []string) {}

// ResolvedFunc is told when an escrow leaves pending. It must not block.
type ResolvedFunc func(escrowID string, status Status, parties []string)

// Service releases, refunds and lists escrows through the ledger.
type Service struct {
	ledger      ledgerrpc.Client
	invalidator Invalidator
	policy      retry.Policy
	retryOpts   []retry.Option
	locks       *syncutil.KeyLock
	onResolved  ResolvedFunc
}

// NewService creates an escrow service over ledger.
func NewService(ledger ledgerrpc.Client, policy retry.Policy) *Service {
	return &Service{
		ledger:      ledger,
		invalidator: nopInvalidator{},
		policy:      policy,
		locks:       syncutil.NewKeyLock(),
	}
}

// WithInvalidator sets the balance cache invalidator.
func (s *Service) WithInvalidator(inv Invalidator) *Service {
	if inv != nil {
		s.invalidator = inv
	}
	return s
}

// OnResolved registers fn to run after a release or refund succeeds.
func (s *Service) OnResolved(fn ResolvedFunc) *Service {
	s.onResolved = fn
	return s
}

// WithRetryOptions adds options to every retried ledger call.
func (s *Service) WithRetryOptions(opts ...retry.Option) *Service {
	s.retryOpts = append(s.retryOpts, opts...)
	return s
}

// ListOpen returns the pending escrows userID sends or receives, newest first
// with ties broken by descending id. It reads every page the ledger has.
func (s *Service) ListOpen(ctx context.Context, userID string) ([]Transaction, error) {
	if userID == "" {
		return nil, failure.Unauthenticated()
	}

	q := ledgerrpc.EscrowQuery{UserID: userID, Status: string(StatusPending), Limit: ledgerrpc.DefaultListLimit}
	var out []Transaction
	for {
		page, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]ledgerrpc.EscrowRecord, error) {
			return s.ledger.ListEscrows(ctx, q)
		}, s.opts(ledgerrpc.RPCListEscrows)...)
		if err != nil {
			return nil, err
		}
		for _, r := range page {
			if r.Status == string(StatusPending) {
				out = append(out, fromRecord(r))
			}
		}
		if len(page) < q.Limit {
			break
		}
		last := page[len(page)-1].Cursor()
		if q.After != nil && !q.After.Precedes(page[len(page)-1]) {
			logging.L(ctx).Warn("ledger ignored escrow cursor, stopping pagination", "userId", userID, "escrows", len(out))
			break
		}
		q.After = &last
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// Get returns one escrow userID is a party to. Escrows of other users are
// reported as not found.
func (s *Service) Get(ctx context.Context, escrowID, userID string) (*Transaction, error) {
	if userID == "" {
		return nil, failure.Unauthenticated()
	}
	rec, err := s.visible(ctx, escrowID, userID)
	if err != nil {
		return nil, err
	}
	txn := fromRecord(*rec)
	return &txn, nil
}

// Release pays the escrowed funds to the recipient. Only the sender may
// release. The ledger rejects escrows that are no longer pending or processing.
func (s *Service) Release(ctx context.Context, escrowID, actorID string) error {
	return s.resolve(ctx, ledgerrpc.RPCReleaseEscrow, escrowID, actorID, StatusReleased,
		func(ctx context.Context) error { return s.ledger.ReleaseEscrow(ctx, escrowID) })
}

// Refund returns the escrowed funds to the sender. The sender may withdraw
// the gift and the recipient may decline it.
func (s *Service) Refund(ctx context.Context, escrowID, reason, actorID string) error {
	return s.resolve(ctx, ledgerrpc.RPCRefundEscrow, escrowID, actorID, StatusRefunded,
		func(ctx context.Context) error { return s.ledger.RefundEscrow(ctx, escrowID, reason) })
}

// authorize checks that actorID may move rec to target.
func authorize(rec *ledgerrpc.EscrowRecord, actorID string, target Status) error {
	if target == StatusReleased && rec.SenderID != actorID {
		return failure.Forbidden("Only the sender can release this gift.")
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, op, escrowID, actorID string, target Status, call func(context.Context) error) error {
	if actorID == "" {
		return failure.Unauthenticated()
	}
	if escrowID == "" {
		return failure.Validation("An escrow id is required.")
	}

	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.EscrowID(escrowID), traces.UserID(actorID))
	var err error
	defer func() { traces.End(span, err) }()

	unlock, lockErr := s.locks.Lock(ctx, escrowID)
	if lockErr != nil {
		err = failure.Transient(lockErr)
		return err
	}
	defer unlock()

	log := logging.L(ctx).With("escrowId", escrowID, "operation", op)

	rec, err := s.visible(ctx, escrowID, actorID)
	if err == nil {
		err = authorize(rec, actorID, target)
	}
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(op, string(failure.KindOf(err))).Inc()
		log.Info("escrow operation rejected", "error", err)
		return err
	}
	parties := []string{rec.SenderID, rec.RecipientID}

	attempts := 0
	err = retry.Run(ctx, s.policy, call,
		append(s.opts(op), retry.WithObserver(func(retry.Attempt) { attempts++ }))...)

	// A retried call whose earlier attempt landed sees its own result as
	// "not modifiable"; confirm against the ledger before reporting failure.
	if failure.IsKind(err, failure.KindEscrowNotModifiable) && attempts > 1 {
		if cur, lookupErr := s.lookup(ctx, escrowID); lookupErr == nil && Status(cur.Status) == target {
			log.Info("escrow already in target status after retry", "status", cur.Status)
			err = nil
		}
	}

	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues(op, string(failure.KindOf(err))).Inc()
		log.Warn("escrow operation failed", "error", err, "attempts", attempts)
		return err
	}

	metrics.EscrowOperationsTotal.WithLabelValues(op, "ok").Inc()
	log.Info("escrow resolved", "status", target, "attempts", attempts)
	s.invalidator.InvalidateAll(ctx, parties)
	if s.onResolved != nil {
		s.onResolved(escrowID, target, parties)
	}
	return nil
}

// visible returns the escrow when userID is a party to it. A missing escrow
// and someone else's escrow both report NotFound.
func (s *Service) visible(ctx context.Context, escrowID, userID string) (*ledgerrpc.EscrowRecord, error) {
	rec, err := s.lookup(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !rec.HasParty(userID) {
		return nil, failure.NotFound("Escrow")
	}
	return rec, nil
}

// lookup reads one escrow by id from the ledger under retry.
func (s *Service) lookup(ctx context.Context, escrowID string) (*ledgerrpc.EscrowRecord, error) {
	return retry.Do(ctx, s.policy, func(ctx context.Context) (*ledgerrpc.EscrowRecord, error) {
		return s.ledger.GetEscrow(ctx, escrowID)
	}, s.opts(ledgerrpc.RPCGetEscrow)...)
}

func (s *Service) opts(op string) []retry.Option {
	return append([]retry.Option{retry.WithOperation(op)}, s.retryOpts...)
}
