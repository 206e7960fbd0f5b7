package ledgerrpc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/giftescrow/internal/failure"
	"github.com/mbd888/giftescrow/internal/idgen"
	"github.com/shopspring/decimal"
)

// DefaultEscrowTTL is how long a pending hold lives before it expires.
const DefaultEscrowTTL = 7 * 24 * time.Hour

// MemoryLedger is an in-process ledger for development and tests. It keeps
// real balance arithmetic, dedups by idempotency key and enforces the escrow
// lifecycle the way the remote ledger does.
type MemoryLedger struct {
	mu        sync.Mutex
	currency  string
	wallets   map[string]*Balance
	escrows   map[string]*EscrowRecord
	transfers map[string]AtomicTransferResult
	holds     map[string]CreateEscrowResult
	calls     map[string]int
	faults    map[string][]error
	now       func() time.Time
	escrowTTL time.Duration
}

// NewMemoryLedger creates an empty ledger whose wallets use currency.
func NewMemoryLedger(currency string) *MemoryLedger {
	if currency == "" {
		currency = "USD"
	}
	return &MemoryLedger{
		currency:  currency,
		wallets:   make(map[string]*Balance),
		escrows:   make(map[string]*EscrowRecord),
		transfers: make(map[string]AtomicTransferResult),
		holds:     make(map[string]CreateEscrowResult),
		calls:     make(map[string]int),
		faults:    make(map[string][]error),
		now:       time.Now,
		escrowTTL: DefaultEscrowTTL,
	}
}

// WithClock overrides the time source.
func (m *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

// Fund credits a user's available balance.
func (m *MemoryLedger) Fund(userID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallet(userID)
	w.Available = w.Available.Add(amount)
}

// FailNext queues errors returned by the next calls to rpc, in order, before
// the ledger does any work.
func (m *MemoryLedger) FailNext(rpc string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[rpc] = append(m.faults[rpc], errs...)
}

// Calls returns how many times rpc was invoked, failed calls included.
func (m *MemoryLedger) Calls(rpc string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[rpc]
}

// SetEscrowStatus forces an escrow into status, bypassing the lifecycle.
func (m *MemoryLedger) SetEscrowStatus(escrowID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[escrowID]; ok {
		e.Status = status
	}
}

// Escrow returns a copy of an escrow record.
func (m *MemoryLedger) Escrow(escrowID string) (EscrowRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escrows[escrowID]
	if !ok {
		return EscrowRecord{}, false
	}
	return *e, true
}

// ExpireDue moves pending escrows past their deadline to expired and returns
// the sender's hold. It returns the ids that expired.
func (m *MemoryLedger) ExpireDue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for id, e := range m.escrows {
		if e.Status != "pending" || now.Before(e.ExpiresAt) {
			continue
		}
		e.Status = "expired"
		sender := m.wallet(e.SenderID)
		sender.Pending = sender.Pending.Sub(e.Amount)
		sender.Available = sender.Available.Add(e.Amount)
		expired = append(expired, id)
	}
	sort.Strings(expired)
	return expired
}

// enter records the call and pops any injected fault. Caller holds m.mu.
func (m *MemoryLedger) enter(ctx context.Context, rpc string) error {
	m.calls[rpc]++
	if err := ctx.Err(); err != nil {
		return classifyTransport(err)
	}
	if q := m.faults[rpc]; len(q) > 0 {
		m.faults[rpc] = q[1:]
		return q[0]
	}
	return nil
}

// wallet returns the user's wallet, creating it. Caller holds m.mu.
func (m *MemoryLedger) wallet(userID string) *Balance {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Balance{UserID: userID, Currency: m.currency}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryLedger) debit(userID string, amount decimal.Decimal) error {
	w := m.wallet(userID)
	if w.Available.LessThan(amount) {
		return failure.InsufficientBalance(w.Available.StringFixed(2), w.Currency,
			fmt.Errorf("available %s < %s", w.Available, amount))
	}
	w.Available = w.Available.Sub(amount)
	return nil
}

func (m *MemoryLedger) AtomicTransfer(ctx context.Context, p AtomicTransferParams) (*AtomicTransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, RPCAtomicTransfer); err != nil {
		return nil, err
	}
	if res, ok := m.transfers[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return &res, nil
	}
	if !p.Amount.IsPositive() {
		return nil, failure.Validation("Amount must be greater than zero.")
	}
	if err := m.debit(p.SenderID, p.Amount); err != nil {
		return nil, err
	}
	recipient := m.wallet(p.RecipientID)
	recipient.Available = recipient.Available.Add(p.Amount)

	res := AtomicTransferResult{SenderTxnID: idgen.WithPrefix("txn_"), RecipientTxnID: idgen.WithPrefix("txn_")}
	if p.IdempotencyKey != "" {
		m.transfers[p.IdempotencyKey] = res
	}
	return &res, nil
}

func (m *MemoryLedger) CreateEscrowTransaction(ctx context.Context, p CreateEscrowParams) (*CreateEscrowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, RPCCreateEscrow); err != nil {
		return nil, err
	}
	if res, ok := m.holds[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return &res, nil
	}
	if !p.Amount.IsPositive() {
		return nil, failure.Validation("Amount must be greater than zero.")
	}
	if err := m.debit(p.SenderID, p.Amount); err != nil {
		return nil, err
	}
	sender := m.wallet(p.SenderID)
	sender.Pending = sender.Pending.Add(p.Amount)

	now := m.now()
	rec := &EscrowRecord{
		ID:               idgen.WithPrefix("esc_"),
		SenderID:         p.SenderID,
		RecipientID:      p.RecipientID,
		Amount:           p.Amount,
		Currency:         p.Currency,
		ReleaseCondition: p.ReleaseCondition,
		Status:           "pending",
		MomentID:         p.MomentID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.escrowTTL),
	}
	m.escrows[rec.ID] = rec

	res := CreateEscrowResult{EscrowID: rec.ID, TransactionID: idgen.WithPrefix("txn_")}
	if p.IdempotencyKey != "" {
		m.holds[p.IdempotencyKey] = res
	}
	return &res, nil
}

// resolve ends a pending or processing hold, crediting payee.
func (m *MemoryLedger) resolve(ctx context.Context, rpc, escrowID, status string, toRecipient bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, rpc); err != nil {
		return err
	}
	e, ok := m.escrows[escrowID]
	if !ok {
		return failure.NotFound("Escrow")
	}
	if e.Status != "pending" && e.Status != "processing" {
		return failure.EscrowNotModifiable(escrowID, fmt.Errorf("%s: status %s", rpc, e.Status))
	}

	sender := m.wallet(e.SenderID)
	sender.Pending = sender.Pending.Sub(e.Amount)
	if toRecipient {
		recipient := m.wallet(e.RecipientID)
		recipient.Available = recipient.Available.Add(e.Amount)
	} else {
		sender.Available = sender.Available.Add(e.Amount)
	}
	e.Status = status
	return nil
}

func (m *MemoryLedger) ReleaseEscrow(ctx context.Context, escrowID string) error {
	return m.resolve(ctx, RPCReleaseEscrow, escrowID, "released", true)
}

func (m *MemoryLedger) RefundEscrow(ctx context.Context, escrowID, _ string) error {
	return m.resolve(ctx, RPCRefundEscrow, escrowID, "refunded", false)
}

func (m *MemoryLedger) ListEscrows(ctx context.Context, q EscrowQuery) ([]EscrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, RPCListEscrows); err != nil {
		return nil, err
	}
	var out []EscrowRecord
	for _, e := range m.escrows {
		if !e.HasParty(q.UserID) {
			continue
		}
		if q.Status != "" && e.Status != q.Status {
			continue
		}
		if q.After != nil && !q.After.Precedes(*e) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cursor().Precedes(out[j])
	})
	if limit := q.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLedger) GetEscrow(ctx context.Context, escrowID string) (*EscrowRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, RPCGetEscrow); err != nil {
		return nil, err
	}
	e, ok := m.escrows[escrowID]
	if !ok {
		return nil, failure.NotFound("Escrow")
	}
	rec := *e
	return &rec, nil
}

func (m *MemoryLedger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(ctx, RPCGetBalance); err != nil {
		return nil, err
	}
	b := *m.wallet(userID)
	return &b, nil
}
