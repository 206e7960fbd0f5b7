// Package ledgerrpc is the engine's view of the remote ledger.
//
// The ledger owns balances and escrow records; the engine only calls the
// procedures below. Every implementation returns *failure.Error values so
// the retry executor can tell transient failures from permanent ones.
package ledgerrpc

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Remote procedure names.
const (
	RPCAtomicTransfer = "atomic_transfer"
	RPCCreateEscrow   = "create_escrow_transaction"
	RPCReleaseEscrow  = "release_escrow"
	RPCRefundEscrow   = "refund_escrow"
	RPCListEscrows    = "list_escrows"
	RPCGetEscrow      = "get_escrow"
	RPCGetBalance     = "get_balance"
)

// ReleaseConditionProofVerified releases escrowed funds once the moment's
// proof has been verified.
const ReleaseConditionProofVerified = "proof_verified"

// AtomicTransferParams are the arguments of atomic_transfer.
type AtomicTransferParams struct {
	SenderID       string          `json:"p_sender_id"`
	RecipientID    string          `json:"p_recipient_id"`
	Amount         decimal.Decimal `json:"p_amount"`
	Currency       string          `json:"p_currency"`
	MomentID       string          `json:"p_moment_id,omitempty"`
	Message        string          `json:"p_message,omitempty"`
	IdempotencyKey string          `json:"p_idempotency_key"`
}

// AtomicTransferResult carries both sides' ledger transaction ids.
type AtomicTransferResult struct {
	SenderTxnID    string `json:"sender_txn_id"`
	RecipientTxnID string `json:"recipient_txn_id"`
}

// CreateEscrowParams are the arguments of create_escrow_transaction.
type CreateEscrowParams struct {
	SenderID         string          `json:"p_sender_id"`
	RecipientID      string          `json:"p_recipient_id"`
	Amount           decimal.Decimal `json:"p_amount"`
	Currency         string          `json:"p_currency"`
	MomentID         string          `json:"p_moment_id,omitempty"`
	ReleaseCondition string          `json:"p_release_condition"`
	IdempotencyKey   string          `json:"p_idempotency_key"`
}

// CreateEscrowResult carries the new escrow id and, when the backend opens
// a shadow transaction record, its id.
type CreateEscrowResult struct {
	EscrowID      string `json:"escrow_id"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// EscrowRecord is the ledger's row for one escrow hold.
type EscrowRecord struct {
	ID               string          `json:"id"`
	SenderID         string          `json:"sender_id"`
	RecipientID      string          `json:"recipient_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	ReleaseCondition string          `json:"release_condition"`
	Status           string          `json:"status"`
	MomentID         string          `json:"moment_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// HasParty reports whether userID sends or receives the escrow.
func (r EscrowRecord) HasParty(userID string) bool {
	return userID != "" && (r.SenderID == userID || r.RecipientID == userID)
}

// Cursor is the record's position in the newest-first listing.
func (r EscrowRecord) Cursor() EscrowCursor {
	return EscrowCursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

// EscrowCursor is a keyset position: created_at descending, then id descending.
type EscrowCursor struct {
	CreatedAt time.Time
	ID        string
}

// Precedes reports whether c comes before r in the newest-first listing.
func (c EscrowCursor) Precedes(r EscrowRecord) bool {
	if !r.CreatedAt.Equal(c.CreatedAt) {
		return r.CreatedAt.Before(c.CreatedAt)
	}
	return r.ID < c.ID
}

// EscrowQuery selects escrows where UserID is sender or recipient.
type EscrowQuery struct {
	UserID string
	Status string // empty matches all
	Limit  int    // <=0 means DefaultListLimit
	After  *EscrowCursor
}

func (q EscrowQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}

// Balance is the authoritative wallet balance for a user.
type Balance struct {
	UserID    string          `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Currency  string          `json:"currency"`
}

// Client is the set of ledger procedures the engine depends on.
type Client interface {
	AtomicTransfer(ctx context.Context, p AtomicTransferParams) (*AtomicTransferResult, error)
	CreateEscrowTransaction(ctx context.Context, p CreateEscrowParams) (*CreateEscrowResult, error)
	ReleaseEscrow(ctx context.Context, escrowID string) error
	RefundEscrow(ctx context.Context, escrowID, reason string) error
	// ListEscrows returns one newest-first page of the escrows q selects,
	// starting strictly after q.After when it is set.
	ListEscrows(ctx context.Context, q EscrowQuery) ([]EscrowRecord, error)
	// GetEscrow returns one escrow by id, or a NotFound failure.
	GetEscrow(ctx context.Context, escrowID string) (*EscrowRecord, error)
	GetBalance(ctx context.Context, userID string) (*Balance, error)
}

// DefaultListLimit is the ListEscrows page size when the query sets none.
const DefaultListLimit = 100
