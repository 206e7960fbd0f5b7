// Package escrow tracks gifts held by the ledger until their release
// condition is met.
//
// Lifecycle:
//
//	pending -> processing -> released | refunded | disputed
//	disputed -> released | refunded
//	pending -> expired | cancelled
//
// The ledger owns the authoritative status. The engine reads it, asks the
// ledger to release or refund, and never mutates a record itself.
package escrow

import (
	"time"

	"github.com/mbd888/giftescrow/internal/ledgerrpc"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusPending    Status = "pending"    // funds held, condition not yet met
	StatusProcessing Status = "processing" // condition being verified
	StatusReleased   Status = "released"   // funds paid to the recipient
	StatusRefunded   Status = "refunded"   // funds returned to the sender
	StatusDisputed   Status = "disputed"   // suspended until resolved
	StatusExpired    Status = "expired"    // deadline passed, funds returned
	StatusCancelled  Status = "cancelled"  // withdrawn before processing
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusProcessing, StatusReleased, StatusRefunded,
	StatusDisputed, StatusExpired, StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusExpired, StatusCancelled},
	StatusProcessing: {StatusReleased, StatusRefunded, StatusDisputed},
	StatusDisputed:   {StatusReleased, StatusRefunded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsCompleted reports whether s is terminal. Disputed is suspended, not terminal.
func IsCompleted(s Status) bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// IsModifiable reports whether release or refund may still be requested.
func IsModifiable(s Status) bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction is the engine's view of one escrow record.
type Transaction struct {
	ID               string          `json:"id"`
	SenderID         string          `json:"senderId"`
	RecipientID      string          `json:"recipientId"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency,omitempty"`
	ReleaseCondition string          `json:"releaseCondition"`
	Status           Status          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
	ExpiresAt        time.Time       `json:"expiresAt"`
	MomentID         string          `json:"momentId,omitempty"`
}

// IsCompleted reports whether the escrow reached a terminal status.
func (t *Transaction) IsCompleted() bool { return IsCompleted(t.Status) }

// IsModifiable reports whether the escrow can still be released or refunded.
func (t *Transaction) IsModifiable() bool { return IsModifiable(t.Status) }

// Involves reports whether userID is a party to the escrow.
func (t *Transaction) Involves(userID string) bool {
	return userID != "" && (t.SenderID == userID || t.RecipientID == userID)
}

func fromRecord(r ledgerrpc.EscrowRecord) Transaction {
	return Transaction{
		ID:               r.ID,
		SenderID:         r.SenderID,
		RecipientID:      r.RecipientID,
		Amount:           r.Amount,
		Currency:         r.Currency,
		ReleaseCondition: r.ReleaseCondition,
		Status:           Status(r.Status),
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		MomentID:         r.MomentID,
	}
}
