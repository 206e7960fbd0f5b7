// Package balancecache caches wallet balances and drops them whenever funds
// move, so the next read goes to the ledger.
//
// Entries live under cache:<prefix>:<userID>. An invalidation deletes every
// prefix for the user; entries are never updated in place. A fetch that began
// before the latest invalidation is not written back.
package balancecache

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Prefix names one kind of per-user cached data.
type Prefix string

const (
	PrefixWallet         Prefix = "wallet"
	PrefixTransactions   Prefix = "transactions"
	PrefixPaymentMethods Prefix = "payment_methods"
	PrefixEscrows        Prefix = "escrows"
)

// UserPrefixes is every prefix dropped by an invalidation.
var UserPrefixes = []Prefix{PrefixWallet, PrefixTransactions, PrefixPaymentMethods, PrefixEscrows}

// ErrMiss is returned by Store.Get for absent or expired entries.
var ErrMiss = errors.New("balancecache: miss")

// Key returns the storage key for prefix and id.
func Key(p Prefix, id string) string {
	return "cache:" + string(p) + ":" + id
}

// UserKeys returns the key of every prefix for userID.
func UserKeys(userID string) []string {
	keys := make([]string, len(UserPrefixes))
	for i, p := range UserPrefixes {
		keys[i] = Key(p, userID)
	}
	return keys
}

// Entry is one cached value.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	TTLSeconds int             `json:"ttl"`
	Tags       []string        `json:"tags,omitempty"`
}

// ExpiresAt is when the entry stops being served.
func (e *Entry) ExpiresAt() time.Time {
	return e.Timestamp.Add(time.Duration(e.TTLSeconds) * time.Second)
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// CachedBalance is the cached form of a wallet balance.
type CachedBalance struct {
	UserID    string          `json:"userId"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Currency  string          `json:"currency"`
	FetchedAt time.Time       `json:"fetchedAt"`
}
